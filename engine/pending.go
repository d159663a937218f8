package engine

import (
	"slices"
	"time"
)

// Timeout is the timeout policy of one outbound operation: the operation is
// sent up to RetryLimit+1 times, Duration apart, before it times out.
//
// The zero Timeout selects the engine default. A negative Duration never
// expires.
type Timeout struct {
	Duration   time.Duration
	RetryLimit int
}

func (t Timeout) expires() bool {
	return t.Duration > 0
}

type pendingCall struct {
	id      string
	op      Outgoing
	frame   []byte
	sentAt  time.Time
	timeout Timeout
	retries int
	done    Completion
}

// pendingTable maps correlation ids to in-flight outbound calls. It keeps the
// insertion order so ticks process calls oldest first.
type pendingTable struct {
	calls map[string]*pendingCall
	order []string
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) insert(call *pendingCall) bool {
	if _, exists := t.calls[call.id]; exists {
		return false
	}
	t.calls[call.id] = call
	t.order = append(t.order, call.id)
	return true
}

func (t *pendingTable) get(id string) (*pendingCall, bool) {
	call, ok := t.calls[id]
	return call, ok
}

func (t *pendingTable) remove(id string) (*pendingCall, bool) {
	call, ok := t.calls[id]
	if !ok {
		return nil, false
	}
	delete(t.calls, id)
	t.order = slices.DeleteFunc(t.order, func(s string) bool { return s == id })
	return call, true
}

// snapshot returns the calls outstanding right now. Callers must re-check
// membership before acting on an entry because callbacks may mutate the table.
func (t *pendingTable) snapshot() []*pendingCall {
	out := make([]*pendingCall, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.calls[id])
	}
	return out
}

func (t *pendingTable) len() int {
	return len(t.calls)
}
