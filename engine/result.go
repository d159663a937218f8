package engine

import "encoding/json"

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the single terminal outcome of an initiated operation.
type Result struct {
	ID      string
	Action  string
	Outcome Outcome
	// Payload holds the CallResult payload when Outcome is Succeeded.
	Payload json.RawMessage
	// Error holds the peer's CallError when Outcome is Failed.
	Error *CallError
}

// Aborted reports whether the operation did not complete normally.
func (r Result) Aborted() bool {
	return r.Outcome != Succeeded
}

// Completion receives the Result of an operation exactly once, from the
// engine's own execution context.
type Completion func(Result)

// Handlers adapts per-channel listeners to a Completion. OnAbort fires after
// OnCallError or OnTimeout.
type Handlers struct {
	OnConfirmation func(payload json.RawMessage)
	OnCallError    func(err *CallError)
	OnTimeout      func()
	OnAbort        func()
}

func (h Handlers) Completion() Completion {
	return func(r Result) {
		switch r.Outcome {
		case Succeeded:
			if h.OnConfirmation != nil {
				h.OnConfirmation(r.Payload)
			}
		case Failed:
			if h.OnCallError != nil {
				h.OnCallError(r.Error)
			}
		case TimedOut:
			if h.OnTimeout != nil {
				h.OnTimeout()
			}
		}
		if r.Aborted() && h.OnAbort != nil {
			h.OnAbort()
		}
	}
}
