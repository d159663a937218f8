// Package engine frames, dispatches, correlates, times out and retries OCPP-J
// operations over a single message-oriented connection.
//
// The engine is not safe for concurrent use. Initiate, HandleFrame and Tick must
// be called from one execution context; callbacks run synchronously inside those
// calls and may initiate further operations.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"

	"charge_point/metrics"
)

// Transport hands serialized frames to the connection.
type Transport interface {
	Send(frame []byte) error
}

// DefaultTimeout applies when Initiate receives the zero Timeout.
var DefaultTimeout = Timeout{Duration: 40 * time.Second}

type Engine struct {
	transport      Transport
	log            *logrus.Entry
	now            func() time.Time
	newID          func() string
	metrics        *metrics.EngineMetrics
	maxFrameSize   int
	defaultTimeout Timeout

	pending  *pendingTable
	registry map[string]*registration
}

type registration struct {
	factory   Factory
	onReceive []func(payload json.RawMessage)
	onSend    []func(payload json.RawMessage)
}

type Option func(*Engine)

func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) { e.log = logger.WithField("component", "engine") }
}

func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the uuid based correlation id source.
func WithIDGenerator(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxFrameSize bounds the size of every frame the engine builds. Zero
// disables the check.
func WithMaxFrameSize(n int) Option {
	return func(e *Engine) { e.maxFrameSize = n }
}

func WithDefaultTimeout(t Timeout) Option {
	return func(e *Engine) { e.defaultTimeout = t }
}

func New(transport Transport, opts ...Option) *Engine {
	e := &Engine{
		transport:      transport,
		log:            logrus.StandardLogger().WithField("component", "engine"),
		now:            time.Now,
		newID:          uuid.NewString,
		defaultTimeout: DefaultTimeout,
		pending:        newPendingTable(),
		registry:       make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the factory for inbound Calls named action.
func (e *Engine) Register(action string, factory Factory) {
	e.registration(action).factory = factory
}

// OnReceiveRequest adds a hook that runs after an inbound action's request was
// processed.
func (e *Engine) OnReceiveRequest(action string, fn func(payload json.RawMessage)) {
	reg := e.registration(action)
	reg.onReceive = append(reg.onReceive, fn)
}

// OnSendConfirmation adds a hook that runs after the confirmation of an inbound
// action was handed to the transport.
func (e *Engine) OnSendConfirmation(action string, fn func(payload json.RawMessage)) {
	reg := e.registration(action)
	reg.onSend = append(reg.onSend, fn)
}

func (e *Engine) registration(action string) *registration {
	reg, ok := e.registry[action]
	if !ok {
		reg = &registration{}
		e.registry[action] = reg
	}
	return reg
}

// Initiate sends op to the peer and tracks it until exactly one of confirmation,
// call error or timeout exhaustion is delivered to done. It returns the
// correlation id. If the request cannot be built, ErrEncoding is returned and
// nothing is sent or tracked.
//
// An op implementing Holder that is not Ready is tracked but neither encoded
// nor sent; it goes out on the first Tick or completion after it became ready.
func (e *Engine) Initiate(op Outgoing, timeout Timeout, done Completion) (string, error) {
	if timeout == (Timeout{}) {
		timeout = e.defaultTimeout
	}
	id := e.nextID()

	if initiator, ok := op.(Initiator); ok {
		initiator.Initiate()
	}

	call := &pendingCall{
		id:      id,
		op:      op,
		timeout: timeout,
		done:    done,
	}
	if holder, ok := op.(Holder); ok && !holder.Ready() {
		e.pending.insert(call)
		e.metrics.SetPending(e.pending.len())
		e.log.WithFields(logrus.Fields{"id": id, "action": op.Action()}).Debug("holding message")
		return id, nil
	}

	frame, err := e.encode(id, op)
	if err != nil {
		return "", err
	}
	call.frame = frame
	call.sentAt = e.now()
	e.pending.insert(call)
	e.metrics.Sent(op.Action())
	e.metrics.SetPending(e.pending.len())

	e.send(call)
	return id, nil
}

func (e *Engine) encode(id string, op Outgoing) ([]byte, error) {
	req, err := op.CreateRequest()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, op.Action(), err)
	}
	payload, err := encodePayload(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, op.Action(), err)
	}
	frame, err := encodeCall(id, op.Action(), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, op.Action(), err)
	}
	if e.maxFrameSize > 0 && len(frame) > e.maxFrameSize {
		return nil, fmt.Errorf("%w: %s: frame of %d bytes exceeds limit of %d", ErrEncoding, op.Action(), len(frame), e.maxFrameSize)
	}
	return frame, nil
}

// release sends every held call that became ready. A call whose request cannot
// be built any more completes as Failed.
func (e *Engine) release() {
	for _, call := range e.pending.snapshot() {
		if call.frame != nil {
			continue
		}
		if current, ok := e.pending.get(call.id); !ok || current != call {
			continue
		}
		if holder, ok := call.op.(Holder); ok && !holder.Ready() {
			continue
		}
		frame, err := e.encode(call.id, call.op)
		if err != nil {
			e.pending.remove(call.id)
			e.log.WithFields(logrus.Fields{"id": call.id, "action": call.op.Action()}).Errorf("couldn't release held message: %v", err)
			e.complete(call, Result{Outcome: Failed, Error: NewCallError(ocppj.InternalError, err.Error())})
			continue
		}
		call.frame = frame
		call.sentAt = e.now()
		e.metrics.Sent(call.op.Action())
		e.send(call)
	}
}

func (e *Engine) nextID() string {
	for {
		id := e.newID()
		if _, outstanding := e.pending.get(id); !outstanding {
			return id
		}
	}
}

func (e *Engine) send(call *pendingCall) {
	if err := e.transport.Send(call.frame); err != nil {
		e.log.WithFields(logrus.Fields{"id": call.id, "action": call.op.Action()}).
			Warnf("couldn't send message: %v", err)
		return
	}
	e.log.WithFields(logrus.Fields{"id": call.id, "action": call.op.Action()}).Debugf("sent %s", call.frame)
}

// Pending returns the number of outstanding outbound calls.
func (e *Engine) Pending() int {
	return e.pending.len()
}

// IsPending reports whether id belongs to an outstanding outbound call.
func (e *Engine) IsPending(id string) bool {
	_, ok := e.pending.get(id)
	return ok
}

// Tick re-sends or expires outbound calls whose timeout elapsed. It is the only
// place where timeouts are evaluated.
func (e *Engine) Tick(now time.Time) {
	e.release()
	var sent []*pendingCall
	for _, call := range e.pending.snapshot() {
		if call.frame != nil {
			sent = append(sent, call)
		}
	}
	for _, call := range sent {
		if current, ok := e.pending.get(call.id); !ok || current != call {
			continue
		}
		if !call.timeout.expires() || now.Sub(call.sentAt) < call.timeout.Duration {
			continue
		}
		if call.retries < call.timeout.RetryLimit {
			call.retries++
			call.sentAt = now
			e.metrics.Retransmitted(call.op.Action())
			e.log.WithFields(logrus.Fields{"id": call.id, "action": call.op.Action()}).
				Infof("no response, retry %d of %d", call.retries, call.timeout.RetryLimit)
			e.send(call)
			continue
		}

		e.pending.remove(call.id)
		e.log.WithFields(logrus.Fields{"id": call.id, "action": call.op.Action()}).
			Warnf("operation timed out after %d attempts", call.retries+1)
		if handler, ok := call.op.(TimeoutHandler); ok {
			handler.OnTimeout()
		}
		e.complete(call, Result{Outcome: TimedOut})
	}
}

// HandleFrame processes one inbound frame. Malformed frames are logged and
// dropped.
func (e *Engine) HandleFrame(raw []byte) {
	f, err := parseFrame(raw)
	if err != nil {
		e.metrics.Malformed()
		e.log.Warnf("dropping frame %q: %v", raw, err)
		return
	}

	switch f.Type {
	case ocppj.CALL:
		e.handleCall(f)
	case ocppj.CALL_RESULT:
		e.handleCallResult(f)
	case ocppj.CALL_ERROR:
		e.handleCallError(f)
	}
}

func (e *Engine) handleCall(f *frame) {
	log := e.log.WithFields(logrus.Fields{"id": f.UniqueID, "action": f.Action})

	reg, ok := e.registry[f.Action]
	if !ok || reg.factory == nil {
		log.Warn("received unsupported action")
		e.metrics.Received(f.Action, "not_implemented")
		e.sendCallError(f.UniqueID, NewCallError(ocppj.NotImplemented, fmt.Sprintf("Action %s is not implemented", f.Action)))
		return
	}

	op := reg.factory()
	if err := op.ProcessRequest(f.Payload); err != nil {
		log.Warnf("couldn't process request: %v", err)
		e.metrics.Received(f.Action, "error")
		var callErr *CallError
		if !errors.As(err, &callErr) {
			callErr = NewCallError(FormationViolation, err.Error())
		}
		e.sendCallError(f.UniqueID, callErr)
		return
	}
	for _, fn := range reg.onReceive {
		fn(f.Payload)
	}

	conf, err := op.CreateConfirmation()
	if err != nil {
		log.Errorf("couldn't create confirmation: %v", err)
		e.metrics.Received(f.Action, "error")
		e.sendCallError(f.UniqueID, NewCallError(ocppj.InternalError, err.Error()))
		return
	}
	payload, err := encodePayload(conf)
	var frame []byte
	if err == nil {
		frame, err = encodeCallResult(f.UniqueID, payload)
	}
	if err != nil || (e.maxFrameSize > 0 && len(frame) > e.maxFrameSize) {
		log.Errorf("couldn't encode confirmation of %d bytes", len(frame))
		e.metrics.Received(f.Action, "error")
		e.sendCallError(f.UniqueID, outOfMemory(len(frame)))
		return
	}

	if err := e.transport.Send(frame); err != nil {
		log.Warnf("couldn't send confirmation: %v", err)
	}
	e.metrics.Received(f.Action, "accepted")
	for _, fn := range reg.onSend {
		fn(payload)
	}
}

func (e *Engine) handleCallResult(f *frame) {
	call, ok := e.pending.remove(f.UniqueID)
	if !ok {
		e.metrics.Unexpected()
		e.log.WithField("id", f.UniqueID).Debug("discarding unexpected call result")
		return
	}
	if err := call.op.ProcessConfirmation(f.Payload); err != nil {
		e.log.WithFields(logrus.Fields{"id": call.id, "action": call.op.Action()}).
			Warnf("couldn't process confirmation: %v", err)
	}
	e.complete(call, Result{Outcome: Succeeded, Payload: f.Payload})
}

func (e *Engine) handleCallError(f *frame) {
	call, ok := e.pending.remove(f.UniqueID)
	if !ok {
		e.metrics.Unexpected()
		e.log.WithField("id", f.UniqueID).Debug("discarding unexpected call error")
		return
	}
	callErr := &CallError{Code: f.ErrorCode, Description: f.ErrorDescription, Details: f.ErrorDetails}
	e.log.WithFields(logrus.Fields{"id": call.id, "action": call.op.Action()}).
		Warnf("received call error: %v", callErr)
	if handler, ok := call.op.(CallErrorHandler); ok {
		handler.OnCallError(callErr)
	}
	e.complete(call, Result{Outcome: Failed, Error: callErr})
}

func (e *Engine) complete(call *pendingCall, res Result) {
	res.ID = call.id
	res.Action = call.op.Action()
	e.metrics.Completed(res.Action, res.Outcome.String())
	e.metrics.SetPending(e.pending.len())
	if call.done != nil {
		call.done(res)
	}
	e.release()
}

func (e *Engine) sendCallError(id string, callErr *CallError) {
	frame, err := encodeCallError(id, callErr)
	if err != nil {
		e.log.WithField("id", id).Errorf("couldn't encode call error: %v", err)
		return
	}
	if err := e.transport.Send(frame); err != nil {
		e.log.WithField("id", id).Warnf("couldn't send call error: %v", err)
	}
}

// outOfMemory reports a confirmation the charge point could not afford to
// build.
func outOfMemory(msgLen int) *CallError {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	details, _ := json.Marshal(map[string]any{
		"free_heap":  stats.HeapIdle - stats.HeapReleased,
		"msg_length": msgLen,
	})
	return &CallError{
		Code:        ocppj.InternalError,
		Description: "Too little free memory on the controller. Operation denied",
		Details:     details,
	}
}
