package engine

import "encoding/json"

// Operation is one OCPP action's behaviour. Concrete operations implement
// Outgoing, Incoming or both; the optional interfaces below add lifecycle hooks.
type Operation interface {
	Action() string
}

// Outgoing is an operation the charge point initiates.
type Outgoing interface {
	Operation
	// CreateRequest returns the payload placed in the Call frame. It must be
	// encodable with encoding/json.
	CreateRequest() (any, error)
	ProcessConfirmation(payload json.RawMessage) error
}

// Incoming is an operation the Central System initiates.
type Incoming interface {
	Operation
	// ProcessRequest consumes the Call payload. Returning a *CallError selects
	// the error code sent back; any other error answers FormationViolation.
	ProcessRequest(payload json.RawMessage) error
	CreateConfirmation() (any, error)
}

// Initiator captures local state right before the first transmission.
type Initiator interface {
	Initiate()
}

// Holder keeps an initiated operation back until Ready reports true. Its request
// is built when it is released, and its timeout starts then.
type Holder interface {
	Ready() bool
}

type TimeoutHandler interface {
	OnTimeout()
}

type CallErrorHandler interface {
	OnCallError(err *CallError)
}

// Factory builds a fresh operation for an inbound Call.
type Factory func() Incoming
