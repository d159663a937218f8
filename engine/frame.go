package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocppj"
)

const (
	// FormationViolation answers a Call whose payload does not decode.
	FormationViolation          ocpp.ErrorCode = "FormationViolation"
	PropertyConstraintViolation ocpp.ErrorCode = "PropertyConstraintViolation"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEncoding       = errors.New("cannot encode operation")
)

var frameValidator = validator.New()

// CallError is the error a peer reports in a CallError frame.
type CallError struct {
	Code        ocpp.ErrorCode
	Description string
	Details     json.RawMessage
}

func NewCallError(code ocpp.ErrorCode, description string) *CallError {
	return &CallError{Code: code, Description: description}
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// frame is one decoded OCPP-J message.
type frame struct {
	Type     ocppj.MessageType
	UniqueID string `validate:"required,max=36"`
	Action   string `validate:"required_if=Type 2"`
	Payload  json.RawMessage

	ErrorCode        ocpp.ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func parseFrame(raw []byte) (*frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(elems) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(elems))
	}

	f := &frame{}
	if err := json.Unmarshal(elems[0], &f.Type); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(elems[1], &f.UniqueID); err != nil {
		return nil, fmt.Errorf("%w: unique id: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case ocppj.CALL:
		if len(elems) != 4 {
			return nil, fmt.Errorf("%w: call with %d elements", ErrMalformedFrame, len(elems))
		}
		if err := json.Unmarshal(elems[2], &f.Action); err != nil {
			return nil, fmt.Errorf("%w: action: %v", ErrMalformedFrame, err)
		}
		f.Payload = elems[3]
	case ocppj.CALL_RESULT:
		if len(elems) != 3 {
			return nil, fmt.Errorf("%w: call result with %d elements", ErrMalformedFrame, len(elems))
		}
		f.Payload = elems[2]
	case ocppj.CALL_ERROR:
		if len(elems) != 5 {
			return nil, fmt.Errorf("%w: call error with %d elements", ErrMalformedFrame, len(elems))
		}
		if err := json.Unmarshal(elems[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrMalformedFrame, err)
		}
		if err := json.Unmarshal(elems[3], &f.ErrorDescription); err != nil {
			return nil, fmt.Errorf("%w: error description: %v", ErrMalformedFrame, err)
		}
		f.ErrorDetails = elems[4]
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, f.Type)
	}

	if err := frameValidator.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

func encodeCall(id, action string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal([]any{ocppj.CALL, id, action, payload})
}

func encodeCallResult(id string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal([]any{ocppj.CALL_RESULT, id, payload})
}

func encodeCallError(id string, e *CallError) ([]byte, error) {
	details := e.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]any{ocppj.CALL_ERROR, id, e.Code, e.Description, details})
}

// encodePayload turns an operation payload into JSON, mapping nil to {}.
func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
