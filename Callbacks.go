package main

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"charge_point/actions"
	"charge_point/chargepoint"
	"charge_point/common"
	"charge_point/engine"
)

var Validator = validator.New()

type idTagPayload struct {
	IdTag string `json:"idTag" validate:"omitempty,max=20"`
}

type pluggedPayload struct {
	Plugged bool `json:"plugged"`
}

type faultPayload struct {
	ErrorCode core.ChargePointErrorCode `json:"errorCode" validate:"omitempty,oneof=ConnectorLockFailure EVCommunicationError GroundFailure HighTemperature InternalError LocalListConflict NoError OtherError OverCurrentFailure OverVoltage PowerMeterFailure PowerSwitchFailure ReaderFailure ResetFailure UnderVoltage WeakSignal"`
}

type configurationPayload struct {
	Key   string `json:"key" validate:"required,max=50"`
	Value string `json:"value" validate:"max=500"`
}

type availabilityPayload struct {
	Type core.AvailabilityType `json:"type" validate:"required,oneof=Operative Inoperative"`
}

func connectorOrDefault(connectorID *int) int {
	if connectorID == nil {
		return -1
	}
	return *connectorID
}

func decodePayload(payload []byte, request interface{}, code string, responseChannel chan common.Response) bool {
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, request); err != nil {
			responseChannel <- common.Response{Err: &common.Error{Code: code, Message: "invalid payload"}}
			return false
		}
	}
	if err := Validator.Struct(request); err != nil {
		responseChannel <- common.Response{Err: &common.Error{Code: code, Message: err.Error()}}
		return false
	}
	return true
}

func notSent(responseChannel chan common.Response, err error) {
	responseChannel <- common.Response{Err: &common.Error{
		Code:    "command.message.not.send",
		Message: fmt.Sprintf("couldn't send the message to the Central System: %v", err),
	}}
}

// reply answers responseChannel with confirmed once the Central System
// confirmed the operation, or with the reason it was aborted.
func reply(responseChannel chan common.Response, confirmed func() common.Response) engine.Completion {
	return engine.Handlers{
		OnConfirmation: func(json.RawMessage) {
			responseChannel <- confirmed()
		},
		OnCallError: func(callErr *engine.CallError) {
			responseChannel <- common.Response{Err: &common.Error{
				Code:    "command.call.error",
				Message: fmt.Sprintf("%s: %s", callErr.Code, callErr.Description),
			}}
		},
		OnTimeout: func() {
			responseChannel <- common.Response{Err: &common.Error{
				Code:    "command.timeout",
				Message: "the Central System did not answer",
			}}
		},
	}.Completion()
}

func (handler *ChargePointHandler) Authorize(connectorID *int, payload []byte, responseChannel chan common.Response) {
	request := &idTagPayload{}
	if !decodePayload(payload, request, "command.authorize.payload.not.valid", responseChannel) {
		return
	}
	handler.Do(func(cp *chargepoint.ChargePoint) {
		_, err := cp.Authorize(request.IdTag, func(op *actions.Authorize, r engine.Result) {
			reply(responseChannel, func() common.Response {
				return common.Response{Payload: map[string]interface{}{
					"idTag":  op.IDTag(),
					"status": op.Status,
				}}
			})(r)
		})
		if err != nil {
			notSent(responseChannel, err)
		}
	})
}

func (handler *ChargePointHandler) StartTransaction(connectorID *int, payload []byte, responseChannel chan common.Response) {
	request := &idTagPayload{}
	if !decodePayload(payload, request, "command.start.transaction.payload.not.valid", responseChannel) {
		return
	}
	handler.Do(func(cp *chargepoint.ChargePoint) {
		_, err := cp.StartTransaction(connectorOrDefault(connectorID), request.IdTag, func(op *actions.StartTransaction, r engine.Result) {
			reply(responseChannel, func() common.Response {
				return common.Response{Payload: map[string]interface{}{
					"connectorId":   op.ConnectorID(),
					"status":        op.Status,
					"transactionId": op.TransactionID,
				}}
			})(r)
		})
		if err != nil {
			notSent(responseChannel, err)
		}
	})
}

func (handler *ChargePointHandler) StopTransaction(connectorID *int, payload []byte, responseChannel chan common.Response) {
	handler.Do(func(cp *chargepoint.ChargePoint) {
		_, err := cp.StopTransaction(connectorOrDefault(connectorID), func(op *actions.StopTransaction, r engine.Result) {
			reply(responseChannel, func() common.Response {
				return common.Response{Payload: map[string]interface{}{
					"connectorId":   op.ConnectorID(),
					"transactionId": op.TransactionID(),
				}}
			})(r)
		})
		if err != nil {
			notSent(responseChannel, err)
		}
	})
}

func (handler *ChargePointHandler) BeginSession(connectorID *int, payload []byte, responseChannel chan common.Response) {
	request := &idTagPayload{}
	if !decodePayload(payload, request, "command.begin.session.payload.not.valid", responseChannel) {
		return
	}
	handler.Do(func(cp *chargepoint.ChargePoint) {
		id := connectorOrDefault(connectorID)
		if err := cp.BeginSession(id, request.IdTag); err != nil {
			responseChannel <- common.Response{Err: &common.Error{Code: "command.connector.not.found", Message: err.Error()}}
			return
		}
		tag, _ := cp.SessionIDTag(id)
		responseChannel <- common.Response{Payload: map[string]interface{}{"idTag": tag}}
	})
}

func (handler *ChargePointHandler) EndSession(connectorID *int, payload []byte, responseChannel chan common.Response) {
	handler.Do(func(cp *chargepoint.ChargePoint) {
		if err := cp.EndSession(connectorOrDefault(connectorID)); err != nil {
			responseChannel <- common.Response{Err: &common.Error{Code: "command.connector.not.found", Message: err.Error()}}
			return
		}
		responseChannel <- common.Response{Payload: "session ended"}
	})
}

func (handler *ChargePointHandler) SetPlugged(connectorID *int, payload []byte, responseChannel chan common.Response) {
	request := &pluggedPayload{}
	if !decodePayload(payload, request, "command.set.plugged.payload.not.valid", responseChannel) {
		return
	}
	handler.Do(func(cp *chargepoint.ChargePoint) {
		c := cp.Connectors().Connector(cp.Connectors().Resolve(connectorOrDefault(connectorID)))
		if c == nil || c.ID() < 1 {
			responseChannel <- common.Response{Err: &common.Error{Code: "command.connector.not.found", Message: "unknown connector"}}
			return
		}
		handler.setPlugged(c.ID(), request.Plugged)
		responseChannel <- common.Response{Payload: map[string]interface{}{"connectorId": c.ID(), "plugged": request.Plugged}}
	})
}

func (handler *ChargePointHandler) SetFault(connectorID *int, payload []byte, responseChannel chan common.Response) {
	request := &faultPayload{}
	if !decodePayload(payload, request, "command.set.fault.payload.not.valid", responseChannel) {
		return
	}
	handler.Do(func(cp *chargepoint.ChargePoint) {
		id := cp.Connectors().Resolve(connectorOrDefault(connectorID))
		handler.setFault(id, request.ErrorCode)
		responseChannel <- common.Response{Payload: map[string]interface{}{"connectorId": id, "status": cp.Status(id)}}
	})
}

func (handler *ChargePointHandler) SetAvailability(connectorID *int, payload []byte, responseChannel chan common.Response) {
	request := &availabilityPayload{}
	if !decodePayload(payload, request, "command.set.availability.payload.not.valid", responseChannel) {
		return
	}
	handler.Do(func(cp *chargepoint.ChargePoint) {
		id := connectorOrDefault(connectorID)
		if id < 0 {
			id = 0
		}
		scheduled, err := cp.SetAvailability(id, request.Type)
		if err != nil {
			responseChannel <- common.Response{Err: &common.Error{Code: "command.set.availability.failed", Message: err.Error()}}
			return
		}
		status := core.AvailabilityStatusAccepted
		if scheduled {
			status = core.AvailabilityStatusScheduled
		}
		responseChannel <- common.Response{Payload: map[string]interface{}{"connectorId": id, "status": status}}
	})
}

func (handler *ChargePointHandler) SetConfiguration(connectorID *int, payload []byte, responseChannel chan common.Response) {
	request := &configurationPayload{}
	if !decodePayload(payload, request, "command.set.configuration.payload.not.valid", responseChannel) {
		return
	}
	handler.Do(func(cp *chargepoint.ChargePoint) {
		rebootRequired, err := cp.SetConfiguration(request.Key, request.Value)
		if err != nil {
			responseChannel <- common.Response{Err: &common.Error{Code: "command.set.configuration.failed", Message: err.Error()}}
			return
		}
		responseChannel <- common.Response{Payload: map[string]interface{}{
			"key":            request.Key,
			"rebootRequired": rebootRequired,
		}}
	})
}

type connectorState struct {
	ConnectorId   int                       `json:"connectorId"`
	Status        core.ChargePointStatus    `json:"status"`
	ErrorCode     core.ChargePointErrorCode `json:"errorCode"`
	Availability  core.AvailabilityType     `json:"availability"`
	InSession     bool                      `json:"inSession"`
	IdTag         string                    `json:"idTag,omitempty"`
	TransactionId int                       `json:"transactionId"`
	PermitsCharge bool                      `json:"permitsCharge"`
	Plugged       bool                      `json:"plugged"`
}

func (handler *ChargePointHandler) state(cp *chargepoint.ChargePoint) []connectorState {
	var out []connectorState
	for _, c := range cp.Connectors().Connectors() {
		tag, _ := c.SessionIDTag()
		out = append(out, connectorState{
			ConnectorId:   c.ID(),
			Status:        c.Inference(),
			ErrorCode:     c.ErrorCode(),
			Availability:  c.Availability(),
			InSession:     c.InSession(),
			IdTag:         tag,
			TransactionId: c.TransactionID(),
			PermitsCharge: cp.PermitsCharge(c.ID()),
			Plugged:       c.Plugged(),
		})
	}
	return out
}

func (handler *ChargePointHandler) Status(connectorID *int, payload []byte, responseChannel chan common.Response) {
	handler.Do(func(cp *chargepoint.ChargePoint) {
		states := handler.state(cp)
		if connectorID == nil {
			responseChannel <- common.Response{Payload: states}
			return
		}
		if *connectorID >= len(states) {
			responseChannel <- common.Response{Err: &common.Error{Code: "command.connector.not.found", Message: "unknown connector"}}
			return
		}
		responseChannel <- common.Response{Payload: states[*connectorID]}
	})
}
