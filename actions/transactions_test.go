package actions

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_point/connector"
)

func TestStartTransactionAccepted(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)

	start := NewStartTransaction(h.model, 1, "AABBCCDD")
	id := h.initiate(start)

	assert.JSONEq(t, `{"connectorId":1,"meterStart":1500,"timestamp":"2022-02-01T20:53:32.486Z","idTag":"AABBCCDD"}`, string(h.lastCall().payload))
	assert.Equal(t, connector.PendingTransaction, c.TransactionID())
	assert.True(t, c.InSession())
	assert.Equal(t, c.WriteCount(), start.Rev())

	h.confirm(id, `{"idTagInfo":{"status":"Accepted"},"transactionId":4711}`)

	assert.Equal(t, types.AuthorizationStatusAccepted, start.Status)
	assert.Equal(t, 4711, c.TransactionID())
	assert.Equal(t, 4711, c.TransactionIDSync())
}

func TestStartTransactionRejectedEndsSession(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)

	id := h.initiate(NewStartTransaction(h.model, 1, "AABBCCDD"))
	h.confirm(id, `{"idTagInfo":{"status":"Rejected"},"transactionId":-1}`)

	assert.Equal(t, connector.NoTransaction, c.TransactionID())
	assert.False(t, c.HasTransaction())
	assert.False(t, c.InSession())
	_, ok := c.SessionIDTag()
	assert.False(t, ok)
}

func TestStaleStartConfirmationOnlyUpdatesSync(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)

	start := NewStartTransaction(h.model, 1, "AABBCCDD")
	startID := h.initiate(start)
	r := c.WriteCount()
	require.Equal(t, r, start.Rev())

	h.initiate(NewStopTransaction(h.model, 1))
	assert.Equal(t, r+1, c.WriteCount())
	assert.Equal(t, connector.NoTransaction, c.TransactionID())

	h.confirm(startID, `{"idTagInfo":{"status":"Accepted"},"transactionId":77}`)

	assert.Equal(t, connector.NoTransaction, c.TransactionID(), "stale confirmation must not revive the transaction")
	assert.Equal(t, 77, c.TransactionIDSync())
}

func stopCalls(h *harness) []sentCall {
	var out []sentCall
	for _, c := range h.tr.calls(h.t) {
		if c.action == "StopTransaction" {
			out = append(out, c)
		}
	}
	return out
}

func TestStopWaitsForUnansweredStart(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)

	startID := h.initiate(NewStartTransaction(h.model, 1, "AABBCCDD"))
	stop := NewStopTransaction(h.model, 1)
	stopID := h.initiate(stop)
	assert.Empty(t, stopCalls(h), "held until the StartTransaction is answered")
	assert.Equal(t, connector.NoTransaction, c.TransactionID())

	h.confirm(startID, `{"idTagInfo":{"status":"Accepted"},"transactionId":77}`)
	calls := stopCalls(h)
	require.Len(t, calls, 1)
	assert.Equal(t, stopID, calls[0].id)
	assert.JSONEq(t, `{"meterStop":1500,"timestamp":"2022-02-01T20:53:32.486Z","transactionId":77}`, string(calls[0].payload))
	assert.Equal(t, 77, stop.TransactionID())

	h.confirm(stopID, `{"idTagInfo":{"status":"Accepted"}}`)
	assert.Equal(t, connector.NoTransaction, c.TransactionIDSync())

	h.initiate(NewStartTransaction(h.model, 1, "AABBCCDD"))
	energy := 10.0
	h.initiate(NewMeterValues(h.model, 1, []Sample{{Time: epoch, Energy: &energy}}))
	var req struct {
		TransactionID *int `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(h.lastCall().payload, &req))
	assert.Nil(t, req.TransactionID, "the stopped transaction must not be reported again")
}

func TestStopAfterUnansweredStartTimedOut(t *testing.T) {
	h := newHarness(t, 1)

	h.initiate(NewStartTransaction(h.model, 1, "AABBCCDD"))
	h.initiate(NewStopTransaction(h.model, 1))
	require.Empty(t, stopCalls(h))

	h.engine.Tick(epoch.Add(time.Hour))
	calls := stopCalls(h)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"meterStop":1500,"timestamp":"2022-02-01T20:53:32.486Z","transactionId":-1}`, string(calls[0].payload))
}

func TestNewStartClearsSyncOfStoppedTransaction(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)
	startID := h.initiate(NewStartTransaction(h.model, 1, "AABBCCDD"))
	h.confirm(startID, `{"idTagInfo":{"status":"Accepted"},"transactionId":12}`)
	h.initiate(NewStopTransaction(h.model, 1))
	require.Equal(t, 12, c.TransactionIDSync(), "StopTransaction not confirmed yet")

	h.initiate(NewStartTransaction(h.model, 1, "AABBCCDD"))
	assert.Equal(t, connector.NoTransaction, c.TransactionIDSync())
}

func TestStartTransactionWithoutIDTag(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)

	h.initiate(NewStartTransaction(h.model, 1, ""))
	var req struct {
		IdTag string `json:"idTag"`
	}
	require.NoError(t, json.Unmarshal(h.lastCall().payload, &req))
	assert.Equal(t, connector.DefaultIDTag, req.IdTag)

	c.BeginSession("CAFE")
	c.SetTransactionID(connector.NoTransaction)
	h.initiate(NewStartTransaction(h.model, 1, ""))
	require.NoError(t, json.Unmarshal(h.lastCall().payload, &req))
	assert.Equal(t, "CAFE", req.IdTag)
}

func TestStartTransactionWithoutMeter(t *testing.T) {
	h := newHarness(t, 3)

	h.initiate(NewStartTransaction(h.model, 3, "AABBCCDD"))
	assert.JSONEq(t, `{"connectorId":3,"timestamp":"2022-02-01T20:53:32.486Z","idTag":"AABBCCDD"}`, string(h.lastCall().payload))
}

func TestStopTransaction(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)
	startID := h.initiate(NewStartTransaction(h.model, 1, "AABBCCDD"))
	h.confirm(startID, `{"idTagInfo":{"status":"Accepted"},"transactionId":12}`)

	stop := NewStopTransaction(h.model, 1)
	stopID := h.initiate(stop)

	assert.JSONEq(t, `{"meterStop":1500,"timestamp":"2022-02-01T20:53:32.486Z","transactionId":12}`, string(h.lastCall().payload))
	assert.Equal(t, connector.NoTransaction, c.TransactionID(), "ends locally without waiting for the Central System")
	assert.False(t, c.InSession())
	assert.Equal(t, 12, c.TransactionIDSync())

	h.confirm(stopID, `{"idTagInfo":{"status":"Accepted"}}`)
	assert.Equal(t, connector.NoTransaction, c.TransactionIDSync())
}

func TestMeterValuesUsesConfirmedTransaction(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connector(1)
	c.BeginSession("AABBCCDD")
	c.SetTransactionID(connector.PendingTransaction)

	energy, power := 1234.5, 7400.0
	h.initiate(NewMeterValues(h.model, 1, []Sample{{Time: epoch, Energy: &energy, Power: &power}}))
	assert.JSONEq(t, `{"connectorId":1,"meterValue":[{"timestamp":"2022-02-01T20:53:32.486Z","sampledValue":[
		{"value":"1234.5","measurand":"Energy.Active.Import.Register","unit":"Wh"},
		{"value":"7400","measurand":"Power.Active.Import","unit":"W"}]}]}`, string(h.lastCall().payload))

	c.SetTransactionIDSync(99)
	h.initiate(NewMeterValues(h.model, 1, []Sample{{Time: epoch, Energy: &energy}}))
	var req struct {
		TransactionID *int `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(h.lastCall().payload, &req))
	require.NotNil(t, req.TransactionID)
	assert.Equal(t, 99, *req.TransactionID)
}

func TestRemoteStartTransaction(t *testing.T) {
	h := newHarness(t, 2)

	reply := h.call("RemoteStartTransaction", `{"connectorId":2,"idTag":"AABBCCDD"}`)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(reply[2]))
	assert.True(t, h.connector(2).InSession())
	tag, _ := h.connector(2).SessionIDTag()
	assert.Equal(t, "AABBCCDD", tag)

	reply = h.call("RemoteStartTransaction", `{"connectorId":2,"idTag":"EEFF"}`)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(reply[2]), "connector is busy")

	reply = h.call("RemoteStartTransaction", `{"idTag":"EEFF"}`)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(reply[2]), "no single default connector")

	reply = h.call("RemoteStartTransaction", `{"connectorId":1}`)
	assert.Equal(t, `"PropertyConstraintViolation"`, string(reply[2]))

	reply = h.call("RemoteStartTransaction", `{"connectorId":"one","idTag":"EEFF"}`)
	assert.Equal(t, `"FormationViolation"`, string(reply[2]))
}

func TestRemoteStopTransaction(t *testing.T) {
	h := newHarness(t, 2)
	c := h.connector(2)
	c.BeginSession("AABBCCDD")
	c.SetTransactionID(31)

	reply := h.call("RemoteStopTransaction", `{"transactionId":30}`)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(reply[2]))
	assert.True(t, c.InSession())

	reply = h.call("RemoteStopTransaction", `{}`)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(reply[2]))

	reply = h.call("RemoteStopTransaction", `{"transactionId":31}`)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(reply[2]))
	assert.False(t, c.InSession())
	assert.True(t, c.HasTransaction(), "the connector loop sends the StopTransaction")

	h.model.Connectors.Boot()
	h.model.Connectors.Loop()
	assert.False(t, c.HasTransaction())
	calls := h.tr.calls(t)
	var actions []string
	for _, call := range calls {
		actions = append(actions, call.action)
	}
	assert.Contains(t, actions, "StopTransaction")
}
