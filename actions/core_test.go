package actions

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_point/configuration"
	"charge_point/connector"
	"charge_point/engine"
)

func TestBootNotificationAccepted(t *testing.T) {
	h := newHarness(t, 1)
	boot := NewBootNotification(h.model, "Wallbox", "Acme", "SN-1", "1.0.0")
	id := h.initiate(boot)

	call := h.lastCall()
	assert.Equal(t, "BootNotification", call.action)
	assert.JSONEq(t, `{"chargePointModel":"Wallbox","chargePointVendor":"Acme","chargePointSerialNumber":"SN-1","firmwareVersion":"1.0.0"}`, string(call.payload))

	h.model.Connectors.Loop()
	assert.Len(t, h.tr.calls(t), 1, "no status before the boot was accepted")

	h.confirm(id, `{"currentTime":"2023-01-01T00:00:00.000Z","interval":120,"status":"Accepted"}`)

	assert.Equal(t, core.RegistrationStatusAccepted, boot.Status)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), h.model.Clock.Now())

	persisted := configuration.Declare(configuration.NewStore(h.dir, nil), HeartbeatIntervalKey, DefaultHeartbeatInterval)
	assert.Equal(t, 120, persisted.Get())

	h.model.Connectors.Loop()
	assert.Equal(t, core.ChargePointStatusAvailable, h.connector(1).LastReported())

	var statuses []core.StatusNotificationRequest
	for _, c := range h.tr.calls(t) {
		if c.action != core.StatusNotificationFeatureName {
			continue
		}
		var req core.StatusNotificationRequest
		require.NoError(t, json.Unmarshal(c.payload, &req))
		statuses = append(statuses, req)
	}
	require.Len(t, statuses, 2)
	assert.Equal(t, 1, statuses[1].ConnectorId)
	assert.Equal(t, core.ChargePointStatusAvailable, statuses[1].Status)
	assert.Equal(t, core.NoError, statuses[1].ErrorCode)
}

func TestBootNotificationRejectedKeepsConnectorsSilent(t *testing.T) {
	h := newHarness(t, 1)
	boot := NewBootNotification(h.model, "Wallbox", "Acme", "", "")
	id := h.initiate(boot)
	assert.JSONEq(t, `{"chargePointModel":"Wallbox","chargePointVendor":"Acme"}`, string(h.lastCall().payload))

	h.confirm(id, `{"currentTime":"2023-01-01T00:00:00.000Z","interval":0,"status":"Pending"}`)

	assert.Equal(t, core.RegistrationStatusPending, boot.Status)
	assert.False(t, h.model.Connectors.Booted())
	entry, ok := h.model.Configuration.Get(HeartbeatIntervalKey)
	if ok {
		assert.Equal(t, "86400", entry.Value, "interval below 1 is ignored")
	}
	h.model.Connectors.Loop()
	assert.Len(t, h.tr.calls(t), 1)
}

func TestBootNotificationPayloadOverride(t *testing.T) {
	h := newHarness(t, 1)
	h.initiate(NewBootNotificationPayload(h.model, json.RawMessage(`{"chargePointModel":"X","chargePointVendor":"Y","meterType":"Z"}`)))

	assert.JSONEq(t, `{"chargePointModel":"X","chargePointVendor":"Y","meterType":"Z"}`, string(h.lastCall().payload))
}

func TestBootNotificationRequiresModelAndVendor(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.engine.Initiate(NewBootNotification(h.model, "", "Acme", "", ""), engine.Timeout{}, nil)
	assert.Error(t, err)
	assert.Empty(t, h.tr.frames)
}

func TestHeartbeatSetsClock(t *testing.T) {
	h := newHarness(t, 1)
	id := h.initiate(NewHeartbeat(h.model))
	assert.JSONEq(t, `{}`, string(h.lastCall().payload))

	h.confirm(id, `{"currentTime":"2024-05-06T07:08:09.010Z"}`)
	assert.Equal(t, "2024-05-06T07:08:09.010Z", h.model.Clock.Now().Format("2006-01-02T15:04:05.000Z"))
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t, 1)

	long := NewAuthorize(h.model, strings.Repeat("A", 21))
	assert.Equal(t, connector.DefaultIDTag, long.IDTag())

	auth := NewAuthorize(h.model, "AABBCCDD")
	id := h.initiate(auth)
	assert.JSONEq(t, `{"idTag":"AABBCCDD"}`, string(h.lastCall().payload))

	h.confirm(id, `{"idTagInfo":{"status":"Blocked"}}`)
	assert.Equal(t, types.AuthorizationStatusBlocked, auth.Status)
}

func TestStatusNotificationRoundTrip(t *testing.T) {
	h := newHarness(t, 2)
	h.connector(2).SetFaultSampler(func() core.ChargePointErrorCode { return core.HighTemperature })
	h.model.Connectors.Boot()
	h.model.Connectors.Loop()

	found := false
	for _, c := range h.tr.calls(t) {
		var req struct {
			ConnectorID int    `json:"connectorId"`
			ErrorCode   string `json:"errorCode"`
			Status      string `json:"status"`
			Timestamp   string `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(c.payload, &req))
		assert.Equal(t, "2022-02-01T20:53:32.486Z", req.Timestamp)
		if req.ConnectorID == 2 {
			found = true
			assert.Equal(t, string(h.connector(2).LastReported()), req.Status)
			assert.Equal(t, "Faulted", req.Status)
			assert.Equal(t, "HighTemperature", req.ErrorCode)
		}
	}
	assert.True(t, found)
}

func TestStatusNotificationResolvesDefaultConnector(t *testing.T) {
	h := newHarness(t, 1)
	h.connector(1).BeginSession("AABBCCDD")

	op := NewStatusNotification(h.model, -1, connector.NotSet, "")
	h.initiate(op)

	assert.Equal(t, 1, op.ConnectorID())
	assert.Equal(t, core.ChargePointStatusPreparing, op.Status())
	assert.JSONEq(t, `{"connectorId":1,"errorCode":"NoError","status":"Preparing","timestamp":"2022-02-01T20:53:32.486Z"}`, string(h.lastCall().payload))
}

func TestConfigurationCommands(t *testing.T) {
	h := newHarness(t, 1)
	configuration.Declare(h.model.Configuration, HeartbeatIntervalKey, DefaultHeartbeatInterval).Validate(func(v int) bool { return v >= 1 })
	configuration.Declare(h.model.Configuration, "NumberOfConnectors", 1, configuration.ReadOnly())

	reply := h.call("ChangeConfiguration", `{"key":"HeartbeatInterval","value":"300"}`)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(reply[2]))
	reply = h.call("ChangeConfiguration", `{"key":"HeartbeatInterval","value":"-3"}`)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(reply[2]))
	reply = h.call("ChangeConfiguration", `{"key":"NumberOfConnectors","value":"4"}`)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(reply[2]))
	reply = h.call("ChangeConfiguration", `{"key":"Nope","value":"1"}`)
	assert.JSONEq(t, `{"status":"NotSupported"}`, string(reply[2]))

	persisted := configuration.Declare(configuration.NewStore(h.dir, nil), HeartbeatIntervalKey, DefaultHeartbeatInterval)
	assert.Equal(t, 300, persisted.Get())

	reply = h.call("GetConfiguration", `{"key":["HeartbeatInterval","NumberOfConnectors","AO_AVAIL_CONN_1","Nope"]}`)
	var conf core.GetConfigurationConfirmation
	require.NoError(t, json.Unmarshal(reply[2], &conf))
	require.Len(t, conf.ConfigurationKey, 2)
	assert.Equal(t, "HeartbeatInterval", conf.ConfigurationKey[0].Key)
	assert.Equal(t, "300", *conf.ConfigurationKey[0].Value)
	assert.False(t, conf.ConfigurationKey[0].Readonly)
	assert.True(t, conf.ConfigurationKey[1].Readonly)
	assert.Equal(t, []string{"AO_AVAIL_CONN_1", "Nope"}, conf.UnknownKey)

	reply = h.call("GetConfiguration", `{}`)
	require.NoError(t, json.Unmarshal(reply[2], &conf))
	assert.Len(t, conf.ConfigurationKey, 2)
}

func TestChangeAvailability(t *testing.T) {
	h := newHarness(t, 2)
	h.connector(2).BeginSession("AABBCCDD")
	h.connector(2).SetTransactionID(9)

	reply := h.call("ChangeAvailability", `{"connectorId":1,"type":"Inoperative"}`)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(reply[2]))
	assert.False(t, h.connector(1).IsOperative())

	reply = h.call("ChangeAvailability", `{"connectorId":0,"type":"Inoperative"}`)
	assert.JSONEq(t, `{"status":"Scheduled"}`, string(reply[2]))
	assert.True(t, h.connector(2).IsOperative())

	reply = h.call("ChangeAvailability", `{"connectorId":7,"type":"Operative"}`)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(reply[2]))

	reply = h.call("ChangeAvailability", `{"connectorId":1,"type":"Sideways"}`)
	assert.Equal(t, `"PropertyConstraintViolation"`, string(reply[2]))
}

func TestUnlockConnector(t *testing.T) {
	h := newHarness(t, 1)

	reply := h.call("UnlockConnector", `{"connectorId":1}`)
	assert.JSONEq(t, `{"status":"NotSupported"}`, string(reply[2]))

	var unlocked []int
	h.model.Unlock = func(id int) bool {
		unlocked = append(unlocked, id)
		return true
	}
	c := h.connector(1)
	c.BeginSession("AABBCCDD")
	c.SetTransactionID(3)

	reply = h.call("UnlockConnector", `{"connectorId":1}`)
	assert.JSONEq(t, `{"status":"Unlocked"}`, string(reply[2]))
	assert.Equal(t, []int{1}, unlocked)
	assert.False(t, c.InSession())

	reply = h.call("UnlockConnector", `{"connectorId":5}`)
	assert.JSONEq(t, `{"status":"UnlockFailed"}`, string(reply[2]))
}

type profiles struct {
	filters []ProfileFilter
	match   bool
}

func (p *profiles) ClearChargingProfile(filter ProfileFilter) bool {
	p.filters = append(p.filters, filter)
	return p.match
}

func TestClearChargingProfile(t *testing.T) {
	h := newHarness(t, 1)

	reply := h.call("ClearChargingProfile", `{"id":4}`)
	assert.JSONEq(t, `{"status":"Unknown"}`, string(reply[2]))

	p := &profiles{match: true}
	h.model.Profiles = p
	reply = h.call("ClearChargingProfile", `{"connectorId":1,"chargingProfilePurpose":"TxProfile"}`)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(reply[2]))
	require.Len(t, p.filters, 1)
	assert.Equal(t, 1, *p.filters[0].ConnectorID)
	assert.Equal(t, types.ChargingProfilePurposeTxProfile, p.filters[0].Purpose)
	assert.Nil(t, p.filters[0].ID)
}
