package actions

import (
	"encoding/json"
	"errors"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"charge_point/configuration"
	"charge_point/engine"
)

// UnlockConnector ends a running session on the connector and asks the
// hardware to release the cable.
type UnlockConnector struct {
	model  *Model
	status core.UnlockStatus
}

func (u *UnlockConnector) Action() string {
	return core.UnlockConnectorFeatureName
}

func (u *UnlockConnector) ProcessRequest(payload json.RawMessage) error {
	var req core.UnlockConnectorRequest
	if err := decode(u.Action(), payload, &req); err != nil {
		return err
	}
	log := logDefault(req.ConnectorId, u.Action())

	if u.model.Unlock == nil {
		log.Warn("unlock connector is not supported")
		u.status = core.UnlockStatusNotSupported
		return nil
	}
	c := u.model.Connectors.Connector(req.ConnectorId)
	if req.ConnectorId < 1 || c == nil {
		log.Warn("unknown connector")
		u.status = core.UnlockStatusUnlockFailed
		return nil
	}
	if c.HasTransaction() {
		log.Info("ending session before unlocking")
		c.EndSession()
	}
	if u.model.Unlock(req.ConnectorId) {
		u.status = core.UnlockStatusUnlocked
	} else {
		u.status = core.UnlockStatusUnlockFailed
	}
	return nil
}

func (u *UnlockConnector) CreateConfirmation() (any, error) {
	return core.UnlockConnectorConfirmation{Status: u.status}, nil
}

type ChangeAvailability struct {
	model  *Model
	status core.AvailabilityStatus
}

func (a *ChangeAvailability) Action() string {
	return core.ChangeAvailabilityFeatureName
}

func (a *ChangeAvailability) ProcessRequest(payload json.RawMessage) error {
	var req core.ChangeAvailabilityRequest
	if err := decode(a.Action(), payload, &req); err != nil {
		return err
	}
	if req.Type != core.AvailabilityTypeOperative && req.Type != core.AvailabilityTypeInoperative {
		return engine.NewCallError(engine.PropertyConstraintViolation, "type must be Operative or Inoperative")
	}
	log := logDefault(req.ConnectorId, a.Action())

	targets := a.model.Connectors.Connectors()
	if req.ConnectorId != 0 {
		c := a.model.Connectors.Connector(req.ConnectorId)
		if c == nil {
			log.Warnf("unknown connector")
			a.status = core.AvailabilityStatusRejected
			return nil
		}
		targets = targets[req.ConnectorId : req.ConnectorId+1]
	}

	a.status = core.AvailabilityStatusAccepted
	for _, c := range targets {
		if c.SetAvailability(req.Type) {
			a.status = core.AvailabilityStatusScheduled
		}
	}
	if err := a.model.Configuration.Save(); err != nil {
		log.Errorf("couldn't persist availability: %v", err)
	}
	log.Infof("availability %s: %s", req.Type, a.status)
	return nil
}

func (a *ChangeAvailability) CreateConfirmation() (any, error) {
	return core.ChangeAvailabilityConfirmation{Status: a.status}, nil
}

type GetConfiguration struct {
	model        *Model
	confirmation core.GetConfigurationConfirmation
}

func (g *GetConfiguration) Action() string {
	return core.GetConfigurationFeatureName
}

func (g *GetConfiguration) ProcessRequest(payload json.RawMessage) error {
	var req core.GetConfigurationRequest
	if err := decode(g.Action(), payload, &req); err != nil {
		return err
	}

	g.confirmation.ConfigurationKey = []core.ConfigurationKey{}
	if len(req.Key) == 0 {
		for _, e := range g.model.Configuration.Readable() {
			g.confirmation.ConfigurationKey = append(g.confirmation.ConfigurationKey, configurationKey(e))
		}
		return nil
	}
	for _, key := range req.Key {
		e, ok := g.model.Configuration.Get(key)
		if !ok || !e.Permissions.RemoteRead {
			g.confirmation.UnknownKey = append(g.confirmation.UnknownKey, key)
			continue
		}
		g.confirmation.ConfigurationKey = append(g.confirmation.ConfigurationKey, configurationKey(e))
	}
	return nil
}

func configurationKey(e configuration.Entry) core.ConfigurationKey {
	value := e.Value
	return core.ConfigurationKey{Key: e.Key, Readonly: e.ReadOnly(), Value: &value}
}

func (g *GetConfiguration) CreateConfirmation() (any, error) {
	return g.confirmation, nil
}

type ChangeConfiguration struct {
	model  *Model
	status core.ConfigurationStatus
}

func (c *ChangeConfiguration) Action() string {
	return core.ChangeConfigurationFeatureName
}

func (c *ChangeConfiguration) ProcessRequest(payload json.RawMessage) error {
	var req core.ChangeConfigurationRequest
	if err := decode(c.Action(), payload, &req); err != nil {
		return err
	}
	if err := validate.Var(req.Key, "required,max=50"); err != nil {
		return engine.NewCallError(engine.PropertyConstraintViolation, "key: "+err.Error())
	}
	log := logDefault(0, c.Action())

	reboot, err := c.model.Configuration.SetRemote(req.Key, req.Value)
	switch {
	case errors.Is(err, configuration.ErrUnknownKey):
		c.status = core.ConfigurationStatusNotSupported
	case err != nil:
		log.Warnf("rejected %s=%q: %v", req.Key, req.Value, err)
		c.status = core.ConfigurationStatusRejected
	case reboot:
		c.status = core.ConfigurationStatusRebootRequired
	default:
		c.status = core.ConfigurationStatusAccepted
	}
	if err == nil {
		if err := c.model.Configuration.Save(); err != nil {
			log.Errorf("couldn't persist %s: %v", req.Key, err)
		}
	}
	return nil
}

func (c *ChangeConfiguration) CreateConfirmation() (any, error) {
	return core.ChangeConfigurationConfirmation{Status: c.status}, nil
}
