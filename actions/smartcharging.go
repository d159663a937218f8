package actions

import (
	"encoding/json"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

const ClearChargingProfileFeatureName = smartcharging.ClearChargingProfileFeatureName

// ProfileFilter selects charging profiles. Nil fields and an empty purpose
// match every profile.
type ProfileFilter struct {
	ID          *int                             `json:"id,omitempty"`
	ConnectorID *int                             `json:"connectorId,omitempty"`
	Purpose     types.ChargingProfilePurposeType `json:"chargingProfilePurpose,omitempty"`
	StackLevel  *int                             `json:"stackLevel,omitempty"`
}

// ProfileClearer is the smart charging service. ClearChargingProfile reports
// whether any profile matched.
type ProfileClearer interface {
	ClearChargingProfile(filter ProfileFilter) bool
}

type ClearChargingProfile struct {
	model   *Model
	matched bool
}

func (c *ClearChargingProfile) Action() string {
	return ClearChargingProfileFeatureName
}

func (c *ClearChargingProfile) ProcessRequest(payload json.RawMessage) error {
	var filter ProfileFilter
	if err := decode(c.Action(), payload, &filter); err != nil {
		return err
	}
	if c.model.Profiles == nil {
		logDefault(0, c.Action()).Warn("no smart charging service, nothing to clear")
		return nil
	}
	c.matched = c.model.Profiles.ClearChargingProfile(filter)
	return nil
}

func (c *ClearChargingProfile) CreateConfirmation() (any, error) {
	status := smartcharging.ClearChargingProfileStatusUnknown
	if c.matched {
		status = smartcharging.ClearChargingProfileStatusAccepted
	}
	return smartcharging.ClearChargingProfileConfirmation{Status: status}, nil
}
