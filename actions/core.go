// Package actions implements the OCPP 1.6 operations the charge point sends and
// answers.
package actions

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"charge_point/clock"
	"charge_point/configuration"
	"charge_point/connector"
	"charge_point/engine"
)

const (
	HeartbeatIntervalKey = "HeartbeatInterval"
	// DefaultHeartbeatInterval is in seconds.
	DefaultHeartbeatInterval = 86400
)

var validate = validator.New()

func init() {
	types.DateTimeFormat = clock.Format
}

func logDefault(connectorID int, feature string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"connector": connectorID, "message": feature})
}

// Meter reads the energy register of a connector in Wh.
type Meter interface {
	ReadEnergyActiveImportRegister(connectorID int) (float64, bool)
}

// Model is the charge point state the operations read and mutate. Meter,
// Profiles and Unlock are optional.
type Model struct {
	Connectors    *connector.Service
	Clock         *clock.Clock
	Configuration *configuration.Store
	Meter         Meter
	Profiles      ProfileClearer
	Unlock        func(connectorID int) bool

	// latest StartTransaction initiated per connector
	starts map[int]*StartTransaction
}

func (m *Model) setLatestStart(s *StartTransaction) {
	if m.starts == nil {
		m.starts = make(map[int]*StartTransaction)
	}
	m.starts[s.connectorID] = s
}

func (m *Model) latestStart(connectorID int) *StartTransaction {
	return m.starts[connectorID]
}

func (m *Model) now() *types.DateTime {
	return types.NewDateTime(m.Clock.Now())
}

func (m *Model) readMeter(connectorID int) *int {
	if m.Meter == nil {
		return nil
	}
	wh, ok := m.Meter.ReadEnergyActiveImportRegister(connectorID)
	if !ok {
		return nil
	}
	v := int(wh)
	return &v
}

// Register installs every operation the Central System may initiate.
func Register(e *engine.Engine, m *Model) {
	e.Register(core.RemoteStartTransactionFeatureName, func() engine.Incoming { return &RemoteStartTransaction{model: m} })
	e.Register(core.RemoteStopTransactionFeatureName, func() engine.Incoming { return &RemoteStopTransaction{model: m} })
	e.Register(core.UnlockConnectorFeatureName, func() engine.Incoming { return &UnlockConnector{model: m} })
	e.Register(core.ChangeAvailabilityFeatureName, func() engine.Incoming { return &ChangeAvailability{model: m} })
	e.Register(core.GetConfigurationFeatureName, func() engine.Incoming { return &GetConfiguration{model: m} })
	e.Register(core.ChangeConfigurationFeatureName, func() engine.Incoming { return &ChangeConfiguration{model: m} })
	e.Register(ClearChargingProfileFeatureName, func() engine.Incoming { return &ClearChargingProfile{model: m} })
}

func decode(feature string, payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%s: %w", feature, err)
	}
	return nil
}

type BootNotification struct {
	model    *Model
	request  core.BootNotificationRequest
	override json.RawMessage

	Status   core.RegistrationStatus
	Interval int
}

func NewBootNotification(m *Model, chargePointModel, chargePointVendor, serialNumber, firmwareVersion string) *BootNotification {
	return &BootNotification{
		model: m,
		request: core.BootNotificationRequest{
			ChargePointModel:        chargePointModel,
			ChargePointVendor:       chargePointVendor,
			ChargePointSerialNumber: serialNumber,
			FirmwareVersion:         firmwareVersion,
		},
	}
}

// NewBootNotificationPayload sends payload as it is instead of a generated
// request.
func NewBootNotificationPayload(m *Model, payload json.RawMessage) *BootNotification {
	return &BootNotification{model: m, override: payload}
}

func (b *BootNotification) Action() string {
	return core.BootNotificationFeatureName
}

func (b *BootNotification) CreateRequest() (any, error) {
	if b.override != nil {
		if !json.Valid(b.override) {
			return nil, fmt.Errorf("override payload is not valid JSON")
		}
		return b.override, nil
	}
	if err := validate.Var(b.request.ChargePointModel, "required,max=20"); err != nil {
		return nil, fmt.Errorf("chargePointModel: %w", err)
	}
	if err := validate.Var(b.request.ChargePointVendor, "required,max=20"); err != nil {
		return nil, fmt.Errorf("chargePointVendor: %w", err)
	}
	return b.request, nil
}

func (b *BootNotification) ProcessConfirmation(payload json.RawMessage) error {
	var conf struct {
		CurrentTime string                  `json:"currentTime"`
		Interval    *int                    `json:"interval"`
		Status      core.RegistrationStatus `json:"status"`
	}
	if err := decode(b.Action(), payload, &conf); err != nil {
		return err
	}
	log := logDefault(0, b.Action())

	if conf.CurrentTime == "" {
		log.Error("missing attribute currentTime")
	} else if err := b.model.Clock.SetString(conf.CurrentTime); err != nil {
		log.Errorf("time string format violation, expect format like 2022-02-01T20:53:32.486Z: %v", err)
	}

	if conf.Interval != nil {
		b.Interval = *conf.Interval
		if b.Interval >= 1 {
			interval := configuration.Declare(b.model.Configuration, HeartbeatIntervalKey, DefaultHeartbeatInterval)
			if interval.Get() != b.Interval {
				interval.Set(b.Interval)
				if err := b.model.Configuration.Save(); err != nil {
					log.Errorf("couldn't persist heartbeat interval: %v", err)
				}
			}
		}
	}

	b.Status = conf.Status
	if conf.Status == core.RegistrationStatusAccepted {
		log.Info("request has been accepted")
		b.model.Connectors.Boot()
	} else {
		log.Warnf("request unsuccessful: %s", conf.Status)
	}
	return nil
}

type Heartbeat struct {
	model *Model
}

func NewHeartbeat(m *Model) *Heartbeat {
	return &Heartbeat{model: m}
}

func (h *Heartbeat) Action() string {
	return core.HeartbeatFeatureName
}

func (h *Heartbeat) CreateRequest() (any, error) {
	return core.HeartbeatRequest{}, nil
}

func (h *Heartbeat) ProcessConfirmation(payload json.RawMessage) error {
	var conf struct {
		CurrentTime string `json:"currentTime"`
	}
	if err := decode(h.Action(), payload, &conf); err != nil {
		return err
	}
	if err := h.model.Clock.SetString(conf.CurrentTime); err != nil {
		logDefault(0, h.Action()).Errorf("couldn't set time: %v", err)
	}
	return nil
}

type Authorize struct {
	model *Model
	idTag string

	Status types.AuthorizationStatus
}

// NewAuthorize replaces idTags longer than 20 characters with
// connector.DefaultIDTag.
func NewAuthorize(m *Model, idTag string) *Authorize {
	if err := validate.Var(idTag, "required,max=20"); err != nil {
		logDefault(0, core.AuthorizeFeatureName).Warnf("format violation of idTag %q, use default idTag", idTag)
		idTag = connector.DefaultIDTag
	}
	return &Authorize{model: m, idTag: idTag}
}

func (a *Authorize) Action() string {
	return core.AuthorizeFeatureName
}

func (a *Authorize) IDTag() string {
	return a.idTag
}

func (a *Authorize) CreateRequest() (any, error) {
	return core.AuthorizeRequest{IdTag: a.idTag}, nil
}

func (a *Authorize) ProcessConfirmation(payload json.RawMessage) error {
	var conf idTagInfoConfirmation
	if err := decode(a.Action(), payload, &conf); err != nil {
		return err
	}
	a.Status = conf.status()
	if a.Status == types.AuthorizationStatusAccepted {
		logDefault(0, a.Action()).Infof("idTag %s has been accepted", a.idTag)
	} else {
		logDefault(0, a.Action()).Infof("idTag %s has been denied, reason: %s", a.idTag, a.Status)
	}
	return nil
}

type idTagInfoConfirmation struct {
	IdTagInfo *struct {
		Status types.AuthorizationStatus `json:"status"`
	} `json:"idTagInfo"`
}

func (c idTagInfoConfirmation) status() types.AuthorizationStatus {
	if c.IdTagInfo == nil || c.IdTagInfo.Status == "" {
		return "not specified"
	}
	return c.IdTagInfo.Status
}

// StatusNotification reports the status of one connector. A connector id
// outside the known range or an unset status resolve to the connector that
// represents the charge point and its inferred status.
type StatusNotification struct {
	model       *Model
	connectorID int
	status      core.ChargePointStatus
	errorCode   core.ChargePointErrorCode
	timestamp   *types.DateTime
}

func NewStatusNotification(m *Model, connectorID int, status core.ChargePointStatus, errorCode core.ChargePointErrorCode) *StatusNotification {
	return &StatusNotification{model: m, connectorID: connectorID, status: status, errorCode: errorCode}
}

func (s *StatusNotification) Action() string {
	return core.StatusNotificationFeatureName
}

func (s *StatusNotification) ConnectorID() int {
	return s.connectorID
}

func (s *StatusNotification) Status() core.ChargePointStatus {
	return s.status
}

func (s *StatusNotification) Initiate() {
	s.timestamp = s.model.now()
	if s.status != connector.NotSet {
		return
	}
	s.connectorID = s.model.Connectors.Resolve(s.connectorID)
	if c := s.model.Connectors.Connector(s.connectorID); c != nil {
		s.status = c.Inference()
		s.errorCode = c.ErrorCode()
	}
	if s.status == connector.NotSet {
		logDefault(s.connectorID, s.Action()).Error("could not determine EVSE status")
	}
}

func (s *StatusNotification) CreateRequest() (any, error) {
	errorCode := s.errorCode
	if errorCode == "" {
		errorCode = core.NoError
	}
	return core.StatusNotificationRequest{
		ConnectorId: s.connectorID,
		ErrorCode:   errorCode,
		Status:      s.status,
		Timestamp:   s.timestamp,
	}, nil
}

func (s *StatusNotification) ProcessConfirmation(json.RawMessage) error {
	logDefault(s.connectorID, s.Action()).Debug("request has been confirmed")
	return nil
}
