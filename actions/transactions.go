package actions

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"charge_point/connector"
	"charge_point/engine"
)

// meterStart and meterStop are optional here although OCPP requires them; the
// charge point may run without a meter.
type startTransactionRequest struct {
	ConnectorId int             `json:"connectorId"`
	MeterStart  *int            `json:"meterStart,omitempty"`
	Timestamp   *types.DateTime `json:"timestamp,omitempty"`
	IdTag       string          `json:"idTag"`
}

type stopTransactionRequest struct {
	MeterStop     *int            `json:"meterStop,omitempty"`
	Timestamp     *types.DateTime `json:"timestamp,omitempty"`
	TransactionId int             `json:"transactionId"`
}

// StartTransaction asks the Central System for a transaction id. The id is only
// applied if the connector's transaction was not changed locally while the
// request was in flight.
type StartTransaction struct {
	model       *Model
	connectorID int
	idTag       string
	meterStart  *int
	timestamp   *types.DateTime
	rev         int
	resolved    bool

	Status        types.AuthorizationStatus
	TransactionID int
}

// NewStartTransaction starts a transaction on connectorID. An empty idTag uses
// the session's idTag.
func NewStartTransaction(m *Model, connectorID int, idTag string) *StartTransaction {
	if idTag != "" {
		if err := validate.Var(idTag, "max=20"); err != nil {
			logDefault(connectorID, core.StartTransactionFeatureName).Errorf("format violation of idTag %q", idTag)
			idTag = ""
		}
	}
	return &StartTransaction{model: m, connectorID: connectorID, idTag: idTag, TransactionID: connector.NoTransaction}
}

func (s *StartTransaction) Action() string {
	return core.StartTransactionFeatureName
}

func (s *StartTransaction) ConnectorID() int {
	return s.connectorID
}

func (s *StartTransaction) IDTag() string {
	return s.idTag
}

// Rev is the connector write count captured when the request was initiated.
func (s *StartTransaction) Rev() int {
	return s.rev
}

func (s *StartTransaction) Initiate() {
	log := logDefault(s.connectorID, s.Action())
	s.meterStart = s.model.readMeter(s.connectorID)
	s.timestamp = s.model.now()

	c := s.model.Connectors.Connector(s.connectorID)
	if c == nil {
		log.Error("unknown connector")
		return
	}
	if s.idTag == "" {
		if tag, ok := c.SessionIDTag(); ok {
			s.idTag = tag
		} else {
			log.Warn("try to start transaction without providing idTag, initialize session with default idTag")
			c.BeginSession("")
			s.idTag, _ = c.SessionIDTag()
		}
	} else {
		c.BeginSession(s.idTag)
	}

	if c.HasTransaction() {
		log.Warn("started transaction while a running transaction is presumed")
	}
	c.SetTransactionID(connector.PendingTransaction)
	c.SetTransactionIDSync(connector.NoTransaction)
	s.rev = c.WriteCount()
	s.model.setLatestStart(s)
	log.Info("StartTransaction initiated")
}

// Resolved reports whether the Central System answered, or the request was
// given up.
func (s *StartTransaction) Resolved() bool {
	return s.resolved
}

func (s *StartTransaction) OnTimeout() {
	s.resolved = true
}

func (s *StartTransaction) OnCallError(*engine.CallError) {
	s.resolved = true
}

func (s *StartTransaction) CreateRequest() (any, error) {
	return startTransactionRequest{
		ConnectorId: s.connectorID,
		MeterStart:  s.meterStart,
		Timestamp:   s.timestamp,
		IdTag:       s.idTag,
	}, nil
}

func (s *StartTransaction) ProcessConfirmation(payload json.RawMessage) error {
	var conf struct {
		idTagInfoConfirmation
		TransactionId *int `json:"transactionId"`
	}
	s.resolved = true
	if err := decode(s.Action(), payload, &conf); err != nil {
		return err
	}
	s.Status = conf.status()
	s.TransactionID = connector.NoTransaction
	if conf.TransactionId != nil {
		s.TransactionID = *conf.TransactionId
	}

	log := logDefault(s.connectorID, s.Action())
	c := s.model.Connectors.Connector(s.connectorID)
	if c == nil {
		return nil
	}
	if s.rev == c.WriteCount() {
		if s.Status == types.AuthorizationStatusAccepted {
			log.Infof("request has been accepted, transactionId %d", s.TransactionID)
			c.SetTransactionID(s.TransactionID)
		} else {
			log.Infof("request has been denied, reason: %s", s.Status)
			c.SetTransactionID(connector.NoTransaction)
			c.EndSession()
		}
	} else {
		log.Debug("connector changed while the request was in flight, keep local transaction")
	}
	if s.model.latestStart(s.connectorID) == s {
		c.SetTransactionIDSync(s.TransactionID)
	}
	log.Debugf("local txId = %d, remote txId = %d", c.TransactionID(), c.TransactionIDSync())
	return nil
}

// StopTransaction ends the transaction locally when it is initiated and reports
// it under the id the Central System confirmed. While the StartTransaction of
// that transaction is unanswered, the request is held back.
type StopTransaction struct {
	model         *Model
	connectorID   int
	meterStop     *int
	timestamp     *types.DateTime
	start         *StartTransaction
	transactionID int
}

func NewStopTransaction(m *Model, connectorID int) *StopTransaction {
	return &StopTransaction{model: m, connectorID: connectorID, transactionID: connector.NoTransaction}
}

func (s *StopTransaction) Action() string {
	return core.StopTransactionFeatureName
}

func (s *StopTransaction) ConnectorID() int {
	return s.connectorID
}

// TransactionID is the id reported to the Central System. It is only final once
// the request was sent.
func (s *StopTransaction) TransactionID() int {
	if s.start != nil {
		return s.start.TransactionID
	}
	return s.transactionID
}

func (s *StopTransaction) Initiate() {
	log := logDefault(s.connectorID, s.Action())
	s.meterStop = s.model.readMeter(s.connectorID)
	s.timestamp = s.model.now()

	if c := s.model.Connectors.Connector(s.connectorID); c != nil {
		if start := s.model.latestStart(s.connectorID); start != nil && !start.Resolved() {
			log.Info("StartTransaction not answered yet, holding StopTransaction back")
			s.start = start
		}
		s.transactionID = c.TransactionIDSync()
		c.SetTransactionID(connector.NoTransaction)
		if c.InSession() {
			log.Debug("ending EV user session triggered by StopTransaction")
			c.EndSession()
		}
	}
	log.Info("StopTransaction initiated")
}

// Ready holds the request until the StartTransaction it ends was answered.
func (s *StopTransaction) Ready() bool {
	return s.start == nil || s.start.Resolved()
}

func (s *StopTransaction) CreateRequest() (any, error) {
	return stopTransactionRequest{
		MeterStop:     s.meterStop,
		Timestamp:     s.timestamp,
		TransactionId: s.TransactionID(),
	}, nil
}

func (s *StopTransaction) ProcessConfirmation(json.RawMessage) error {
	if c := s.model.Connectors.Connector(s.connectorID); c != nil && c.TransactionIDSync() == s.TransactionID() {
		c.SetTransactionIDSync(connector.NoTransaction)
	}
	logDefault(s.connectorID, s.Action()).Info("request has been accepted")
	return nil
}

// Sample is one metering reading. Nil fields were not measured.
type Sample struct {
	Time   time.Time
	Energy *float64
	Power  *float64
}

type MeterValues struct {
	model         *Model
	connectorID   int
	samples       []Sample
	transactionID *int
}

func NewMeterValues(m *Model, connectorID int, samples []Sample) *MeterValues {
	return &MeterValues{model: m, connectorID: connectorID, samples: samples}
}

func (mv *MeterValues) Action() string {
	return core.MeterValuesFeatureName
}

func (mv *MeterValues) Initiate() {
	if c := mv.model.Connectors.Connector(mv.connectorID); c != nil && c.TransactionIDSync() >= 0 {
		id := c.TransactionIDSync()
		mv.transactionID = &id
	}
}

func formatSample(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

func (mv *MeterValues) CreateRequest() (any, error) {
	req := core.MeterValuesRequest{
		ConnectorId:   mv.connectorID,
		TransactionId: mv.transactionID,
		MeterValue:    make([]types.MeterValue, 0, len(mv.samples)),
	}
	for _, sample := range mv.samples {
		var values []types.SampledValue
		if sample.Energy != nil {
			values = append(values, types.SampledValue{
				Value:     formatSample(*sample.Energy),
				Measurand: types.MeasurandEnergyActiveImportRegister,
				Unit:      types.UnitOfMeasureWh,
			})
		}
		if sample.Power != nil {
			values = append(values, types.SampledValue{
				Value:     formatSample(*sample.Power),
				Measurand: types.MeasurandPowerActiveImport,
				Unit:      types.UnitOfMeasureW,
			})
		}
		req.MeterValue = append(req.MeterValue, types.MeterValue{
			Timestamp:    types.NewDateTime(sample.Time),
			SampledValue: values,
		})
	}
	return req, nil
}

func (mv *MeterValues) ProcessConfirmation(json.RawMessage) error {
	logDefault(mv.connectorID, mv.Action()).Debug("request has been confirmed")
	return nil
}

// RemoteStartTransaction begins a session on the requested connector. The
// transaction itself follows once the EV is plugged.
type RemoteStartTransaction struct {
	model    *Model
	request  core.RemoteStartTransactionRequest
	accepted bool
}

func (r *RemoteStartTransaction) Action() string {
	return core.RemoteStartTransactionFeatureName
}

func (r *RemoteStartTransaction) ProcessRequest(payload json.RawMessage) error {
	if err := decode(r.Action(), payload, &r.request); err != nil {
		return err
	}
	if err := validate.Var(r.request.IdTag, "required,max=20"); err != nil {
		return engine.NewCallError(engine.PropertyConstraintViolation, "idTag: "+err.Error())
	}

	connectorID := r.model.Connectors.Resolve(-1)
	if r.request.ConnectorId != nil {
		connectorID = *r.request.ConnectorId
	}
	log := logDefault(connectorID, r.Action())

	c := r.model.Connectors.Connector(connectorID)
	switch {
	case connectorID < 1 || c == nil:
		log.Warn("no connector to start a transaction on")
	case c.HasTransaction() || c.InSession():
		log.Warn("connector is busy")
	case !c.IsOperative() || c.Faulted():
		log.Warn("connector is not available")
	default:
		c.BeginSession(r.request.IdTag)
		r.accepted = true
		log.Infof("session for idTag %s begun", r.request.IdTag)
	}
	return nil
}

func (r *RemoteStartTransaction) CreateConfirmation() (any, error) {
	status := types.RemoteStartStopStatusRejected
	if r.accepted {
		status = types.RemoteStartStopStatusAccepted
	}
	return core.RemoteStartTransactionConfirmation{Status: status}, nil
}

// RemoteStopTransaction ends the session of every connector running the
// requested transaction.
type RemoteStopTransaction struct {
	model         *Model
	transactionID int
	found         bool
}

func (r *RemoteStopTransaction) Action() string {
	return core.RemoteStopTransactionFeatureName
}

func (r *RemoteStopTransaction) ProcessRequest(payload json.RawMessage) error {
	var req struct {
		TransactionId *int `json:"transactionId"`
	}
	if err := decode(r.Action(), payload, &req); err != nil {
		return err
	}
	r.transactionID = connector.NoTransaction
	if req.TransactionId != nil {
		r.transactionID = *req.TransactionId
	}
	if r.transactionID < 0 {
		return nil
	}

	for _, c := range r.model.Connectors.FindTransaction(r.transactionID) {
		logDefault(c.ID(), r.Action()).Infof("ending session of transaction %d", r.transactionID)
		c.EndSession()
		r.found = true
	}
	return nil
}

func (r *RemoteStopTransaction) CreateConfirmation() (any, error) {
	status := types.RemoteStartStopStatusRejected
	if r.found {
		status = types.RemoteStartStopStatusAccepted
	}
	return core.RemoteStopTransactionConfirmation{Status: status}, nil
}
