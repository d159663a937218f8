// Package chargepoint wires the operation engine, the connectors and the
// periodic services into one charge point. A ChargePoint is not safe for
// concurrent use: every method must be called from the goroutine that runs
// Loop.
package chargepoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/sirupsen/logrus"

	"charge_point/actions"
	"charge_point/clock"
	"charge_point/configuration"
	"charge_point/connector"
	"charge_point/engine"
	"charge_point/heartbeat"
	"charge_point/metering"
	"charge_point/metrics"
	"charge_point/notifier"
)

const (
	NumberOfConnectorsKey              = "NumberOfConnectors"
	TransactionMessageAttemptsKey      = "TransactionMessageAttempts"
	TransactionMessageRetryIntervalKey = "TransactionMessageRetryInterval"

	DefaultTransactionMessageAttempts = 3
	// DefaultTransactionMessageRetryInterval is in seconds.
	DefaultTransactionMessageRetryInterval = 60

	// DefaultBootRetry applies when the Central System gave no usable interval.
	DefaultBootRetry = 30 * time.Second
)

var ErrUnknownConnector = errors.New("unknown connector")

// Identity is reported in the BootNotification.
type Identity struct {
	Model           string
	Vendor          string
	SerialNumber    string
	FirmwareVersion string
}

type ChargePoint struct {
	identity   Identity
	logger     *logrus.Logger
	log        *logrus.Entry
	now        func() time.Time
	metrics    *metrics.EngineMetrics
	engineOpts []engine.Option
	notify     func(notifier.Notification)

	engine    *engine.Engine
	store     *configuration.Store
	model     *actions.Model
	heartbeat *heartbeat.Service
	metering  *metering.Service

	txAttempts      *configuration.Handle[int]
	txRetryInterval *configuration.Handle[int]

	booted      bool
	bootPending bool
	nextBoot    time.Time
}

type Option func(*ChargePoint)

func WithLogger(logger *logrus.Logger) Option {
	return func(cp *ChargePoint) { cp.logger = logger }
}

func WithNow(now func() time.Time) Option {
	return func(cp *ChargePoint) { cp.now = now }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(cp *ChargePoint) { cp.metrics = m }
}

// WithEngineOptions passes further options to the operation engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(cp *ChargePoint) { cp.engineOpts = append(cp.engineOpts, opts...) }
}

// WithNotifier receives an event for every boot, status change and transaction
// message the Central System confirmed. fn must not block.
func WithNotifier(fn func(notifier.Notification)) Option {
	return func(cp *ChargePoint) { cp.notify = fn }
}

// New creates a charge point with connectors 1..numConnectors talking through
// transport. Configuration keys are declared in store.
func New(transport engine.Transport, store *configuration.Store, numConnectors int, identity Identity, opts ...Option) *ChargePoint {
	cp := &ChargePoint{
		identity: identity,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
		store:    store,
	}
	for _, opt := range opts {
		opt(cp)
	}
	cp.log = cp.logger.WithField("component", "chargepoint")

	engineOpts := append([]engine.Option{
		engine.WithLogger(cp.logger),
		engine.WithNow(cp.now),
		engine.WithMetrics(cp.metrics),
	}, cp.engineOpts...)
	cp.engine = engine.New(transport, engineOpts...)

	cp.model = &actions.Model{
		Clock:         clock.New(cp.now),
		Configuration: store,
	}
	cp.model.Connectors = connector.NewService(store, numConnectors, emitter{cp},
		connector.WithLogger(cp.logger), connector.WithMetrics(cp.metrics))
	cp.metering = metering.New(store, cp.model.Connectors, func(connectorID int, samples []actions.Sample) {
		cp.initiate(actions.NewMeterValues(cp.model, connectorID, samples), engine.Timeout{}, func(r engine.Result) {
			if !r.Aborted() {
				cp.publish(notifier.MeterValuesTopic, map[string]interface{}{
					"connectorId": connectorID,
					"samples":     samples,
				})
			}
		})
	})
	cp.model.Meter = cp.metering
	cp.heartbeat = heartbeat.New(store, cp.now(), func() {
		cp.initiate(actions.NewHeartbeat(cp.model), engine.Timeout{}, func(r engine.Result) {
			if !r.Aborted() {
				cp.publish(notifier.HeartbeatTopic, map[string]interface{}{})
			}
		})
	})

	configuration.Declare(store, NumberOfConnectorsKey, numConnectors,
		configuration.InContainer(configuration.Volatile+"/ocpp-config.yaml"),
		configuration.ReadOnly(), configuration.LocalReadOnly())

	cp.txAttempts = configuration.Declare(store, TransactionMessageAttemptsKey, DefaultTransactionMessageAttempts).
		Validate(func(v int) bool { return v >= 1 })
	cp.txRetryInterval = configuration.Declare(store, TransactionMessageRetryIntervalKey, DefaultTransactionMessageRetryInterval).
		Validate(func(v int) bool { return v >= 1 })

	actions.Register(cp.engine, cp.model)
	return cp
}

func (cp *ChargePoint) initiate(op engine.Outgoing, timeout engine.Timeout, done engine.Completion) (string, error) {
	id, err := cp.engine.Initiate(op, timeout, done)
	if err != nil {
		cp.log.WithField("message", op.Action()).Errorf("couldn't initiate operation: %v", err)
	}
	return id, err
}

func (cp *ChargePoint) publish(topic string, data map[string]interface{}) {
	if cp.notify == nil {
		return
	}
	data["timestamp"] = clock.Timestamp(cp.model.Clock.Now())
	cp.notify(notifier.Notification{Topic: topic, Data: data})
}

// transactionTimeout is the retry policy of StartTransaction and StopTransaction.
func (cp *ChargePoint) transactionTimeout() engine.Timeout {
	return engine.Timeout{
		Duration:   time.Duration(cp.txRetryInterval.Get()) * time.Second,
		RetryLimit: cp.txAttempts.Get() - 1,
	}
}

// Loop drives the engine's timeouts, boots the charge point and runs the
// connector, heartbeat and metering services. Call it frequently.
func (cp *ChargePoint) Loop() {
	now := cp.now()
	cp.engine.Tick(now)

	if !cp.booted && !cp.bootPending && !now.Before(cp.nextBoot) {
		cp.BootNotification(nil)
	}

	cp.model.Connectors.Loop()
	if cp.booted {
		cp.heartbeat.Loop(now)
		cp.metering.Loop(now)
	}
}

// HandleFrame passes one frame received from the Central System to the engine.
func (cp *ChargePoint) HandleFrame(raw []byte) {
	cp.engine.HandleFrame(raw)
}

func (cp *ChargePoint) Booted() bool {
	return cp.booted
}

// Pending returns the number of operations awaiting an answer.
func (cp *ChargePoint) Pending() int {
	return cp.engine.Pending()
}

// BootNotification registers the charge point. Loop sends it on its own until
// the Central System accepts; calling it directly only brings that forward.
func (cp *ChargePoint) BootNotification(done engine.Completion) (string, error) {
	op := actions.NewBootNotification(cp.model, cp.identity.Model, cp.identity.Vendor,
		cp.identity.SerialNumber, cp.identity.FirmwareVersion)
	cp.bootPending = true
	id, err := cp.initiate(op, engine.Timeout{}, func(r engine.Result) {
		cp.bootPending = false
		cp.onBoot(op, r)
		if done != nil {
			done(r)
		}
	})
	if err != nil {
		cp.bootPending = false
	}
	return id, err
}

func (cp *ChargePoint) onBoot(op *actions.BootNotification, r engine.Result) {
	now := cp.now()
	if !r.Aborted() && op.Status == core.RegistrationStatusAccepted {
		cp.booted = true
		cp.heartbeat.Reset(now)
		cp.publish(notifier.BootNotificationTopic, map[string]interface{}{
			"chargePointModel":  cp.identity.Model,
			"chargePointVendor": cp.identity.Vendor,
			"interval":          op.Interval,
		})
		return
	}
	retry := DefaultBootRetry
	if !r.Aborted() && op.Interval >= 1 {
		retry = time.Duration(op.Interval) * time.Second
	}
	cp.nextBoot = now.Add(retry)
	cp.log.Infof("boot not accepted, retry in %v", retry)
}

// Authorize asks the Central System whether idTag may charge.
func (cp *ChargePoint) Authorize(idTag string, done func(op *actions.Authorize, r engine.Result)) (string, error) {
	op := actions.NewAuthorize(cp.model, idTag)
	return cp.initiate(op, engine.Timeout{}, func(r engine.Result) {
		if done != nil {
			done(op, r)
		}
	})
}

// connector returns nil for unknown ids. A negative id selects the connector
// that represents the charge point.
func (cp *ChargePoint) connector(connectorID int) *connector.Connector {
	if connectorID < 0 {
		connectorID = cp.model.Connectors.Resolve(connectorID)
	}
	return cp.model.Connectors.Connector(connectorID)
}

func (cp *ChargePoint) evse(connectorID int) (*connector.Connector, error) {
	c := cp.connector(connectorID)
	if c == nil || c.ID() < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnector, connectorID)
	}
	return c, nil
}

// StartTransaction starts a transaction on connectorID. An empty idTag uses the
// session's idTag.
func (cp *ChargePoint) StartTransaction(connectorID int, idTag string, done func(op *actions.StartTransaction, r engine.Result)) (string, error) {
	c, err := cp.evse(connectorID)
	if err != nil {
		return "", err
	}
	op := actions.NewStartTransaction(cp.model, c.ID(), idTag)
	return cp.initiate(op, cp.transactionTimeout(), func(r engine.Result) {
		if !r.Aborted() {
			cp.publish(notifier.StartTransactionTopic, map[string]interface{}{
				"connectorId":   op.ConnectorID(),
				"idTag":         op.IDTag(),
				"status":        op.Status,
				"transactionId": op.TransactionID,
			})
		}
		if done != nil {
			done(op, r)
		}
	})
}

// StopTransaction ends the transaction on connectorID at once and reports it.
func (cp *ChargePoint) StopTransaction(connectorID int, done func(op *actions.StopTransaction, r engine.Result)) (string, error) {
	c, err := cp.evse(connectorID)
	if err != nil {
		return "", err
	}
	op := actions.NewStopTransaction(cp.model, c.ID())
	return cp.initiate(op, cp.transactionTimeout(), func(r engine.Result) {
		if !r.Aborted() {
			cp.publish(notifier.StopTransactionTopic, map[string]interface{}{
				"connectorId":   op.ConnectorID(),
				"transactionId": op.TransactionID(),
			})
		}
		if done != nil {
			done(op, r)
		}
	})
}

func (cp *ChargePoint) BeginSession(connectorID int, idTag string) error {
	c, err := cp.evse(connectorID)
	if err != nil {
		return err
	}
	c.BeginSession(idTag)
	return nil
}

func (cp *ChargePoint) EndSession(connectorID int) error {
	c, err := cp.evse(connectorID)
	if err != nil {
		return err
	}
	c.EndSession()
	return nil
}

func (cp *ChargePoint) IsInSession(connectorID int) bool {
	c := cp.connector(connectorID)
	return c != nil && c.InSession()
}

func (cp *ChargePoint) SessionIDTag(connectorID int) (string, bool) {
	c := cp.connector(connectorID)
	if c == nil {
		return "", false
	}
	return c.SessionIDTag()
}

// TransactionID returns connector.NoTransaction before and after a transaction
// and connector.PendingTransaction while the Central System has not answered.
func (cp *ChargePoint) TransactionID(connectorID int) int {
	c := cp.connector(connectorID)
	if c == nil {
		return connector.NoTransaction
	}
	return c.TransactionID()
}

// PermitsCharge reports whether the EV plug may be energized.
func (cp *ChargePoint) PermitsCharge(connectorID int) bool {
	c := cp.connector(connectorID)
	return c != nil && c.HasTransaction() && c.IsOperative() && !c.Faulted()
}

func (cp *ChargePoint) IsAvailable(connectorID int) bool {
	c := cp.connector(connectorID)
	return c != nil && c.IsOperative()
}

// SetAvailability changes the availability locally, as ChangeAvailability does
// for the Central System. It reports whether the change was deferred.
func (cp *ChargePoint) SetAvailability(connectorID int, availability core.AvailabilityType) (bool, error) {
	c := cp.model.Connectors.Connector(connectorID)
	if c == nil {
		return false, fmt.Errorf("%w: %d", ErrUnknownConnector, connectorID)
	}
	scheduled := c.SetAvailability(availability)
	if err := cp.store.Save(); err != nil {
		return scheduled, err
	}
	return scheduled, nil
}

// Status returns the status the connector would report now.
func (cp *ChargePoint) Status(connectorID int) core.ChargePointStatus {
	c := cp.connector(connectorID)
	if c == nil {
		return connector.NotSet
	}
	return c.Inference()
}

// SetConfiguration writes key on behalf of the host application and persists
// the change. It reports whether the change only takes effect after a reboot.
func (cp *ChargePoint) SetConfiguration(key, value string) (bool, error) {
	rebootRequired, err := cp.store.SetLocal(key, value)
	if err != nil {
		return false, err
	}
	if err := cp.store.Save(); err != nil {
		return rebootRequired, err
	}
	return rebootRequired, nil
}

func (cp *ChargePoint) Connectors() *connector.Service {
	return cp.model.Connectors
}

func (cp *ChargePoint) Configuration() *configuration.Store {
	return cp.store
}

func (cp *ChargePoint) Clock() *clock.Clock {
	return cp.model.Clock
}

func (cp *ChargePoint) SetPluggedSampler(connectorID int, fn func() bool) error {
	c, err := cp.evse(connectorID)
	if err != nil {
		return err
	}
	c.SetPluggedSampler(fn)
	return nil
}

func (cp *ChargePoint) SetEnergizedSampler(connectorID int, fn func() bool) error {
	c, err := cp.evse(connectorID)
	if err != nil {
		return err
	}
	c.SetEnergizedSampler(fn)
	return nil
}

func (cp *ChargePoint) SetEVRequestsEnergySampler(connectorID int, fn func() bool) error {
	c, err := cp.evse(connectorID)
	if err != nil {
		return err
	}
	c.SetEVRequestsEnergySampler(fn)
	return nil
}

func (cp *ChargePoint) SetFaultSampler(connectorID int, fn func() core.ChargePointErrorCode) error {
	c := cp.model.Connectors.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownConnector, connectorID)
	}
	c.SetFaultSampler(fn)
	return nil
}

func (cp *ChargePoint) SetEnergySampler(connectorID int, fn func() float64) {
	cp.metering.SetEnergySampler(connectorID, fn)
}

func (cp *ChargePoint) SetPowerSampler(connectorID int, fn func() float64) {
	cp.metering.SetPowerSampler(connectorID, fn)
}

// OnUnlockConnector installs the hardware unlock. Without it UnlockConnector is
// answered NotSupported.
func (cp *ChargePoint) OnUnlockConnector(fn func(connectorID int) bool) {
	cp.model.Unlock = fn
}

func (cp *ChargePoint) SetProfileClearer(p actions.ProfileClearer) {
	cp.model.Profiles = p
}

// OnReceiveRequest runs fn after the charge point handled an inbound action.
func (cp *ChargePoint) OnReceiveRequest(action string, fn func(payload json.RawMessage)) {
	cp.engine.OnReceiveRequest(action, fn)
}

// OnSendConfirmation runs fn after the answer to an inbound action was sent.
func (cp *ChargePoint) OnSendConfirmation(action string, fn func(payload json.RawMessage)) {
	cp.engine.OnSendConfirmation(action, fn)
}

// emitter turns connector loop decisions into operations.
type emitter struct {
	cp *ChargePoint
}

func (e emitter) StatusChanged(connectorID int, status core.ChargePointStatus, errorCode core.ChargePointErrorCode) {
	e.cp.initiate(actions.NewStatusNotification(e.cp.model, connectorID, status, errorCode), engine.Timeout{}, nil)
	e.cp.publish(notifier.StatusNotificationTopic, map[string]interface{}{
		"connectorId": connectorID,
		"status":      status,
		"errorCode":   errorCode,
	})
}

func (e emitter) StartTransaction(connectorID int) {
	e.cp.StartTransaction(connectorID, "", nil)
}

func (e emitter) StopTransaction(connectorID int) {
	e.cp.StopTransaction(connectorID, nil)
}
