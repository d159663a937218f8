package connector

import (
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"charge_point/configuration"
)

const (
	// NoTransaction marks a connector without a transaction.
	NoTransaction = -1
	// PendingTransaction marks a StartTransaction waiting for its confirmation.
	PendingTransaction = 0

	// DefaultIDTag is used when a session or transaction starts without an idTag.
	DefaultIDTag = "A0-00-00-00"
)

// NotSet is the status of a connector that has not reported yet.
const NotSet core.ChargePointStatus = ""

// Connector is the local view of one connector. Index 0 stands for the whole
// charge point.
type Connector struct {
	id int

	availability core.AvailabilityType
	scheduled    core.AvailabilityType
	persisted    *configuration.Handle[bool]

	plugged          func() bool
	energized        func() bool
	evRequestsEnergy func() bool
	fault            func() core.ChargePointErrorCode

	idTag         string
	sessionActive bool

	transactionID     int
	transactionIDSync int
	writeCount        int

	lastReported core.ChargePointStatus
}

func newConnector(id int, store *configuration.Store) *Connector {
	c := &Connector{
		id:                id,
		availability:      core.AvailabilityTypeOperative,
		transactionID:     NoTransaction,
		transactionIDSync: NoTransaction,
		lastReported:      NotSet,
	}
	if store != nil {
		c.persisted = configuration.Declare(store, fmt.Sprintf("AO_AVAIL_CONN_%d", id), true,
			configuration.Hidden(), configuration.ReadOnly(), configuration.LocalReadOnly())
		if !c.persisted.Get() {
			c.availability = core.AvailabilityTypeInoperative
		}
	}
	return c
}

func (c *Connector) ID() int {
	return c.id
}

// BeginSession starts an EV user session. An empty idTag selects DefaultIDTag.
func (c *Connector) BeginSession(idTag string) {
	if idTag == "" {
		idTag = DefaultIDTag
	}
	c.idTag = idTag
	c.sessionActive = true
}

// EndSession ends the session. The idTag is kept while a transaction still
// references it.
func (c *Connector) EndSession() {
	c.sessionActive = false
	if !c.HasTransaction() {
		c.idTag = ""
	}
}

func (c *Connector) InSession() bool {
	return c.sessionActive
}

// SessionIDTag returns the idTag of the session or of the running transaction.
func (c *Connector) SessionIDTag() (string, bool) {
	return c.idTag, c.idTag != ""
}

func (c *Connector) TransactionID() int {
	return c.transactionID
}

// SetTransactionID records a local change of the transaction and advances the
// write count.
func (c *Connector) SetTransactionID(id int) {
	c.transactionID = id
	c.writeCount++
	if id == NoTransaction && !c.sessionActive {
		c.idTag = ""
	}
}

// HasTransaction reports whether a transaction is running or pending.
func (c *Connector) HasTransaction() bool {
	return c.transactionID >= 0
}

// TransactionIDSync is the transaction id last confirmed by the Central System.
func (c *Connector) TransactionIDSync() int {
	return c.transactionIDSync
}

func (c *Connector) SetTransactionIDSync(id int) {
	c.transactionIDSync = id
}

func (c *Connector) WriteCount() int {
	return c.writeCount
}

func (c *Connector) Availability() core.AvailabilityType {
	return c.availability
}

func (c *Connector) IsOperative() bool {
	return c.availability == core.AvailabilityTypeOperative
}

// SetAvailability changes the availability immediately unless a transaction is
// running, in which case the change is applied once it ends. It reports whether
// the change was deferred.
func (c *Connector) SetAvailability(a core.AvailabilityType) (scheduled bool) {
	if c.HasTransaction() && a == core.AvailabilityTypeInoperative {
		c.scheduled = a
		return true
	}
	c.scheduled = ""
	c.applyAvailability(a)
	return false
}

func (c *Connector) applyAvailability(a core.AvailabilityType) {
	c.availability = a
	if c.persisted != nil {
		c.persisted.Set(a == core.AvailabilityTypeOperative)
	}
}

func (c *Connector) applyScheduled() bool {
	if c.scheduled == "" || c.HasTransaction() {
		return false
	}
	c.applyAvailability(c.scheduled)
	c.scheduled = ""
	return true
}

func (c *Connector) SetPluggedSampler(fn func() bool) {
	c.plugged = fn
}

func (c *Connector) SetEnergizedSampler(fn func() bool) {
	c.energized = fn
}

func (c *Connector) SetEVRequestsEnergySampler(fn func() bool) {
	c.evRequestsEnergy = fn
}

// SetFaultSampler installs the error code source. core.NoError means the
// connector is healthy.
func (c *Connector) SetFaultSampler(fn func() core.ChargePointErrorCode) {
	c.fault = fn
}

func (c *Connector) Plugged() bool {
	return c.plugged != nil && c.plugged()
}

func (c *Connector) ErrorCode() core.ChargePointErrorCode {
	if c.fault == nil {
		return core.NoError
	}
	if code := c.fault(); code != "" {
		return code
	}
	return core.NoError
}

func (c *Connector) Faulted() bool {
	return c.ErrorCode() != core.NoError
}

// Inference derives the status to report from the current inputs.
func (c *Connector) Inference() core.ChargePointStatus {
	plugged := c.Plugged()
	switch {
	case c.Faulted():
		return core.ChargePointStatusFaulted
	case !c.IsOperative():
		return core.ChargePointStatusUnavailable
	case c.HasTransaction() && plugged:
		if c.energized != nil && !c.energized() {
			return core.ChargePointStatusSuspendedEVSE
		}
		if c.evRequestsEnergy != nil && !c.evRequestsEnergy() {
			return core.ChargePointStatusSuspendedEV
		}
		return core.ChargePointStatusCharging
	case c.sessionActive && !plugged:
		return core.ChargePointStatusPreparing
	case c.HasTransaction() && !plugged:
		return core.ChargePointStatusFinishing
	default:
		return core.ChargePointStatusAvailable
	}
}

// LastReported is the status most recently handed out for notification.
func (c *Connector) LastReported() core.ChargePointStatus {
	return c.lastReported
}
