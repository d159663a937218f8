// Package connector tracks availability, session and transaction state per
// connector and decides when the Central System has to hear about it.
package connector

import (
	"strconv"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/sirupsen/logrus"

	"charge_point/configuration"
	"charge_point/metrics"
)

// Emitter receives the operations the connector loop decides to send.
type Emitter interface {
	StatusChanged(connectorID int, status core.ChargePointStatus, errorCode core.ChargePointErrorCode)
	StartTransaction(connectorID int)
	StopTransaction(connectorID int)
}

type Service struct {
	store      *configuration.Store
	connectors []*Connector
	emitter    Emitter
	booted     bool
	log        *logrus.Entry
	metrics    *metrics.EngineMetrics
}

type Option func(*Service)

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Service) { s.log = logger.WithField("component", "connector") }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates connectors 0..numConnectors. Availability is restored from
// store when it is not nil.
func NewService(store *configuration.Store, numConnectors int, emitter Emitter, opts ...Option) *Service {
	s := &Service{
		store:   store,
		emitter: emitter,
		log:     logrus.StandardLogger().WithField("component", "connector"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for id := 0; id <= numConnectors; id++ {
		s.connectors = append(s.connectors, newConnector(id, store))
	}
	return s
}

// Boot enables status reporting and transaction automation. It is called once
// the Central System accepted the BootNotification.
func (s *Service) Boot() {
	s.booted = true
}

func (s *Service) Booted() bool {
	return s.booted
}

// Len returns the number of connector entries including connector 0.
func (s *Service) Len() int {
	return len(s.connectors)
}

// Connector returns nil for ids out of range.
func (s *Service) Connector(id int) *Connector {
	if id < 0 || id >= len(s.connectors) {
		return nil
	}
	return s.connectors[id]
}

func (s *Service) Connectors() []*Connector {
	return s.connectors
}

// Resolve maps an unspecified or invalid connector id to the connector that
// represents the charge point: connector 1 on single connector stations,
// connector 0 otherwise.
func (s *Service) Resolve(id int) int {
	if id >= 0 && id < len(s.connectors) {
		return id
	}
	if len(s.connectors) == 2 {
		return 1
	}
	return 0
}

// FindTransaction returns every connector whose local transaction id equals id.
func (s *Service) FindTransaction(id int) []*Connector {
	var out []*Connector
	for _, c := range s.connectors {
		if c.TransactionID() == id {
			out = append(out, c)
		}
	}
	return out
}

// Loop runs the transaction automation of every connector and reports status
// changes. Nothing happens before Boot.
func (s *Service) Loop() {
	if !s.booted {
		return
	}
	for _, c := range s.connectors {
		if c.id > 0 {
			s.automate(c)
		}
		if c.applyScheduled() {
			s.log.WithField("connector", c.id).Infof("applied scheduled availability %s", c.availability)
			if s.store != nil {
				if err := s.store.Save(); err != nil {
					s.log.WithField("connector", c.id).Errorf("couldn't persist availability: %v", err)
				}
			}
		}

		status := c.Inference()
		if status == c.lastReported {
			continue
		}
		errorCode := c.ErrorCode()
		s.log.WithFields(logrus.Fields{"connector": c.id, "from": c.lastReported, "to": status}).Info("status changed")
		c.lastReported = status
		s.metrics.StatusReported(strconv.Itoa(c.id), string(status))
		s.emitter.StatusChanged(c.id, status, errorCode)
	}
}

func (s *Service) automate(c *Connector) {
	switch {
	case c.HasTransaction() && !c.sessionActive:
		s.log.WithField("connector", c.id).Info("session ended, stopping transaction")
		s.emitter.StopTransaction(c.id)
	case c.sessionActive && c.Plugged() && !c.HasTransaction() && c.IsOperative() && !c.Faulted():
		s.log.WithField("connector", c.id).Info("EV plugged in session, starting transaction")
		s.emitter.StartTransaction(c.id)
	}
}
