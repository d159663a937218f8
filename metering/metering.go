// Package metering samples energy and power per connector and reports them
// while a transaction runs.
package metering

import (
	"time"

	"github.com/sirupsen/logrus"

	"charge_point/actions"
	"charge_point/configuration"
	"charge_point/connector"
)

const (
	SampleIntervalKey = "MeterValueSampleInterval"
	// DefaultSampleInterval is in seconds; zero disables sampling.
	DefaultSampleInterval = 60
)

// Sender transmits the samples of one connector.
type Sender func(connectorID int, samples []actions.Sample)

type Service struct {
	connectors *connector.Service
	interval   *configuration.Handle[int]
	energy     map[int]func() float64
	power      map[int]func() float64
	last       map[int]time.Time
	running    map[int]bool
	send       Sender
	log        *logrus.Entry
}

func New(store *configuration.Store, connectors *connector.Service, send Sender) *Service {
	return &Service{
		connectors: connectors,
		interval: configuration.Declare(store, SampleIntervalKey, DefaultSampleInterval).
			Validate(func(v int) bool { return v >= 0 }),
		energy:  make(map[int]func() float64),
		power:   make(map[int]func() float64),
		last:    make(map[int]time.Time),
		running: make(map[int]bool),
		send:    send,
		log:     logrus.WithField("component", "metering"),
	}
}

// SetEnergySampler installs the source of the Energy.Active.Import.Register
// reading in Wh.
func (s *Service) SetEnergySampler(connectorID int, fn func() float64) {
	s.energy[connectorID] = fn
}

// SetPowerSampler installs the source of the Power.Active.Import reading in W.
func (s *Service) SetPowerSampler(connectorID int, fn func() float64) {
	s.power[connectorID] = fn
}

func (s *Service) ReadEnergyActiveImportRegister(connectorID int) (float64, bool) {
	fn, ok := s.energy[connectorID]
	if !ok {
		return 0, false
	}
	return fn(), true
}

func (s *Service) sample(connectorID int, now time.Time) (actions.Sample, bool) {
	sample := actions.Sample{Time: now}
	if fn, ok := s.energy[connectorID]; ok {
		v := fn()
		sample.Energy = &v
	}
	if fn, ok := s.power[connectorID]; ok {
		v := fn()
		sample.Power = &v
	}
	return sample, sample.Energy != nil || sample.Power != nil
}

// Loop sends a MeterValues sample for every connector whose transaction has run
// for another sample interval.
func (s *Service) Loop(now time.Time) {
	interval := time.Duration(s.interval.Get()) * time.Second
	for _, c := range s.connectors.Connectors() {
		id := c.ID()
		if id == 0 {
			continue
		}
		if !c.HasTransaction() {
			delete(s.running, id)
			continue
		}
		if !s.running[id] {
			s.running[id] = true
			s.last[id] = now
			continue
		}
		if interval <= 0 || now.Sub(s.last[id]) < interval {
			continue
		}
		s.last[id] = now
		sample, ok := s.sample(id, now)
		if !ok {
			continue
		}
		s.log.WithField("connector", id).Debug("sending meter values")
		s.send(id, []actions.Sample{sample})
	}
}
