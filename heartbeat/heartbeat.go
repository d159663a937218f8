// Package heartbeat keeps the Central System informed that the charge point is
// alive.
package heartbeat

import (
	"time"

	"github.com/sirupsen/logrus"

	"charge_point/actions"
	"charge_point/configuration"
)

type Service struct {
	interval *configuration.Handle[int]
	last     time.Time
	send     func()
	log      *logrus.Entry
}

// New declares HeartbeatInterval and calls send whenever it elapses. The
// interval is read on every loop so changes apply immediately.
func New(store *configuration.Store, now time.Time, send func()) *Service {
	return &Service{
		interval: configuration.Declare(store, actions.HeartbeatIntervalKey, actions.DefaultHeartbeatInterval).
			Validate(func(v int) bool { return v >= 1 }),
		last: now,
		send: send,
		log:  logrus.WithField("component", "heartbeat"),
	}
}

func (s *Service) Interval() time.Duration {
	return time.Duration(s.interval.Get()) * time.Second
}

func (s *Service) Loop(now time.Time) {
	interval := s.Interval()
	if interval <= 0 || now.Sub(s.last) < interval {
		return
	}
	s.last = now
	s.log.Debug("sending heartbeat")
	s.send()
}

// Reset restarts the interval, e.g. after other traffic proved liveness.
func (s *Service) Reset(now time.Time) {
	s.last = now
}
