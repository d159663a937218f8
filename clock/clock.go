// Package clock keeps the charge point's notion of OCPP time.
//
// The local system time is only a monotonic source; the Central System is the
// authority for wall-clock time and corrects it through BootNotification and
// Heartbeat confirmations.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/relvacode/iso8601"
)

// Format is the fixed-width layout of every timestamp the charge point sends,
// e.g. 2022-02-01T20:53:32.486Z.
const Format = "2006-01-02T15:04:05.000Z"

type Clock struct {
	mu     sync.RWMutex
	source func() time.Time
	offset time.Duration
	synced bool
}

// New returns a clock driven by source. A nil source means time.Now.
func New(source func() time.Time) *Clock {
	if source == nil {
		source = time.Now
	}
	return &Clock{source: source}
}

// Now returns the current OCPP time in UTC.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source().Add(c.offset).UTC()
}

// Set aligns the clock so that Now returns t at this instant.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = t.Sub(c.source())
	c.synced = true
}

// SetString parses an ISO-8601 timestamp received from the Central System and
// applies it.
func (c *Clock) SetString(s string) error {
	t, err := Parse(s)
	if err != nil {
		return err
	}
	c.Set(t)
	return nil
}

// Synced reports whether the Central System has set the time at least once.
func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// Timestamp renders t in Format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(Format)
}

func Parse(s string) (time.Time, error) {
	t, err := iso8601.ParseString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time string format violation, expect format like 2022-02-01T20:53:32.486Z: %w", err)
	}
	return t.UTC(), nil
}
