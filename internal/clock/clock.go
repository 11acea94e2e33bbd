// Package clock abstracts the time source so delinquency, accrual and
// statement cycles are testable against a controllable clock.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every core component.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a controllable clock for tests and replay.
type Manual struct {
	mu      sync.RWMutex
	current time.Time
}

// NewManual creates a Manual clock set to a fixed default,
// January 1, 2024 00:00:00 UTC.
func NewManual() *Manual {
	return &Manual{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// NewManualAt creates a Manual clock set to t.
func NewManualAt(t time.Time) *Manual {
	return &Manual{current: t.UTC()}
}

// Now returns the current time on the clock.
func (c *Manual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// AdvanceDays moves the clock forward by whole days.
func (c *Manual) AdvanceDays(days int) {
	c.Advance(time.Duration(days) * 24 * time.Hour)
}

// Set sets the clock to a specific time.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t.UTC()
}
