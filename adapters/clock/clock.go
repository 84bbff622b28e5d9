// Package clock provides Clock implementations.
package clock

import (
	"sync"
	"time"

	"github.com/artpar/billcycle/ports"
)

// Real returns the actual current time in UTC.
// Cycle boundaries are computed in the location of the anchor, so every
// stored instant uses one location.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Ensure interface compliance.
var _ ports.Clock = Real{}

// Fake provides a controllable clock for testing.
type Fake struct {
	mu      sync.RWMutex
	current time.Time
}

// NewFake creates a fake clock set to the given time.
func NewFake(t time.Time) *Fake {
	return &Fake{current: t}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Set jumps to t, e.g. straight to a cycle end.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}

// Advance moves the fake time forward by duration d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// AddDate moves the fake time by calendar units, e.g. AddDate(0, 1, 0) for a month.
func (f *Fake) AddDate(years, months, days int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.AddDate(years, months, days)
	return f.current
}

// Ensure interface compliance.
var _ ports.Clock = (*Fake)(nil)
