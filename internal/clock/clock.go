// Package clock provides a mockable time source.
// Production code uses Real; tests inject a MockClock so that timestamps
// and retry waits are deterministic.
package clock

import (
	"context"
	"sync"
	"time"
)

// MinReasonableYear is the earliest year treated as a valid wall clock.
// Gateways without an RTC boot at the epoch until NTP catches up.
const MinReasonableYear = 2023

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the shared system clock.
var Real Clock = RealClock{}

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d without holding a goroutine past cancellation.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

// MockClock is a test clock with controllable time. Sleep returns
// immediately and advances the clock, recording each requested wait.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	sleeps  []time.Duration
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Sleep advances the mock time by d.
func (c *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

// Sleeps returns a copy of every duration passed to Sleep.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}

// Sleep is a context-aware time.Sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsReasonableTime returns true if year >= MinReasonableYear.
func IsReasonableTime(t time.Time) bool {
	return t.Year() >= MinReasonableYear
}
