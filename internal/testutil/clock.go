// Package testutil provides deterministic test doubles shared across
// package tests.
package testutil

import (
	"sync"
	"time"
)

// FixedClock is a thread-safe clock pinned to an explicit time.
//
// Unlike clock.System it never moves on its own: tests call Set or Advance
// to model the passage of time, which makes window open/closed transitions
// reproducible.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock pinned to t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

// Now returns the pinned time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d. Negative d moves it backward;
// tests use that to probe boundary conditions.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
