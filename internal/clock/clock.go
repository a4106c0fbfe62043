// Package clock provides the wall-clock dependency for time-gated
// operations.
//
// Window open/closed determination and every *_at column read "now" through
// a Clock so tests can pin time. Production code uses System; tests use
// testutil.FixedClock.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System reads the process wall clock in UTC.
//
// No distributed clock-skew handling is attempted: "now" is always the
// executing process's clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}
