// Package clock abstracts wall-clock time so request deadlines and
// retention sweeps are testable.
package clock

import "time"

// Clock is the time source used by the store, sweeper, and coordinator.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real is the production Clock, backed by package time.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
