// Package clock centralizes the monotonic time source used throughout the
// fabric so that tests can drive time deterministically instead of sleeping
// on the wall clock.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the time source every component depends on instead of calling
// time.Now or time.Sleep directly. It is an alias of clockwork.Clock so
// production code can pass clockwork.NewRealClock() and tests can pass
// clockwork.NewFakeClock() interchangeably.
type Clock = clockwork.Clock

// New returns the real wall-clock implementation, used by cmd/fabricd.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a fake clock pinned to a fixed instant, for tests that need
// to advance time explicitly.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
