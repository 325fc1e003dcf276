package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	// Tick returns a channel that delivers ticks at the given interval
	// and a stop function releasing its resources.
	Tick(d time.Duration) (<-chan time.Time, func())
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Tick returns a ticker channel at the given interval.
func (Real) Tick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Mock is a Clock under test control. The zero value is not usable; set T
// and, when ticks are consumed, feed TickCh.
type Mock struct {
	T time.Time
	// TickCh is handed out by Tick regardless of the requested interval.
	TickCh chan time.Time
}

// Now returns the fixed time.
func (m Mock) Now() time.Time { return m.T }

// Tick returns the mock tick channel; the stop function is a no-op.
func (m Mock) Tick(time.Duration) (<-chan time.Time, func()) {
	return m.TickCh, func() {}
}
