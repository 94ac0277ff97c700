// Package clock abstracts monotonic time so the supervisor's reactive loop
// can be driven deterministically under test. Rather than exposing raw
// channels, the Clock schedules callbacks directly: the real clock runs
// them on the Go runtime's own timers, and the fake clock (see fake.go)
// runs them synchronously, in virtual-time order, from inside AdvanceBy.
package clock

import "time"

// CancelFunc releases a scheduled callback. Calling it after the callback
// has already fired is a no-op.
type CancelFunc func()

// Clock is the time source every time-dependent component routes through.
type Clock interface {
	// Now returns the clock's current time.
	Now() time.Time

	// AfterFunc schedules fn to run once, after d has elapsed on this
	// clock. The returned CancelFunc prevents fn from running if it
	// has not fired yet.
	AfterFunc(d time.Duration, fn func()) CancelFunc

	// Every schedules fn to run repeatedly, first after interval has
	// elapsed, then every interval thereafter, until cancelled.
	Every(interval time.Duration, fn func()) CancelFunc
}

// WallClock is the production Clock, backed by the Go runtime's timers.
type WallClock struct{}

// New returns the production wall-clock implementation.
func New() WallClock { return WallClock{} }

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) AfterFunc(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (WallClock) Every(interval time.Duration, fn func()) CancelFunc {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	var stopOnce bool
	return func() {
		if stopOnce {
			return
		}
		stopOnce = true
		ticker.Stop()
		close(done)
	}
}
