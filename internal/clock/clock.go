// Package clock abstracts delayed execution so that room timers (entry
// expiry, lock timeout, cooldown) can be driven by a mock in tests instead of
// wall-clock waits.
package clock

import "time"

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the cancellation
	// happened before the callback ran.
	Stop() bool
}

// Scheduler starts cancelable delayed callbacks.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// New returns the wall-clock scheduler.
func New() Scheduler { return systemScheduler{} }

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{time.AfterFunc(d, fn)}
}

func (systemScheduler) Now() time.Time { return time.Now() }

type systemTimer struct{ t *time.Timer }

func (t systemTimer) Stop() bool { return t.t.Stop() }
