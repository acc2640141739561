package debounce

import "time"

// Scheduler defers a function call. The buffer talks to timers only
// through this interface so transport and timing concerns stay separate
// (and tests can drive firing by hand).
type Scheduler interface {
	// Schedule arranges for fn to run on its own goroutine after d.
	// The returned cancel reports whether it prevented fn from running:
	// false means fn already fired or is in flight.
	Schedule(d time.Duration, fn func()) (cancel func() bool)
}

type timerScheduler struct{}

// NewTimerScheduler returns the production Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) Schedule(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}
