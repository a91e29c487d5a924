package sync

import "time"

// Clock abstracts time for the engine so tests can drive retry schedules
// and photo-retention timers deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules fn to run after d and returns a cancel function.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type realClock struct{}

// NewClock returns a Clock backed by the system time.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
