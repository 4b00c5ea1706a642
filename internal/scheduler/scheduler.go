// Package scheduler abstracts one-shot timers so timer-driven components can
// run against virtual time in tests.
package scheduler

import "time"

// CancelFunc stops a pending timer. It reports whether the timer was still
// pending; calling it after the timer fired is a no-op.
type CancelFunc func() bool

// Scheduler runs fn once after d elapses.
type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
	Now() time.Time
}

// Real is backed by time.AfterFunc. Callbacks run on their own goroutine.
type Real struct{}

func (Real) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

func (Real) Now() time.Time { return time.Now() }

// Cancel calls cancel if it is non-nil.
func Cancel(cancel CancelFunc) {
	if cancel != nil {
		cancel()
	}
}
