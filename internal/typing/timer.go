package typing

import (
	"sync"
	"time"
)

// quietTimer is a single-slot cancellable timer: scheduling replaces any
// pending callback instead of stacking a second one.
type quietTimer struct {
	clock Clock

	mu    sync.Mutex
	timer Timer
	gen   uint64
}

func newQuietTimer(clock Clock) *quietTimer {
	return &quietTimer{clock: clock}
}

// Reset cancels the pending callback and schedules f after d. A callback
// that was already firing when Reset ran is suppressed.
func (q *quietTimer) Reset(d time.Duration, f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopLocked()
	gen := q.gen
	q.timer = q.clock.AfterFunc(d, func() {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		q.timer = nil
		q.gen++
		q.mu.Unlock()
		f()
	})
}

// Cancel drops the pending callback, if any.
func (q *quietTimer) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopLocked()
}

// Pending reports whether a callback is scheduled.
func (q *quietTimer) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timer != nil
}

func (q *quietTimer) stopLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++
}
