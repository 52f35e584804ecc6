package supportchat

import (
	"sync"
	"time"
)

// slotTimer rate-limits a recurring action to at most one firing per
// interval. A trigger inside the quiet window is deferred to the interval
// boundary instead of dropped, and a newer trigger replaces a previously
// deferred one, so a burst of triggers yields exactly one trailing firing.
type slotTimer struct {
	mu       sync.Mutex
	interval time.Duration
	lastFire time.Time
	timer    *time.Timer
	stopped  bool
}

func newSlotTimer(interval time.Duration) *slotTimer {
	return &slotTimer{interval: interval}
}

// Trigger runs fn immediately if the interval has elapsed since the last
// firing, otherwise schedules it for the interval boundary, replacing any
// pending deferred call.
func (t *slotTimer) Trigger(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	now := time.Now()
	if elapsed := now.Sub(t.lastFire); elapsed >= t.interval {
		t.lastFire = now
		go fn()
		return
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	remaining := t.interval - now.Sub(t.lastFire)
	t.timer = time.AfterFunc(remaining, func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.lastFire = time.Now()
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

// Stop cancels any pending deferred call and disables further triggers.
func (t *slotTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
