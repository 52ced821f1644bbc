package streaming

import (
	"sync"
	"time"
)

// clockNow returns the current monotonic-backed time. Kept as a function
// (rather than called inline) so tests can substitute a fake clock by
// replacing this one function without touching every call site.
func clockNow() time.Time {
	return time.Now()
}

// oneShotTimer is a cancellable one-shot wait used for the pacing, resend,
// ack, receive, and pending-incoming timers (spec §5). Firing invokes fn on
// its own goroutine; Cancel (called before the timer fires) guarantees fn
// never runs for that arming. Rearming after Cancel or after a fire is
// always safe.
type oneShotTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64 // incremented on every Cancel/Reset so a stale fire is a no-op
}

// Reset (re)arms the timer to fire fn after d, cancelling any previous
// arming first.
func (t *oneShotTimer) Reset(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	myGen := t.gen

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		fire := myGen == t.gen
		t.mu.Unlock()
		if fire {
			fn()
		}
	})
}

// Cancel disarms the timer. A fire already in flight on another goroutine
// when Cancel is called may still be running fn concurrently with the
// caller; callers that need strict exclusion should serialize through the
// same lock fn takes (as the Stream engine does via s.mu).
func (t *oneShotTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
}
