package safety

import (
	"sync"
	"time"
)

// slidingLimiter counts accepted actions per key within a rolling window.
// Allow is an atomic check-and-record: the count comparison and the
// timestamp append happen under one lock, so concurrent evaluations of
// the same key can never both sneak under the limit.
type slidingLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string][]time.Time
	now     func() time.Time
}

func newSlidingLimiter(window time.Duration, max int) *slidingLimiter {
	return &slidingLimiter{
		window:  window,
		max:     max,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether another action for key fits in the current
// window, recording it if so.
func (l *slidingLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.entries[key][:0]
	for _, t := range l.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}

	l.entries[key] = append(kept, now)
	return true
}

// Release rolls back the most recent admission recorded for key. Used
// when a later check in the admission sequence rejects the decision, so
// only actions that are actually accepted consume rate budget.
func (l *slidingLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.entries[key]
	if len(entries) == 0 {
		return
	}
	l.entries[key] = entries[:len(entries)-1]
}

// Reconfigure swaps the window and limit. Existing entries are kept; they
// age out under the new window.
func (l *slidingLimiter) Reconfigure(window time.Duration, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = window
	l.max = max
}
