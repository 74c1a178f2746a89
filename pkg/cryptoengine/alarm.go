package cryptoengine

import (
	"sync"
	"time"
)

// FailureTracker implements the DecryptFailed/AuthAlarm escalation
// described in spec.md §4.3: individual decrypt failures are dropped
// silently and counted; only once the failure rate over a sliding
// window exceeds threshold does the engine raise AuthAlarm upward.
type FailureTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	events    []time.Time
}

// NewFailureTracker creates a tracker that raises an alarm once more
// than threshold decrypt failures have occurred within window.
func NewFailureTracker(window time.Duration, threshold int) *FailureTracker {
	return &FailureTracker{window: window, threshold: threshold}
}

// RecordFailure records a decrypt failure at `now` and reports whether
// the failure rate now exceeds threshold (AuthAlarm should fire).
func (f *FailureTracker) RecordFailure(now time.Time) (alarm bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-f.window)
	kept := f.events[:0]
	for _, t := range f.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.events = append(kept, now)
	return len(f.events) > f.threshold
}

// Count reports the number of failures currently inside the window.
func (f *FailureTracker) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}
