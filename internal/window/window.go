package window

import (
	"sync"
	"time"
)

// Tracker keeps per-service probe failure timestamps inside a sliding window.
// Params: in-memory timestamp sequences keyed by service ID.
// Returns: failure accounting used by the monitoring engine threshold check.
type Tracker struct {
	mu       sync.Mutex
	failures map[int64][]time.Time
}

// New constructs an empty failure window tracker.
// Params: none.
// Returns: initialized tracker.
func New() *Tracker {
	return &Tracker{failures: make(map[int64][]time.Time)}
}

// RecordFailure appends one failure timestamp for the service.
// Params: service ID and failure time.
// Returns: none; insertion order is chronological because probes are sequential per service.
func (t *Tracker) RecordFailure(serviceID int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[serviceID] = append(t.failures[serviceID], at)
}

// Cleanup drops failures older than the window measured back from now.
// Params: service ID, current time, and window width recomputed from current config.
// Returns: none; must run before any threshold comparison.
func (t *Tracker) Cleanup(serviceID int64, now time.Time, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	points := t.failures[serviceID]
	if len(points) == 0 {
		return
	}
	if window <= 0 {
		delete(t.failures, serviceID)
		return
	}
	cutoff := now.Add(-window)
	drop := 0
	for ; drop < len(points); drop++ {
		if !points[drop].Before(cutoff) {
			break
		}
	}
	if drop == 0 {
		return
	}
	if drop == len(points) {
		delete(t.failures, serviceID)
		return
	}
	t.failures[serviceID] = append([]time.Time(nil), points[drop:]...)
}

// FailureCount returns the current window size for the service.
// Params: service ID.
// Returns: number of retained failure timestamps.
func (t *Tracker) FailureCount(serviceID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures[serviceID])
}

// ShouldAlert reports whether retained failures reach the threshold.
// Params: service ID and failure-count threshold.
// Returns: true when failureCount >= threshold.
func (t *Tracker) ShouldAlert(serviceID int64, threshold int) bool {
	if threshold <= 0 {
		return false
	}
	return t.FailureCount(serviceID) >= threshold
}

// Forget removes all window state for the service.
// Params: service ID.
// Returns: none; called after recovery so stale failures never linger.
func (t *Tracker) Forget(serviceID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, serviceID)
}
