package window

import (
	"testing"
	"time"
)

func TestTrackerCleanupDropsStaleFailures(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	tracker := New()
	tracker.RecordFailure(1, now.Add(-90*time.Second))
	tracker.RecordFailure(1, now.Add(-45*time.Second))
	tracker.RecordFailure(1, now.Add(-10*time.Second))

	tracker.Cleanup(1, now, 60*time.Second)
	if got := tracker.FailureCount(1); got != 2 {
		t.Fatalf("expected 2 fresh failures, got %d", got)
	}

	tracker.Cleanup(1, now, 5*time.Second)
	if got := tracker.FailureCount(1); got != 0 {
		t.Fatalf("expected empty window, got %d", got)
	}
}

func TestTrackerCountMatchesWindowForArbitrarySequence(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	window := 30 * time.Second
	offsets := []time.Duration{-120, -61, -31, -30, -29, -15, -1, 0}

	tracker := New()
	expected := 0
	for _, offset := range offsets {
		at := now.Add(offset * time.Second)
		tracker.RecordFailure(3, at)
		if now.Sub(at) <= window {
			expected++
		}
	}
	tracker.Cleanup(3, now, window)
	if got := tracker.FailureCount(3); got != expected {
		t.Fatalf("expected %d failures within window, got %d", expected, got)
	}
}

func TestTrackerShouldAlertThreshold(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	tracker := New()
	tracker.RecordFailure(5, now.Add(-2*time.Second))
	if tracker.ShouldAlert(5, 2) {
		t.Fatalf("one failure must not alert with threshold 2")
	}
	tracker.RecordFailure(5, now.Add(-time.Second))
	tracker.Cleanup(5, now, time.Minute)
	if !tracker.ShouldAlert(5, 2) {
		t.Fatalf("two failures inside window must alert with threshold 2")
	}
	if tracker.ShouldAlert(5, 0) {
		t.Fatalf("non-positive threshold must never alert")
	}
}

func TestTrackerWindowWidthRecomputedPerCleanup(t *testing.T) {
	t.Parallel()

	// Frequency change between ticks shrinks the wall-clock window; cleanup
	// with the new width must discard entries the old width would keep.
	now := time.Now().UTC()
	tracker := New()
	tracker.RecordFailure(9, now.Add(-50*time.Second))
	tracker.RecordFailure(9, now.Add(-5*time.Second))

	tracker.Cleanup(9, now, 60*time.Second)
	if got := tracker.FailureCount(9); got != 2 {
		t.Fatalf("expected both failures with wide window, got %d", got)
	}
	tracker.Cleanup(9, now, 10*time.Second)
	if got := tracker.FailureCount(9); got != 1 {
		t.Fatalf("expected one failure with narrow window, got %d", got)
	}
}

func TestTrackerForget(t *testing.T) {
	t.Parallel()

	tracker := New()
	tracker.RecordFailure(2, time.Now().UTC())
	tracker.Forget(2)
	if got := tracker.FailureCount(2); got != 0 {
		t.Fatalf("expected empty window after forget, got %d", got)
	}
}
