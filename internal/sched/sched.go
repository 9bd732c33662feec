package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSchedulerClosed is returned by ScheduleOnce after Close.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// CheckFunc runs one delayed escalation check for an incident.
// Params: context and incident ID.
// Returns: check error; durable backends use it to decide on redelivery.
type CheckFunc func(ctx context.Context, incidentID int64) error

// Scheduler runs one escalation check per incident after a delay.
// Params: context, delay before the check, and incident ID.
// Returns: scheduling error.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, delay time.Duration, incidentID int64) error
	Close() error
}

// MemoryScheduler runs escalation checks on in-process timers.
// Params: check callback and timer registry guarded by a mutex.
// Returns: Scheduler implementation for single-instance mode.
type MemoryScheduler struct {
	check  CheckFunc
	logger *slog.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryScheduler creates the in-process scheduler.
// Params: check callback and optional logger.
// Returns: ready scheduler.
func NewMemoryScheduler(check CheckFunc, logger *slog.Logger) *MemoryScheduler {
	return &MemoryScheduler{
		check:  check,
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// ScheduleOnce arms one timer that fires the check after the delay.
// Params: unused context, delay, and incident ID.
// Returns: ErrSchedulerClosed after Close.
func (s *MemoryScheduler) ScheduleOnce(_ context.Context, delay time.Duration, incidentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if delay < 0 {
		delay = 0
	}

	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, timer)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err := s.check(context.Background(), incidentID); err != nil && s.logger != nil {
			s.logger.Error("escalation check failed", "incident_id", incidentID, "error", err.Error())
		}
	})
	s.timers[timer] = struct{}{}
	return nil
}

// Close cancels pending timers and waits for running checks.
// Params: none.
// Returns: nil.
func (s *MemoryScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
