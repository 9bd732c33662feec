package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"watchtower/internal/domain"
)

// ErrBusClosed is returned by Publish after the bus has been closed.
var ErrBusClosed = errors.New("event bus is closed")

// Handler processes one incident lifecycle event.
// Params: context and decoded event.
// Returns: processing error; transports use it to decide on redelivery.
type Handler func(ctx context.Context, event domain.LifecycleEvent) error

// Publisher emits incident lifecycle events toward the escalation pipeline.
// Params: context and validated event.
// Returns: publish error.
type Publisher interface {
	Publish(ctx context.Context, event domain.LifecycleEvent) error
	Close() error
}

// InprocBus delivers lifecycle events to one handler inside the process.
// Params: buffered event channel drained by a single consumer goroutine.
// Returns: Publisher implementation for single-instance mode.
type InprocBus struct {
	handler Handler
	logger  *slog.Logger
	queue   chan domain.LifecycleEvent

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewInprocBus creates the in-process bus and starts its consumer loop.
// Params: event handler, optional logger, and channel buffer size.
// Returns: running bus.
func NewInprocBus(handler Handler, logger *slog.Logger, buffer int) *InprocBus {
	if buffer <= 0 {
		buffer = 256
	}
	bus := &InprocBus{
		handler: handler,
		logger:  logger,
		queue:   make(chan domain.LifecycleEvent, buffer),
		done:    make(chan struct{}),
	}
	go bus.consume()
	return bus
}

// Publish enqueues one event for the consumer goroutine.
// The lock is held across the send so Close cannot close the queue
// between the closed check and the send.
// Params: context and validated event.
// Returns: ErrBusClosed after Close, context error when the queue is full.
func (b *InprocBus) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits until queued events are handled.
// Params: none.
// Returns: nil.
func (b *InprocBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return nil
}

// consume drains the queue until Close; handler errors are logged and dropped.
func (b *InprocBus) consume() {
	defer close(b.done)
	for event := range b.queue {
		if b.handler == nil {
			continue
		}
		if err := b.handler(context.Background(), event); err != nil && b.logger != nil {
			b.logger.Error("event handle failed",
				"type", string(event.Kind),
				"incident_id", event.IncidentID,
				"error", err.Error())
		}
	}
}
