package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"watchtower/internal/domain"
)

func TestInprocBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	got := make([]domain.LifecycleEvent, 0)
	bus := NewInprocBus(func(_ context.Context, event domain.LifecycleEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
		return nil
	}, nil, 8)

	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	events := []domain.LifecycleEvent{
		{Kind: domain.EventCreateIncident, ServiceID: 1, IncidentID: 10, At: at},
		{Kind: domain.EventResolveIncident, ServiceID: 1, IncidentID: 10, At: at.Add(time.Minute)},
	}
	for _, event := range events {
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(got))
	}
	if got[0].Kind != domain.EventCreateIncident || got[1].Kind != domain.EventResolveIncident {
		t.Fatalf("unexpected delivery order: %+v", got)
	}
}

func TestInprocBusSurvivesHandlerError(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	bus := NewInprocBus(func(context.Context, domain.LifecycleEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	}, nil, 8)

	for i := 0; i < 2; i++ {
		if err := bus.Publish(context.Background(), domain.LifecycleEvent{
			Kind:       domain.EventCreateIncident,
			ServiceID:  1,
			IncidentID: int64(i + 1),
			At:         time.Now().UTC(),
		}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected handler called twice, got %d", calls)
	}
}

func TestInprocBusRejectsPublishAfterClose(t *testing.T) {
	t.Parallel()

	bus := NewInprocBus(func(context.Context, domain.LifecycleEvent) error { return nil }, nil, 1)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := bus.Publish(context.Background(), domain.LifecycleEvent{
		Kind:       domain.EventCreateIncident,
		ServiceID:  1,
		IncidentID: 1,
		At:         time.Now().UTC(),
	})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	// Close twice is a no-op.
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestInprocBusPublishRacesCloseSafely(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		bus := NewInprocBus(func(context.Context, domain.LifecycleEvent) error { return nil }, nil, 4)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := bus.Publish(context.Background(), domain.LifecycleEvent{
				Kind:       domain.EventCreateIncident,
				ServiceID:  1,
				IncidentID: 1,
				At:         time.Now().UTC(),
			})
			if err != nil && !errors.Is(err, ErrBusClosed) {
				t.Errorf("publish during close: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := bus.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
		wg.Wait()
	}
}
