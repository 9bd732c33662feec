package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"watchtower/internal/domain"
	"watchtower/internal/probe"
	"watchtower/internal/store"
	"watchtower/internal/window"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProber struct {
	mu sync.Mutex
	up bool
}

func (p *fakeProber) Check(context.Context, string, time.Duration) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.up {
		return probe.Result{Up: true, StatusCode: 200}
	}
	return probe.Result{Up: false}
}

func (p *fakeProber) setUp(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = up
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (p *capturePublisher) Publish(_ context.Context, event domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) published() []domain.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), p.events...)
}

type engineFixture struct {
	engine *Engine
	store  *store.MemoryStore
	prober *fakeProber
	bus    *capturePublisher
	clk    *fakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(clk.Now)
	prober := &fakeProber{up: true}
	bus := &capturePublisher{}
	engine := NewEngine(st, prober, window.New(), bus, clk, nil)
	return &engineFixture{engine: engine, store: st, prober: prober, bus: bus, clk: clk}
}

func (f *engineFixture) addService(t *testing.T, threshold int) domain.Service {
	t.Helper()
	service, err := f.store.AddService(context.Background(), domain.Service{
		Name:                "api",
		Address:             "http://api.local",
		FrequencySeconds:    30,
		AlertingWindowPings: 5,
		FailureThreshold:    threshold,
		NextAt:              f.clk.Now(),
	})
	if err != nil {
		t.Fatalf("add service: %v", err)
	}
	return service
}

func (f *engineFixture) tick(t *testing.T) {
	t.Helper()
	if err := f.engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	f.clk.Advance(31 * time.Second)
}

func TestEngineOpensIncidentAtThreshold(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	service := f.addService(t, 2)
	f.prober.setUp(false)

	f.tick(t)
	if _, err := f.store.GetOpenIncident(context.Background(), service.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no incident below threshold, got %v", err)
	}

	f.tick(t)
	incident, err := f.store.GetOpenIncident(context.Background(), service.ID)
	if err != nil {
		t.Fatalf("expected open incident at threshold: %v", err)
	}
	if incident.Status != domain.IncidentRegistered {
		t.Fatalf("expected registered incident, got %q", incident.Status)
	}

	events := f.bus.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Kind != domain.EventCreateIncident || events[0].IncidentID != incident.ID {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestEngineKeepsSingleOpenIncident(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	service := f.addService(t, 1)
	f.prober.setUp(false)

	f.tick(t)
	f.tick(t)
	f.tick(t)

	first, err := f.store.GetOpenIncident(context.Background(), service.ID)
	if err != nil {
		t.Fatalf("expected open incident: %v", err)
	}
	if events := f.bus.published(); len(events) != 1 {
		t.Fatalf("expected one create event for incident %d, got %d events", first.ID, len(events))
	}
}

func TestEngineResolvesIncidentOnRecovery(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	service := f.addService(t, 1)
	f.prober.setUp(false)
	f.tick(t)

	incident, err := f.store.GetOpenIncident(context.Background(), service.ID)
	if err != nil {
		t.Fatalf("expected open incident: %v", err)
	}

	f.prober.setUp(true)
	f.tick(t)

	resolved, err := f.store.GetIncident(context.Background(), incident.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if resolved.Status != domain.IncidentResolved || resolved.EndedAt == nil {
		t.Fatalf("expected resolved incident with ended_at, got %+v", resolved)
	}

	events := f.bus.published()
	if len(events) != 2 {
		t.Fatalf("expected create+resolve events, got %d", len(events))
	}
	if events[1].Kind != domain.EventResolveIncident || events[1].IncidentID != incident.ID {
		t.Fatalf("unexpected resolve event %+v", events[1])
	}

	// A failure after recovery opens a fresh incident instead of
	// reviving the resolved one.
	f.prober.setUp(false)
	f.tick(t)
	events = f.bus.published()
	if len(events) != 3 {
		t.Fatalf("expected a new create event after recovery, got %d events", len(events))
	}
	if events[2].Kind != domain.EventCreateIncident || events[2].IncidentID == incident.ID {
		t.Fatalf("expected fresh incident, got %+v", events[2])
	}
}

func TestEngineSuccessWithoutIncidentIsQuiet(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.addService(t, 2)

	f.tick(t)
	f.tick(t)
	if events := f.bus.published(); len(events) != 0 {
		t.Fatalf("expected no events for healthy service, got %+v", events)
	}
}
