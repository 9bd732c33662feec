package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"watchtower/internal/clock"
	"watchtower/internal/domain"
	"watchtower/internal/events"
	"watchtower/internal/probe"
	"watchtower/internal/store"
	"watchtower/internal/window"
)

// Engine probes due services and drives incident open/resolve transitions.
// Params: incident store, prober, failure window tracker, event publisher, and clock.
// Returns: monitoring engine driven by periodic Tick calls.
type Engine struct {
	store   store.IncidentStore
	prober  probe.Prober
	tracker *window.Tracker
	bus     events.Publisher
	clk     clock.Clock
	logger  *slog.Logger
}

// NewEngine creates the monitoring engine.
// Params: store, prober, tracker, publisher, clock, and optional logger.
// Returns: ready engine.
func NewEngine(
	st store.IncidentStore,
	prober probe.Prober,
	tracker *window.Tracker,
	bus events.Publisher,
	clk clock.Clock,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:   st,
		prober:  prober,
		tracker: tracker,
		bus:     bus,
		clk:     clk,
		logger:  logger,
	}
}

// Tick claims due services and probes them concurrently.
// Per-service errors are logged and contained so one bad service
// cannot stall the rest of the batch.
// Params: tick context.
// Returns: claim error; probe errors are handled per service.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clk.Now()
	services, err := e.store.ClaimDueServices(ctx, now)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, service := range services {
		wg.Add(1)
		go func(service domain.Service) {
			defer wg.Done()
			if err := e.checkService(ctx, service); err != nil && e.logger != nil {
				e.logger.Error("service check failed",
					"service_id", service.ID,
					"service", service.Name,
					"error", err.Error())
			}
		}(service)
	}
	wg.Wait()
	return nil
}

// checkService probes one service and applies the incident transition.
// Params: context and claimed service row.
// Returns: store or publish error.
func (e *Engine) checkService(ctx context.Context, service domain.Service) error {
	result := e.prober.Check(ctx, service.Address, service.ProbeTimeout())
	if e.logger != nil {
		e.logger.Debug("probe finished",
			"service_id", service.ID,
			"service", service.Name,
			"up", result.Up,
			"status", result.StatusCode,
			"latency_ms", result.Latency.Milliseconds())
	}
	if result.Up {
		return e.handleSuccess(ctx, service)
	}
	return e.handleFailure(ctx, service)
}

// handleFailure records the failed probe and opens an incident at threshold.
// Params: context and probed service.
// Returns: store or publish error.
func (e *Engine) handleFailure(ctx context.Context, service domain.Service) error {
	now := e.clk.Now()
	if err := e.store.RecordProbeFailure(ctx, service.ID, now); err != nil {
		return err
	}
	e.tracker.RecordFailure(service.ID, now)
	e.tracker.Cleanup(service.ID, now, service.AlertingWindow())
	if !e.tracker.ShouldAlert(service.ID, service.FailureThreshold) {
		return nil
	}

	// One open incident per service; repeated threshold hits are no-ops.
	if _, err := e.store.GetOpenIncident(ctx, service.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	incident, err := e.store.CreateIncident(ctx, service.ID, now)
	if err != nil {
		return err
	}
	if e.logger != nil {
		e.logger.Warn("incident opened",
			"service_id", service.ID,
			"service", service.Name,
			"incident_id", incident.ID)
	}
	return e.bus.Publish(ctx, domain.LifecycleEvent{
		Kind:       domain.EventCreateIncident,
		ServiceID:  service.ID,
		IncidentID: incident.ID,
		At:         now,
	})
}

// handleSuccess resolves the open incident, if any, after a good probe.
// Params: context and probed service.
// Returns: store or publish error.
func (e *Engine) handleSuccess(ctx context.Context, service domain.Service) error {
	incident, err := e.store.GetOpenIncident(ctx, service.ID)
	if errors.Is(err, store.ErrNotFound) {
		e.tracker.Forget(service.ID)
		return nil
	}
	if err != nil {
		return err
	}

	now := e.clk.Now()
	if err := e.store.ResolveIncident(ctx, incident.ID, now); err != nil {
		return err
	}
	e.tracker.Forget(service.ID)
	if e.logger != nil {
		e.logger.Info("incident resolved",
			"service_id", service.ID,
			"service", service.Name,
			"incident_id", incident.ID)
	}
	return e.bus.Publish(ctx, domain.LifecycleEvent{
		Kind:       domain.EventResolveIncident,
		ServiceID:  service.ID,
		IncidentID: incident.ID,
		At:         now,
	})
}
