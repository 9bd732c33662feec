package escalate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"watchtower/internal/clock"
	"watchtower/internal/domain"
	"watchtower/internal/mailer"
	"watchtower/internal/sched"
	"watchtower/internal/store"
	"watchtower/internal/token"
)

// Outcome describes the result of one acknowledgement attempt.
type Outcome string

const (
	// OutcomeAcknowledged means this call transitioned the incident.
	OutcomeAcknowledged Outcome = "acknowledged"
	// OutcomeAlreadyAcknowledged means another admin got there first.
	OutcomeAlreadyAcknowledged Outcome = "already acknowledged"
	// OutcomeAlreadyResolved means the incident closed before the click.
	OutcomeAlreadyResolved Outcome = "already resolved"
)

// Engine turns lifecycle events into admin notifications and escalations.
// Params: incident store, mail transport, token issuer, and clock.
// Returns: escalation engine; attach a scheduler before handling events.
type Engine struct {
	store     store.IncidentStore
	notifier  mailer.Notifier
	issuer    *token.Issuer
	scheduler sched.Scheduler
	clk       clock.Clock
	logger    *slog.Logger

	delay         time.Duration
	publicBaseURL string
}

// NewEngine creates the escalation engine.
// Params: store, notifier, token issuer, clock, escalation delay,
// public base URL for ack links, and optional logger.
// Returns: engine without a scheduler; call SetScheduler before use.
func NewEngine(
	st store.IncidentStore,
	notifier mailer.Notifier,
	issuer *token.Issuer,
	clk clock.Clock,
	delay time.Duration,
	publicBaseURL string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:         st,
		notifier:      notifier,
		issuer:        issuer,
		clk:           clk,
		delay:         delay,
		publicBaseURL: publicBaseURL,
		logger:        logger,
	}
}

// SetScheduler attaches the delayed-check scheduler.
// The scheduler needs HandleEscalationCheck as its callback, so it is
// built after the engine and wired in here.
// Params: scheduler backend.
// Returns: none.
func (e *Engine) SetScheduler(scheduler sched.Scheduler) {
	e.scheduler = scheduler
}

// HandleEvent processes one incident lifecycle event.
// Params: context and decoded event.
// Returns: store or scheduling error; mail failures are recorded, not returned.
func (e *Engine) HandleEvent(ctx context.Context, event domain.LifecycleEvent) error {
	switch event.Kind {
	case domain.EventCreateIncident:
		return e.notifyIncident(ctx, event.IncidentID)
	case domain.EventResolveIncident:
		return e.notifyResolution(ctx, event.IncidentID)
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

// notifyIncident mails every primary admin and schedules the escalation check.
// Params: context and incident ID.
// Returns: store or scheduling error.
func (e *Engine) notifyIncident(ctx context.Context, incidentID int64) error {
	incident, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if !incident.Status.Open() {
		// Resolved before the event arrived; nothing to announce.
		return nil
	}
	notified, err := e.store.GetNotifiedAdmins(ctx, incident.ID)
	if err != nil {
		return err
	}
	if len(notified) > 0 {
		// Redelivered create event; the first delivery already mailed the
		// primaries and scheduled the check.
		return nil
	}
	service, err := e.store.GetService(ctx, incident.ServiceID)
	if err != nil {
		return err
	}

	admins, err := e.store.GetAdminsByRole(ctx, service.ID, domain.RolePrimary)
	if err != nil {
		return err
	}
	if len(admins) == 0 && e.logger != nil {
		e.logger.Warn("incident has no primary admin",
			"service_id", service.ID,
			"incident_id", incident.ID)
	}
	for _, admin := range admins {
		e.contactAdmin(ctx, incident, service, admin)
	}

	if e.scheduler == nil {
		return errors.New("escalation scheduler is not attached")
	}
	return e.scheduler.ScheduleOnce(ctx, e.delay, incident.ID)
}

// HandleEscalationCheck notifies secondary admins when the incident is
// still unacknowledged after the delay.
// Params: context and incident ID.
// Returns: store error so durable schedulers can retry.
func (e *Engine) HandleEscalationCheck(ctx context.Context, incidentID int64) error {
	incident, err := e.store.GetIncident(ctx, incidentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if incident.Status != domain.IncidentRegistered {
		// Acknowledged or resolved in the meantime; escalation stands down.
		return nil
	}

	service, err := e.store.GetService(ctx, incident.ServiceID)
	if err != nil {
		return err
	}
	admins, err := e.store.GetAdminsByRole(ctx, service.ID, domain.RoleSecondary)
	if err != nil {
		return err
	}
	if len(admins) == 0 && e.logger != nil {
		e.logger.Warn("incident has no secondary admin to escalate to",
			"service_id", service.ID,
			"incident_id", incident.ID)
	}
	for _, admin := range admins {
		e.contactAdmin(ctx, incident, service, admin)
	}
	return nil
}

// contactAdmin mails one admin about the incident and records the attempt.
// Params: context, incident, its service, and the admin to contact.
// Returns: none; failures are recorded as failed attempts and logged.
func (e *Engine) contactAdmin(ctx context.Context, incident domain.Incident, service domain.Service, admin domain.Admin) {
	result := domain.AttemptSent
	signed, err := e.issuer.Issue(incident.ID, admin.ID)
	if err == nil {
		subject := fmt.Sprintf("[watchtower] %s is down", service.Name)
		body := e.incidentMailBody(incident, service, signed)
		err = e.notifier.Send(ctx, admin.ContactValue, subject, body)
	}
	if err != nil {
		result = domain.AttemptFailed
		if e.logger != nil {
			e.logger.Error("admin notification failed",
				"incident_id", incident.ID,
				"admin_id", admin.ID,
				"error", err.Error())
		}
	}

	attempt := domain.ContactAttempt{
		IncidentID:  incident.ID,
		AdminID:     admin.ID,
		Channel:     admin.ContactType,
		Result:      result,
		AttemptedAt: e.clk.Now(),
	}
	if _, err := e.store.RecordContactAttempt(ctx, attempt); err != nil && e.logger != nil {
		e.logger.Error("contact attempt not recorded",
			"incident_id", incident.ID,
			"admin_id", admin.ID,
			"error", err.Error())
	}
}

// incidentMailBody renders the notification body with the ack link.
// Params: incident, its service, and the signed ack token.
// Returns: plain-text mail body.
func (e *Engine) incidentMailBody(incident domain.Incident, service domain.Service, signed string) string {
	link := fmt.Sprintf("%s/incidents/ack?token=%s", e.publicBaseURL, url.QueryEscape(signed))
	return fmt.Sprintf(
		"Service %s (%s) stopped responding at %s.\n"+
			"Incident #%d is open.\n\n"+
			"Acknowledge it here:\n%s\n",
		service.Name,
		service.Address,
		incident.StartedAt.Format(time.RFC3339),
		incident.ID,
		link,
	)
}

// Acknowledge redeems one ack token.
// Params: context and raw token from the ack link.
// Returns: outcome string or token/store error.
func (e *Engine) Acknowledge(ctx context.Context, raw string) (Outcome, error) {
	claims, err := e.issuer.Verify(raw)
	if err != nil {
		return "", err
	}

	err = e.store.SetIncidentStatus(ctx, claims.IncidentID, domain.IncidentRegistered, domain.IncidentAcknowledged)
	switch {
	case err == nil:
		if updateErr := e.store.UpdateLatestContactAttempt(ctx, claims.IncidentID, claims.AdminID, domain.AttemptAcknowledged, e.clk.Now()); updateErr != nil && !errors.Is(updateErr, store.ErrNotFound) {
			return "", updateErr
		}
		if e.logger != nil {
			e.logger.Info("incident acknowledged",
				"incident_id", claims.IncidentID,
				"admin_id", claims.AdminID)
		}
		return OutcomeAcknowledged, nil
	case errors.Is(err, store.ErrConflict):
		incident, getErr := e.store.GetIncident(ctx, claims.IncidentID)
		if getErr != nil {
			return "", getErr
		}
		if incident.Status == domain.IncidentResolved {
			return OutcomeAlreadyResolved, nil
		}
		return OutcomeAlreadyAcknowledged, nil
	default:
		return "", err
	}
}

// notifyResolution mails every admin contacted during the incident.
// Params: context and incident ID.
// Returns: store error; mail failures are logged per admin.
func (e *Engine) notifyResolution(ctx context.Context, incidentID int64) error {
	incident, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	service, err := e.store.GetService(ctx, incident.ServiceID)
	if errors.Is(err, store.ErrNotFound) {
		// Service was deleted while the incident was open.
		return nil
	}
	if err != nil {
		return err
	}

	admins, err := e.store.GetNotifiedAdmins(ctx, incident.ID)
	if err != nil {
		return err
	}
	endedAt := e.clk.Now()
	if incident.EndedAt != nil {
		endedAt = *incident.EndedAt
	}
	subject := fmt.Sprintf("[watchtower] %s recovered", service.Name)
	body := fmt.Sprintf(
		"Service %s (%s) is responding again.\n"+
			"Incident #%d was resolved at %s.\n",
		service.Name,
		service.Address,
		incident.ID,
		endedAt.Format(time.RFC3339),
	)
	for _, admin := range admins {
		if err := e.notifier.Send(ctx, admin.ContactValue, subject, body); err != nil && e.logger != nil {
			e.logger.Error("resolution notice failed",
				"incident_id", incident.ID,
				"admin_id", admin.ID,
				"error", err.Error())
		}
	}
	return nil
}
