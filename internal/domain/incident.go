package domain

import "time"

// IncidentStatus is incident lifecycle state.
// Params: registered/acknowledged/resolved state constants.
// Returns: state transitions for escalation and storage.
type IncidentStatus string

const (
	// IncidentRegistered indicates open incident nobody reacted to yet.
	IncidentRegistered IncidentStatus = "registered"
	// IncidentAcknowledged indicates an admin confirmed working the incident.
	IncidentAcknowledged IncidentStatus = "acknowledged"
	// IncidentResolved indicates the service recovered and the incident was closed.
	IncidentResolved IncidentStatus = "resolved"
)

// Open reports whether the status still counts as an open incident.
// Params: none.
// Returns: true for registered and acknowledged.
func (s IncidentStatus) Open() bool {
	return s == IncidentRegistered || s == IncidentAcknowledged
}

// CanTransition reports whether moving to next status is a forward transition.
// Params: target status.
// Returns: true when the move never goes backward in the lifecycle.
func (s IncidentStatus) CanTransition(next IncidentStatus) bool {
	switch s {
	case IncidentRegistered:
		return next == IncidentAcknowledged || next == IncidentResolved
	case IncidentAcknowledged:
		return next == IncidentResolved
	default:
		return false
	}
}

// Incident is one tracked outage episode for a service.
// Params: identity, owning service, lifecycle status, and boundary timestamps.
// Returns: incident record shared between engines and store.
type Incident struct {
	ID        int64          `json:"id"`
	ServiceID int64          `json:"service_id"`
	Status    IncidentStatus `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Service is one monitored endpoint with its probe and alerting settings.
// Params: address, probe cadence, alerting window in probe counts, and due marker.
// Returns: service row claimed by the monitoring engine each tick.
type Service struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	Address             string    `json:"address"`
	FrequencySeconds    int       `json:"frequency_seconds"`
	AlertingWindowPings int       `json:"alerting_window_npings"`
	FailureThreshold    int       `json:"failure_threshold"`
	TimeoutSeconds      int       `json:"timeout_seconds"`
	NextAt              time.Time `json:"next_at"`
}

// AlertingWindow converts the probe-count window into wall-clock width.
// Params: none.
// Returns: trailing span over which failures count toward the threshold.
func (s Service) AlertingWindow() time.Duration {
	return time.Duration(s.AlertingWindowPings*s.FrequencySeconds) * time.Second
}

// ProbeTimeout returns the bounded per-check timeout with a safe default.
// Params: none.
// Returns: timeout duration (5s when unset).
func (s Service) ProbeTimeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Role binds an admin to a service as primary or secondary contact.
type Role string

const (
	// RolePrimary is the first contact notified when an incident opens.
	RolePrimary Role = "primary"
	// RoleSecondary is the escalation contact for unacknowledged incidents.
	RoleSecondary Role = "secondary"
)

// Valid reports whether the role belongs to the closed role set.
// Params: none.
// Returns: true for primary/secondary.
func (r Role) Valid() bool {
	return r == RolePrimary || r == RoleSecondary
}

// Admin is an administrator contact identity.
// Params: identity and contact channel fields.
// Returns: admin record read from the incident store.
type Admin struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ContactType  string `json:"contact_type"`
	ContactValue string `json:"contact_value"`
}

// AttemptResult is the delivery/response outcome of one contact attempt.
type AttemptResult string

const (
	// AttemptSent marks a notification the mailer accepted.
	AttemptSent AttemptResult = "sent"
	// AttemptFailed marks a notification the mailer rejected.
	AttemptFailed AttemptResult = "failed"
	// AttemptAcknowledged marks an attempt the admin responded to.
	AttemptAcknowledged AttemptResult = "acknowledged"
)

// ContactAttempt records one notification sent to one admin for one incident.
// Params: incident/admin identity, channel, outcome, and timestamps.
// Returns: attempt row; ResponseAt is set only when result becomes acknowledged.
type ContactAttempt struct {
	ID          int64         `json:"id"`
	IncidentID  int64         `json:"incident_id"`
	AdminID     int64         `json:"admin_id"`
	Channel     string        `json:"channel"`
	Result      AttemptResult `json:"result"`
	AttemptedAt time.Time     `json:"attempted_at"`
	ResponseAt  *time.Time    `json:"response_at,omitempty"`
}
