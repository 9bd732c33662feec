package store

import (
	"context"
	"errors"
	"time"

	"watchtower/internal/domain"
)

var (
	// ErrNotFound indicates an absent service/incident/admin row.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a conditional status write lost the race.
	ErrConflict = errors.New("status conflict")
)

// IncidentStore provides durable incident/admin/contact-attempt persistence.
// Params: claim, incident lifecycle, admin lookup, contact attempt, and failure log operations.
// Returns: backend persistence behavior consumed by both engines.
type IncidentStore interface {
	// ClaimDueServices atomically advances next_at past now and returns the
	// claimed rows, so two overlapping ticks never both see a service as due.
	ClaimDueServices(ctx context.Context, now time.Time) ([]domain.Service, error)
	GetService(ctx context.Context, serviceID int64) (domain.Service, error)
	ListServices(ctx context.Context) ([]domain.Service, error)
	AddService(ctx context.Context, service domain.Service) (domain.Service, error)
	DeleteService(ctx context.Context, serviceID int64) error

	GetOpenIncident(ctx context.Context, serviceID int64) (domain.Incident, error)
	CreateIncident(ctx context.Context, serviceID int64, at time.Time) (domain.Incident, error)
	ResolveIncident(ctx context.Context, incidentID int64, at time.Time) error
	GetIncident(ctx context.Context, incidentID int64) (domain.Incident, error)
	// SetIncidentStatus performs one conditional status write; the caller that
	// loses the ack-vs-escalation race observes ErrConflict.
	SetIncidentStatus(ctx context.Context, incidentID int64, expected, next domain.IncidentStatus) error

	GetAdminsByRole(ctx context.Context, serviceID int64, role domain.Role) ([]domain.Admin, error)
	AddAdmin(ctx context.Context, admin domain.Admin) (domain.Admin, error)
	UpdateAdminContact(ctx context.Context, adminID int64, contactType, contactValue string) error
	UpsertServiceAdmin(ctx context.Context, serviceID, adminID int64, role domain.Role) error

	RecordContactAttempt(ctx context.Context, attempt domain.ContactAttempt) (domain.ContactAttempt, error)
	UpdateLatestContactAttempt(ctx context.Context, incidentID, adminID int64, result domain.AttemptResult, responseAt time.Time) error
	GetNotifiedAdmins(ctx context.Context, incidentID int64) ([]domain.Admin, error)

	RecordProbeFailure(ctx context.Context, serviceID int64, at time.Time) error
	GetRecentFailures(ctx context.Context, serviceID int64, window time.Duration) ([]time.Time, error)

	Close() error
}
