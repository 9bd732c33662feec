package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"watchtower/internal/domain"
)

// postgres schema, created on startup when missing.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS services (
	id                    BIGSERIAL PRIMARY KEY,
	name                  TEXT NOT NULL,
	address               TEXT NOT NULL,
	frequency_seconds     INTEGER NOT NULL,
	alerting_window_pings INTEGER NOT NULL,
	failure_threshold     INTEGER NOT NULL,
	timeout_seconds       INTEGER NOT NULL,
	next_at               TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS incidents (
	id         BIGSERIAL PRIMARY KEY,
	service_id BIGINT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS incidents_open_idx
	ON incidents (service_id) WHERE status IN ('registered', 'acknowledged');

CREATE TABLE IF NOT EXISTS admins (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL,
	contact_type  TEXT NOT NULL,
	contact_value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS service_admins (
	service_id BIGINT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
	admin_id   BIGINT NOT NULL REFERENCES admins(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	PRIMARY KEY (service_id, role)
);

CREATE TABLE IF NOT EXISTS contact_attempts (
	id           BIGSERIAL PRIMARY KEY,
	incident_id  BIGINT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	admin_id     BIGINT NOT NULL REFERENCES admins(id) ON DELETE CASCADE,
	channel      TEXT NOT NULL,
	result       TEXT NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL,
	response_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS contact_attempts_pair_idx
	ON contact_attempts (incident_id, admin_id, attempted_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS ping_failures (
	service_id BIGINT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
	failed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ping_failures_service_idx
	ON ping_failures (service_id, failed_at);
`

// PostgresStore persists incidents in PostgreSQL for multi-instance deployments.
// Params: shared *sql.DB pool, claim batch size, and injected clock function.
// Returns: store implementation safe for concurrent monitor instances.
type PostgresStore struct {
	db    *sql.DB
	batch int
	now   func() time.Time
}

// NewPostgresStore connects to PostgreSQL and boots the schema.
// Params: connection URI, claim batch size (defaults to 50), and now function.
// Returns: ready store or a connection/bootstrap error.
func NewPostgresStore(ctx context.Context, uri string, batch int, now func() time.Time) (*PostgresStore, error) {
	if uri == "" {
		return nil, errors.New("postgres: connection URI is required")
	}
	if batch <= 0 {
		batch = 50
	}
	if now == nil {
		now = time.Now
	}

	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: bootstrap schema: %w", err)
	}
	return &PostgresStore{db: db, batch: batch, now: now}, nil
}

// ClaimDueServices atomically claims due services across competing instances.
// Params: current time.
// Returns: claimed services with next_at already advanced.
func (s *PostgresStore) ClaimDueServices(ctx context.Context, now time.Time) ([]domain.Service, error) {
	// SKIP LOCKED keeps two monitor instances from claiming the same row.
	rows, err := s.db.QueryContext(ctx, `
		UPDATE services
		SET next_at = $1 + (frequency_seconds * INTERVAL '1 second')
		WHERE id IN (
			SELECT id FROM services
			WHERE next_at <= $1
			ORDER BY next_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, address, frequency_seconds, alerting_window_pings,
			failure_threshold, timeout_seconds, next_at`,
		now, s.batch)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim due services: %w", err)
	}
	defer rows.Close()
	return scanServices(rows)
}

// GetService returns one service row.
// Params: service ID.
// Returns: service or ErrNotFound.
func (s *PostgresStore) GetService(ctx context.Context, serviceID int64) (domain.Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, frequency_seconds, alerting_window_pings,
			failure_threshold, timeout_seconds, next_at
		FROM services WHERE id = $1`, serviceID)
	service, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Service{}, ErrNotFound
	}
	return service, err
}

// ListServices returns all registered services ordered by ID.
// Params: none.
// Returns: service slice.
func (s *PostgresStore) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, frequency_seconds, alerting_window_pings,
			failure_threshold, timeout_seconds, next_at
		FROM services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list services: %w", err)
	}
	defer rows.Close()
	return scanServices(rows)
}

// AddService registers one monitored service.
// Params: service row; zero NextAt defaults to now.
// Returns: stored row with assigned ID.
func (s *PostgresStore) AddService(ctx context.Context, service domain.Service) (domain.Service, error) {
	if service.NextAt.IsZero() {
		service.NextAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO services (name, address, frequency_seconds, alerting_window_pings,
			failure_threshold, timeout_seconds, next_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		service.Name, service.Address, service.FrequencySeconds, service.AlertingWindowPings,
		service.FailureThreshold, service.TimeoutSeconds, service.NextAt).Scan(&service.ID)
	if err != nil {
		return domain.Service{}, fmt.Errorf("postgres: add service: %w", err)
	}
	return service, nil
}

// DeleteService removes a service; assignments and history cascade.
// Params: service ID.
// Returns: ErrNotFound when absent.
func (s *PostgresStore) DeleteService(ctx context.Context, serviceID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, serviceID)
	if err != nil {
		return fmt.Errorf("postgres: delete service: %w", err)
	}
	return requireRow(res)
}

// GetOpenIncident returns the registered/acknowledged incident for a service.
// Params: service ID.
// Returns: open incident or ErrNotFound.
func (s *PostgresStore) GetOpenIncident(ctx context.Context, serviceID int64) (domain.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, status, started_at, ended_at
		FROM incidents
		WHERE service_id = $1 AND status IN ('registered', 'acknowledged')
		ORDER BY id DESC LIMIT 1`, serviceID)
	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Incident{}, ErrNotFound
	}
	return incident, err
}

// CreateIncident opens one incident with status registered.
// Params: service ID and start time.
// Returns: created incident.
func (s *PostgresStore) CreateIncident(ctx context.Context, serviceID int64, at time.Time) (domain.Incident, error) {
	incident := domain.Incident{
		ServiceID: serviceID,
		Status:    domain.IncidentRegistered,
		StartedAt: at,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO incidents (service_id, status, started_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		serviceID, string(incident.Status), at).Scan(&incident.ID)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("postgres: create incident: %w", err)
	}
	return incident, nil
}

// ResolveIncident closes one incident, setting ended_at.
// Params: incident ID and resolution time.
// Returns: ErrNotFound when absent; resolving twice is a no-op.
func (s *PostgresStore) ResolveIncident(ctx context.Context, incidentID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = $2, ended_at = $3
		WHERE id = $1 AND status <> $2`,
		incidentID, string(domain.IncidentResolved), at)
	if err != nil {
		return fmt.Errorf("postgres: resolve incident: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: resolve incident: %w", err)
	}
	if affected > 0 {
		return nil
	}
	// Zero rows means either unknown ID or already resolved.
	_, err = s.GetIncident(ctx, incidentID)
	return err
}

// GetIncident returns one incident row.
// Params: incident ID.
// Returns: incident or ErrNotFound.
func (s *PostgresStore) GetIncident(ctx context.Context, incidentID int64) (domain.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, status, started_at, ended_at
		FROM incidents WHERE id = $1`, incidentID)
	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Incident{}, ErrNotFound
	}
	return incident, err
}

// SetIncidentStatus updates incident status only when the current value matches.
// Params: incident ID, expected current status, and next status.
// Returns: ErrNotFound, ErrConflict on CAS miss, or nil.
func (s *PostgresStore) SetIncidentStatus(ctx context.Context, incidentID int64, expected, next domain.IncidentStatus) error {
	var query string
	var args []any
	if next == domain.IncidentResolved {
		query = `UPDATE incidents SET status = $3, ended_at = COALESCE(ended_at, $4)
			WHERE id = $1 AND status = $2`
		args = []any{incidentID, string(expected), string(next), s.now()}
	} else {
		query = `UPDATE incidents SET status = $3 WHERE id = $1 AND status = $2`
		args = []any{incidentID, string(expected), string(next)}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: set incident status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: set incident status: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetIncident(ctx, incidentID); err != nil {
		return err
	}
	return ErrConflict
}

// GetAdminsByRole returns admins assigned to the service with the given role.
// Params: service ID and role.
// Returns: matching admins (at most one per role).
func (s *PostgresStore) GetAdminsByRole(ctx context.Context, serviceID int64, role domain.Role) ([]domain.Admin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.contact_type, a.contact_value
		FROM admins a
		JOIN service_admins sa ON sa.admin_id = a.id
		WHERE sa.service_id = $1 AND sa.role = $2
		ORDER BY a.id`, serviceID, string(role))
	if err != nil {
		return nil, fmt.Errorf("postgres: admins by role: %w", err)
	}
	defer rows.Close()
	return scanAdmins(rows)
}

// AddAdmin registers one administrator.
// Params: admin row.
// Returns: stored row with assigned ID.
func (s *PostgresStore) AddAdmin(ctx context.Context, admin domain.Admin) (domain.Admin, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO admins (name, contact_type, contact_value)
		VALUES ($1, $2, $3)
		RETURNING id`,
		admin.Name, admin.ContactType, admin.ContactValue).Scan(&admin.ID)
	if err != nil {
		return domain.Admin{}, fmt.Errorf("postgres: add admin: %w", err)
	}
	return admin, nil
}

// UpdateAdminContact updates administrator contact details.
// Params: admin ID and optional new contact type/value (empty keeps current).
// Returns: ErrNotFound when absent.
func (s *PostgresStore) UpdateAdminContact(ctx context.Context, adminID int64, contactType, contactValue string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE admins
		SET contact_type  = COALESCE(NULLIF($2, ''), contact_type),
			contact_value = COALESCE(NULLIF($3, ''), contact_value)
		WHERE id = $1`,
		adminID, contactType, contactValue)
	if err != nil {
		return fmt.Errorf("postgres: update admin contact: %w", err)
	}
	return requireRow(res)
}

// UpsertServiceAdmin binds one admin to a service role, replacing any holder.
// Params: service ID, admin ID, and role.
// Returns: ErrNotFound when service or admin is absent.
func (s *PostgresStore) UpsertServiceAdmin(ctx context.Context, serviceID, adminID int64, role domain.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_admins (service_id, admin_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (service_id, role) DO UPDATE SET admin_id = EXCLUDED.admin_id`,
		serviceID, adminID, string(role))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("postgres: upsert service admin: %w", err)
	}
	return nil
}

// RecordContactAttempt appends one contact attempt row.
// Params: attempt with incident/admin identity, channel, result, and time.
// Returns: stored row with assigned ID.
func (s *PostgresStore) RecordContactAttempt(ctx context.Context, attempt domain.ContactAttempt) (domain.ContactAttempt, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO contact_attempts (incident_id, admin_id, channel, result, attempted_at, response_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		attempt.IncidentID, attempt.AdminID, attempt.Channel, string(attempt.Result),
		attempt.AttemptedAt, attempt.ResponseAt).Scan(&attempt.ID)
	if err != nil {
		return domain.ContactAttempt{}, fmt.Errorf("postgres: record contact attempt: %w", err)
	}
	return attempt, nil
}

// UpdateLatestContactAttempt updates the most recent attempt for (incident, admin).
// Params: incident ID, admin ID, new result, and response time.
// Returns: ErrNotFound when no attempt exists for the pair.
func (s *PostgresStore) UpdateLatestContactAttempt(ctx context.Context, incidentID, adminID int64, result domain.AttemptResult, responseAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contact_attempts
		SET result = $3, response_at = $4
		WHERE id = (
			SELECT id FROM contact_attempts
			WHERE incident_id = $1 AND admin_id = $2
			ORDER BY attempted_at DESC, id DESC
			LIMIT 1
		)`,
		incidentID, adminID, string(result), responseAt)
	if err != nil {
		return fmt.Errorf("postgres: update latest contact attempt: %w", err)
	}
	return requireRow(res)
}

// GetNotifiedAdmins returns deduplicated admins with any attempt for the incident.
// Params: incident ID.
// Returns: admins ordered by ID.
func (s *PostgresStore) GetNotifiedAdmins(ctx context.Context, incidentID int64) ([]domain.Admin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.id, a.name, a.contact_type, a.contact_value
		FROM admins a
		JOIN contact_attempts ca ON ca.admin_id = a.id
		WHERE ca.incident_id = $1
		ORDER BY a.id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: notified admins: %w", err)
	}
	defer rows.Close()
	return scanAdmins(rows)
}

// RecordProbeFailure appends one failure row to the durable failure log.
// Params: service ID and failure time.
// Returns: nil on success.
func (s *PostgresStore) RecordProbeFailure(ctx context.Context, serviceID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ping_failures (service_id, failed_at) VALUES ($1, $2)`,
		serviceID, at)
	if err != nil {
		return fmt.Errorf("postgres: record probe failure: %w", err)
	}
	return nil
}

// GetRecentFailures returns failure timestamps within the trailing window.
// Params: service ID and window width.
// Returns: matching failure times ordered oldest first.
func (s *PostgresStore) GetRecentFailures(ctx context.Context, serviceID int64, window time.Duration) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT failed_at FROM ping_failures
		WHERE service_id = $1 AND failed_at >= $2
		ORDER BY failed_at`,
		serviceID, s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("postgres: recent failures: %w", err)
	}
	defer rows.Close()

	times := make([]time.Time, 0)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("postgres: scan failure row: %w", err)
		}
		times = append(times, at)
	}
	return times, rows.Err()
}

// Close releases the connection pool.
// Params: none.
// Returns: close error, if any.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanService(row *sql.Row) (domain.Service, error) {
	var service domain.Service
	err := row.Scan(&service.ID, &service.Name, &service.Address, &service.FrequencySeconds,
		&service.AlertingWindowPings, &service.FailureThreshold, &service.TimeoutSeconds, &service.NextAt)
	return service, err
}

func scanServices(rows *sql.Rows) ([]domain.Service, error) {
	services := make([]domain.Service, 0)
	for rows.Next() {
		var service domain.Service
		if err := rows.Scan(&service.ID, &service.Name, &service.Address, &service.FrequencySeconds,
			&service.AlertingWindowPings, &service.FailureThreshold, &service.TimeoutSeconds, &service.NextAt); err != nil {
			return nil, fmt.Errorf("postgres: scan service row: %w", err)
		}
		services = append(services, service)
	}
	return services, rows.Err()
}

func scanIncident(row *sql.Row) (domain.Incident, error) {
	var incident domain.Incident
	var status string
	var endedAt sql.NullTime
	err := row.Scan(&incident.ID, &incident.ServiceID, &status, &incident.StartedAt, &endedAt)
	if err != nil {
		return domain.Incident{}, err
	}
	incident.Status = domain.IncidentStatus(status)
	if endedAt.Valid {
		incident.EndedAt = &endedAt.Time
	}
	return incident, nil
}

func scanAdmins(rows *sql.Rows) ([]domain.Admin, error) {
	admins := make([]domain.Admin, 0)
	for rows.Next() {
		var admin domain.Admin
		if err := rows.Scan(&admin.ID, &admin.Name, &admin.ContactType, &admin.ContactValue); err != nil {
			return nil, fmt.Errorf("postgres: scan admin row: %w", err)
		}
		admins = append(admins, admin)
	}
	return admins, rows.Err()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
