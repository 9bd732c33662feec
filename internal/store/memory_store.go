package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"watchtower/internal/domain"
)

// MemoryStore keeps incidents and admins in process memory for single-instance mode.
// Params: in-memory tables guarded by one mutex and an injected clock function.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu             sync.Mutex
	now            func() time.Time
	services       map[int64]domain.Service
	incidents      map[int64]domain.Incident
	admins         map[int64]domain.Admin
	roles          map[int64]map[domain.Role]int64
	attempts       []domain.ContactAttempt
	failures       map[int64][]time.Time
	nextServiceID  int64
	nextIncidentID int64
	nextAdminID    int64
	nextAttemptID  int64
}

// NewMemoryStore creates the in-memory incident store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		services:  make(map[int64]domain.Service),
		incidents: make(map[int64]domain.Incident),
		admins:    make(map[int64]domain.Admin),
		roles:     make(map[int64]map[domain.Role]int64),
		failures:  make(map[int64][]time.Time),
	}
}

// ClaimDueServices returns due services and advances their next_at atomically.
// Params: current time.
// Returns: claimed services ordered by ID.
func (s *MemoryStore) ClaimDueServices(_ context.Context, now time.Time) ([]domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]domain.Service, 0)
	for id, service := range s.services {
		if service.NextAt.After(now) {
			continue
		}
		service.NextAt = now.Add(time.Duration(service.FrequencySeconds) * time.Second)
		s.services[id] = service
		claimed = append(claimed, service)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

// GetService returns one service row.
// Params: service ID.
// Returns: service or ErrNotFound.
func (s *MemoryStore) GetService(_ context.Context, serviceID int64) (domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceID]
	if !ok {
		return domain.Service{}, ErrNotFound
	}
	return service, nil
}

// ListServices returns all registered services ordered by ID.
// Params: none.
// Returns: service slice.
func (s *MemoryStore) ListServices(_ context.Context) ([]domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	services := make([]domain.Service, 0, len(s.services))
	for _, service := range s.services {
		services = append(services, service)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services, nil
}

// AddService registers one monitored service.
// Params: service row; zero NextAt defaults to now.
// Returns: stored row with assigned ID.
func (s *MemoryStore) AddService(_ context.Context, service domain.Service) (domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextServiceID++
	service.ID = s.nextServiceID
	if service.NextAt.IsZero() {
		service.NextAt = s.now()
	}
	s.services[service.ID] = service
	return service, nil
}

// DeleteService removes a service and its role assignments.
// Params: service ID.
// Returns: ErrNotFound when absent.
func (s *MemoryStore) DeleteService(_ context.Context, serviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return ErrNotFound
	}
	delete(s.services, serviceID)
	delete(s.roles, serviceID)
	delete(s.failures, serviceID)
	return nil
}

// GetOpenIncident returns the registered/acknowledged incident for a service.
// Params: service ID.
// Returns: open incident or ErrNotFound.
func (s *MemoryStore) GetOpenIncident(_ context.Context, serviceID int64) (domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, incident := range s.incidents {
		if incident.ServiceID == serviceID && incident.Status.Open() {
			return incident, nil
		}
	}
	return domain.Incident{}, ErrNotFound
}

// CreateIncident opens one incident with status registered.
// Params: service ID and start time.
// Returns: created incident.
func (s *MemoryStore) CreateIncident(_ context.Context, serviceID int64, at time.Time) (domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIncidentID++
	incident := domain.Incident{
		ID:        s.nextIncidentID,
		ServiceID: serviceID,
		Status:    domain.IncidentRegistered,
		StartedAt: at,
	}
	s.incidents[incident.ID] = incident
	return incident, nil
}

// ResolveIncident closes one incident, setting ended_at.
// Params: incident ID and resolution time.
// Returns: ErrNotFound when absent; resolving twice is a no-op.
func (s *MemoryStore) ResolveIncident(_ context.Context, incidentID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	if incident.Status == domain.IncidentResolved {
		return nil
	}
	incident.Status = domain.IncidentResolved
	endedAt := at
	incident.EndedAt = &endedAt
	s.incidents[incidentID] = incident
	return nil
}

// GetIncident returns one incident row.
// Params: incident ID.
// Returns: incident or ErrNotFound.
func (s *MemoryStore) GetIncident(_ context.Context, incidentID int64) (domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[incidentID]
	if !ok {
		return domain.Incident{}, ErrNotFound
	}
	return incident, nil
}

// SetIncidentStatus updates incident status only when the current value matches.
// Params: incident ID, expected current status, and next status.
// Returns: ErrNotFound, ErrConflict on CAS miss, or nil.
func (s *MemoryStore) SetIncidentStatus(_ context.Context, incidentID int64, expected, next domain.IncidentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	if incident.Status != expected {
		return ErrConflict
	}
	incident.Status = next
	if next == domain.IncidentResolved && incident.EndedAt == nil {
		endedAt := s.now()
		incident.EndedAt = &endedAt
	}
	s.incidents[incidentID] = incident
	return nil
}

// GetAdminsByRole returns admins assigned to the service with the given role.
// Params: service ID and role.
// Returns: matching admins (at most one per role).
func (s *MemoryStore) GetAdminsByRole(_ context.Context, serviceID int64, role domain.Role) ([]domain.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assignments, ok := s.roles[serviceID]
	if !ok {
		return nil, nil
	}
	adminID, ok := assignments[role]
	if !ok {
		return nil, nil
	}
	admin, ok := s.admins[adminID]
	if !ok {
		return nil, nil
	}
	return []domain.Admin{admin}, nil
}

// AddAdmin registers one administrator.
// Params: admin row.
// Returns: stored row with assigned ID.
func (s *MemoryStore) AddAdmin(_ context.Context, admin domain.Admin) (domain.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAdminID++
	admin.ID = s.nextAdminID
	s.admins[admin.ID] = admin
	return admin, nil
}

// UpdateAdminContact updates administrator contact details.
// Params: admin ID and optional new contact type/value (empty keeps current).
// Returns: ErrNotFound when absent.
func (s *MemoryStore) UpdateAdminContact(_ context.Context, adminID int64, contactType, contactValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	admin, ok := s.admins[adminID]
	if !ok {
		return ErrNotFound
	}
	if contactType != "" {
		admin.ContactType = contactType
	}
	if contactValue != "" {
		admin.ContactValue = contactValue
	}
	s.admins[adminID] = admin
	return nil
}

// UpsertServiceAdmin binds one admin to a service role, replacing any holder.
// Params: service ID, admin ID, and role.
// Returns: ErrNotFound when service or admin is absent.
func (s *MemoryStore) UpsertServiceAdmin(_ context.Context, serviceID, adminID int64, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.admins[adminID]; !ok {
		return ErrNotFound
	}
	assignments, ok := s.roles[serviceID]
	if !ok {
		assignments = make(map[domain.Role]int64)
		s.roles[serviceID] = assignments
	}
	assignments[role] = adminID
	return nil
}

// RecordContactAttempt appends one contact attempt row.
// Params: attempt with incident/admin identity, channel, result, and time.
// Returns: stored row with assigned ID.
func (s *MemoryStore) RecordContactAttempt(_ context.Context, attempt domain.ContactAttempt) (domain.ContactAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAttemptID++
	attempt.ID = s.nextAttemptID
	s.attempts = append(s.attempts, attempt)
	return attempt, nil
}

// UpdateLatestContactAttempt updates the most recent attempt for (incident, admin).
// Params: incident ID, admin ID, new result, and response time.
// Returns: ErrNotFound when no attempt exists for the pair.
func (s *MemoryStore) UpdateLatestContactAttempt(_ context.Context, incidentID, adminID int64, result domain.AttemptResult, responseAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := -1
	for i, attempt := range s.attempts {
		if attempt.IncidentID != incidentID || attempt.AdminID != adminID {
			continue
		}
		if latest < 0 || !attempt.AttemptedAt.Before(s.attempts[latest].AttemptedAt) {
			latest = i
		}
	}
	if latest < 0 {
		return ErrNotFound
	}
	s.attempts[latest].Result = result
	response := responseAt
	s.attempts[latest].ResponseAt = &response
	return nil
}

// GetNotifiedAdmins returns deduplicated admins with any attempt for the incident.
// Params: incident ID.
// Returns: admins ordered by ID.
func (s *MemoryStore) GetNotifiedAdmins(_ context.Context, incidentID int64) ([]domain.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{})
	admins := make([]domain.Admin, 0)
	for _, attempt := range s.attempts {
		if attempt.IncidentID != incidentID {
			continue
		}
		if _, dup := seen[attempt.AdminID]; dup {
			continue
		}
		seen[attempt.AdminID] = struct{}{}
		if admin, ok := s.admins[attempt.AdminID]; ok {
			admins = append(admins, admin)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].ID < admins[j].ID })
	return admins, nil
}

// AttemptsForIncident returns contact attempts for one incident, for tests.
// Params: incident ID.
// Returns: attempt rows in insertion order.
func (s *MemoryStore) AttemptsForIncident(incidentID int64) []domain.ContactAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := make([]domain.ContactAttempt, 0)
	for _, attempt := range s.attempts {
		if attempt.IncidentID == incidentID {
			attempts = append(attempts, attempt)
		}
	}
	return attempts
}

// RecordProbeFailure appends one failure row to the durable failure log.
// Params: service ID and failure time.
// Returns: nil.
func (s *MemoryStore) RecordProbeFailure(_ context.Context, serviceID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[serviceID] = append(s.failures[serviceID], at)
	return nil
}

// GetRecentFailures returns failure timestamps within the trailing window.
// Params: service ID and window width.
// Returns: matching failure times.
func (s *MemoryStore) GetRecentFailures(_ context.Context, serviceID int64, window time.Duration) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-window)
	recent := make([]time.Time, 0)
	for _, at := range s.failures[serviceID] {
		if !at.Before(cutoff) {
			recent = append(recent, at)
		}
	}
	return recent, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
