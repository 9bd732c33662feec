package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"watchtower/internal/domain"
)

func TestMemoryStoreClaimDueServices(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	due, err := s.AddService(ctx, domain.Service{Name: "api", Address: "http://api.local", FrequencySeconds: 60, NextAt: base.Add(-time.Second)})
	if err != nil {
		t.Fatalf("add due service: %v", err)
	}
	if _, err := s.AddService(ctx, domain.Service{Name: "web", Address: "http://web.local", FrequencySeconds: 60, NextAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("add future service: %v", err)
	}

	claimed, err := s.ClaimDueServices(ctx, base)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("expected only the due service, got %+v", claimed)
	}

	again, err := s.ClaimDueServices(ctx, base)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty second claim, got %+v", again)
	}

	later, err := s.ClaimDueServices(ctx, base.Add(61*time.Second))
	if err != nil {
		t.Fatalf("later claim: %v", err)
	}
	if len(later) != 1 || later[0].ID != due.ID {
		t.Fatalf("expected service due again after its frequency, got %+v", later)
	}
}

func TestMemoryStoreIncidentStatusCAS(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	incident, err := s.CreateIncident(ctx, 7, base)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if incident.Status != domain.IncidentRegistered {
		t.Fatalf("expected registered status, got %q", incident.Status)
	}

	if err := s.SetIncidentStatus(ctx, incident.ID, domain.IncidentRegistered, domain.IncidentAcknowledged); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	err = s.SetIncidentStatus(ctx, incident.ID, domain.IncidentRegistered, domain.IncidentAcknowledged)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale expectation, got %v", err)
	}
	err = s.SetIncidentStatus(ctx, incident.ID+100, domain.IncidentRegistered, domain.IncidentAcknowledged)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown incident, got %v", err)
	}

	if err := s.SetIncidentStatus(ctx, incident.ID, domain.IncidentAcknowledged, domain.IncidentResolved); err != nil {
		t.Fatalf("resolve transition: %v", err)
	}
	got, err := s.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(base) {
		t.Fatalf("expected ended_at %v, got %v", base, got.EndedAt)
	}
}

func TestMemoryStoreIncidentStatusCASConcurrent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	incident, err := s.CreateIncident(ctx, 7, base)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	const racers = 16
	results := make(chan error, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			results <- s.SetIncidentStatus(ctx, incident.ID, domain.IncidentRegistered, domain.IncidentAcknowledged)
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected transition error: %v", err)
		}
	}
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("expected exactly one winner, got %d wins and %d conflicts", wins, conflicts)
	}

	got, err := s.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.Status != domain.IncidentAcknowledged {
		t.Fatalf("expected acknowledged status, got %q", got.Status)
	}
}

func TestMemoryStoreResolveIncidentIdempotent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	incident, err := s.CreateIncident(ctx, 3, base)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	endedAt := base.Add(5 * time.Minute)
	if err := s.ResolveIncident(ctx, incident.ID, endedAt); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveIncident(ctx, incident.ID, endedAt.Add(time.Hour)); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	got, err := s.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(endedAt) {
		t.Fatalf("expected ended_at kept at %v, got %v", endedAt, got.EndedAt)
	}
	if _, err := s.GetOpenIncident(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no open incident after resolve, got %v", err)
	}
}

func TestMemoryStoreUpdateLatestContactAttempt(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	first := domain.ContactAttempt{IncidentID: 1, AdminID: 9, Channel: "email", Result: domain.AttemptSent, AttemptedAt: base}
	second := domain.ContactAttempt{IncidentID: 1, AdminID: 9, Channel: "email", Result: domain.AttemptSent, AttemptedAt: base.Add(time.Minute)}
	if _, err := s.RecordContactAttempt(ctx, first); err != nil {
		t.Fatalf("record first attempt: %v", err)
	}
	if _, err := s.RecordContactAttempt(ctx, second); err != nil {
		t.Fatalf("record second attempt: %v", err)
	}

	responseAt := base.Add(2 * time.Minute)
	if err := s.UpdateLatestContactAttempt(ctx, 1, 9, domain.AttemptAcknowledged, responseAt); err != nil {
		t.Fatalf("update latest: %v", err)
	}

	attempts := s.AttemptsForIncident(1)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Result != domain.AttemptSent || attempts[0].ResponseAt != nil {
		t.Fatalf("older attempt mutated: %+v", attempts[0])
	}
	if attempts[1].Result != domain.AttemptAcknowledged {
		t.Fatalf("expected latest attempt acknowledged, got %q", attempts[1].Result)
	}
	if attempts[1].ResponseAt == nil || !attempts[1].ResponseAt.Equal(responseAt) {
		t.Fatalf("expected response_at %v, got %v", responseAt, attempts[1].ResponseAt)
	}

	if err := s.UpdateLatestContactAttempt(ctx, 1, 42, domain.AttemptAcknowledged, responseAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for admin without attempts, got %v", err)
	}
}

func TestMemoryStoreGetNotifiedAdmins(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	primary, err := s.AddAdmin(ctx, domain.Admin{Name: "alice", ContactType: "email", ContactValue: "alice@example.com"})
	if err != nil {
		t.Fatalf("add primary: %v", err)
	}
	secondary, err := s.AddAdmin(ctx, domain.Admin{Name: "bob", ContactType: "email", ContactValue: "bob@example.com"})
	if err != nil {
		t.Fatalf("add secondary: %v", err)
	}

	for _, attempt := range []domain.ContactAttempt{
		{IncidentID: 5, AdminID: primary.ID, Channel: "email", Result: domain.AttemptSent, AttemptedAt: base},
		{IncidentID: 5, AdminID: primary.ID, Channel: "email", Result: domain.AttemptSent, AttemptedAt: base.Add(time.Minute)},
		{IncidentID: 5, AdminID: secondary.ID, Channel: "email", Result: domain.AttemptFailed, AttemptedAt: base.Add(2 * time.Minute)},
		{IncidentID: 6, AdminID: secondary.ID, Channel: "email", Result: domain.AttemptSent, AttemptedAt: base},
	} {
		if _, err := s.RecordContactAttempt(ctx, attempt); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	notified, err := s.GetNotifiedAdmins(ctx, 5)
	if err != nil {
		t.Fatalf("get notified admins: %v", err)
	}
	if len(notified) != 2 {
		t.Fatalf("expected 2 deduplicated admins, got %d", len(notified))
	}
	if notified[0].ID != primary.ID || notified[1].ID != secondary.ID {
		t.Fatalf("unexpected admin order: %+v", notified)
	}
}

func TestMemoryStoreRoleAssignments(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	service, err := s.AddService(ctx, domain.Service{Name: "api", Address: "http://api.local", FrequencySeconds: 30})
	if err != nil {
		t.Fatalf("add service: %v", err)
	}
	alice, err := s.AddAdmin(ctx, domain.Admin{Name: "alice", ContactType: "email", ContactValue: "alice@example.com"})
	if err != nil {
		t.Fatalf("add alice: %v", err)
	}
	bob, err := s.AddAdmin(ctx, domain.Admin{Name: "bob", ContactType: "email", ContactValue: "bob@example.com"})
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}

	if err := s.UpsertServiceAdmin(ctx, service.ID, alice.ID, domain.RolePrimary); err != nil {
		t.Fatalf("assign primary: %v", err)
	}
	if err := s.UpsertServiceAdmin(ctx, service.ID, bob.ID, domain.RolePrimary); err != nil {
		t.Fatalf("replace primary: %v", err)
	}

	primaries, err := s.GetAdminsByRole(ctx, service.ID, domain.RolePrimary)
	if err != nil {
		t.Fatalf("get primaries: %v", err)
	}
	if len(primaries) != 1 || primaries[0].ID != bob.ID {
		t.Fatalf("expected bob as sole primary, got %+v", primaries)
	}

	secondaries, err := s.GetAdminsByRole(ctx, service.ID, domain.RoleSecondary)
	if err != nil {
		t.Fatalf("get secondaries: %v", err)
	}
	if len(secondaries) != 0 {
		t.Fatalf("expected no secondary, got %+v", secondaries)
	}

	if err := s.UpsertServiceAdmin(ctx, service.ID+99, alice.ID, domain.RolePrimary); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown service, got %v", err)
	}

	if err := s.UpdateAdminContact(ctx, alice.ID, "", "alice@ops.example.com"); err != nil {
		t.Fatalf("update contact: %v", err)
	}
	primariesBefore, err := s.GetAdminsByRole(ctx, service.ID, domain.RolePrimary)
	if err != nil {
		t.Fatalf("get primaries after update: %v", err)
	}
	if primariesBefore[0].ContactValue != "bob@example.com" {
		t.Fatalf("bob contact changed unexpectedly: %+v", primariesBefore[0])
	}
}

func TestMemoryStoreRecentFailures(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return base })
	ctx := context.Background()

	for _, at := range []time.Time{base.Add(-10 * time.Minute), base.Add(-90 * time.Second), base.Add(-30 * time.Second)} {
		if err := s.RecordProbeFailure(ctx, 2, at); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	recent, err := s.GetRecentFailures(ctx, 2, 2*time.Minute)
	if err != nil {
		t.Fatalf("get recent failures: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 failures inside window, got %d", len(recent))
	}
}
