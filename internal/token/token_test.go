package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	issuer, err := NewIssuer("secret", 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	signed, err := issuer.Issue(42, 7)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := issuer.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.IncidentID != 42 || claims.AdminID != 7 {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	issued := time.Now().UTC()
	current := issued
	issuer, err := NewIssuer("secret", time.Minute, func() time.Time { return current })
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	signed, err := issuer.Issue(1, 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	current = issued.Add(2 * time.Minute)
	if _, err := issuer.Verify(signed); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyRejectsGarbageAndWrongSecret(t *testing.T) {
	t.Parallel()

	issuer, err := NewIssuer("secret", time.Minute, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	if _, err := issuer.Verify("not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for garbage, got %v", err)
	}

	other, err := NewIssuer("other-secret", time.Minute, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	signed, err := other.Issue(1, 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for wrong secret, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	t.Parallel()

	issuer, err := NewIssuer("secret", time.Minute, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	signed, err := issuer.Issue(1, 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape")
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := issuer.Verify(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for tampered token, got %v", err)
	}
}

func TestNewIssuerRequiresSecretAndExpiry(t *testing.T) {
	t.Parallel()

	if _, err := NewIssuer("", time.Minute, nil); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, err := NewIssuer("secret", 0, nil); err == nil {
		t.Fatalf("expected error for zero expiry")
	}
}
