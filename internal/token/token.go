package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired indicates the acknowledgment link outlived its expiry claim.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid indicates a malformed token or a bad signature.
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims binds one acknowledgment capability to one incident and admin.
// Params: incident/admin identity plus registered expiry claim.
// Returns: signed bearer payload; validity is signature + expiry only.
type Claims struct {
	IncidentID int64 `json:"incident_id"`
	AdminID    int64 `json:"admin_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies acknowledgment tokens with a shared secret.
// Params: HS256 secret, token lifetime, and time source.
// Returns: stateless token authority for the escalation engine.
type Issuer struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewIssuer creates a token issuer.
// Params: shared secret, expiry window (must be >0), and now function (defaults to time.Now).
// Returns: initialized issuer or configuration error.
func NewIssuer(secret string, expiry time.Duration, now func() time.Time) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if expiry <= 0 {
		return nil, errors.New("token expiry must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), expiry: expiry, now: now}, nil
}

// Issue signs one acknowledgment token for (incident, admin).
// Params: incident and admin identifiers.
// Returns: compact JWT string or signing error.
func (i *Issuer) Issue(incidentID, adminID int64) (string, error) {
	now := i.now().UTC()
	claims := Claims{
		IncidentID: incidentID,
		AdminID:    adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign ack token: %w", err)
	}
	return signed, nil
}

// Verify validates signature and expiry of one presented token.
// Params: compact JWT string.
// Returns: bound claims, ErrTokenExpired, or ErrTokenInvalid.
func (i *Issuer) Verify(raw string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}
	if claims.IncidentID <= 0 || claims.AdminID <= 0 {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}
