package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionData is the ring-group progression carried through the provider between
// webhook deliveries. Nothing about an attempt is kept server-side.
type SessionData struct {
	TenantID    string `json:"tenant_id"`
	CallID      string `json:"call_id"`
	RingGroupID string `json:"ring_group_id"`
	Attempt     int    `json:"attempt"`
}

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionData
}

var ErrInvalidSession = errors.New("routing: invalid session token")

// SessionSigner issues and verifies the opaque HMAC-signed session token.
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionSigner(secret string, ttl time.Duration) (*SessionSigner, error) {
	if secret == "" {
		return nil, errors.New("SESSION_TOKEN_SECRET is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SessionSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// sessionIssueGranularity truncates the issue time so re-signing the same
// session within one window yields the same token.
const sessionIssueGranularity = time.Minute

var sessionIDSpace = uuid.MustParse("5b0c7a4e-2f61-4c59-9d1b-8e3f6a2c1d70")

// Sign is deterministic per session and issue window: a duplicate webhook that
// re-runs routing renders the same action URL. The token stays valid for at
// least ttl.
func (s *SessionSigner) Sign(d SessionData) (string, error) {
	issued := s.now().Truncate(sessionIssueGranularity)
	id := uuid.NewSHA1(sessionIDSpace, []byte(fmt.Sprintf("%s|%s|%s|%d", d.TenantID, d.CallID, d.RingGroupID, d.Attempt)))
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl + sessionIssueGranularity)),
			ID:        id.String(),
		},
		SessionData: d,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *SessionSigner) Verify(token string) (SessionData, error) {
	var claims sessionClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return SessionData{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.CallID == "" || claims.TenantID == "" || claims.RingGroupID == "" {
		return SessionData{}, fmt.Errorf("%w: missing fields", ErrInvalidSession)
	}
	if claims.Attempt < 0 {
		return SessionData{}, fmt.Errorf("%w: negative attempt", ErrInvalidSession)
	}
	return claims.SessionData, nil
}
