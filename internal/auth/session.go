// Package auth verifies the session that gates bulk dues operations.
//
// A session is checked once before a batch starts, never per row.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrNoSession     = errors.New("no authenticated session")
	ErrInvalidToken  = errors.New("invalid session token")
	ErrMissingSecret = errors.New("jwt secret is required")
)

// Session identifies who started an operation.
type Session struct {
	Subject   string
	Name      string
	ExpiresAt time.Time
}

// System is the session used by scheduled runs that have no user behind them.
var System = Session{Subject: "system", Name: "billing scheduler"}

// Check returns ErrNoSession when the session is empty or expired.
func (s *Session) Check(now time.Time) error {
	if s == nil || strings.TrimSpace(s.Subject) == "" {
		return ErrNoSession
	}
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrNoSession, s.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier issues and verifies HMAC signed session tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl.
func (v *Verifier) Issue(subject, name string, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// Verify parses raw and returns the session it carries.
func (v *Verifier) Verify(raw string) (Session, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Session{}, ErrNoSession
	}
	var c claims
	tok, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	s := Session{Subject: c.Subject, Name: c.Name}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	if err := s.Check(v.now()); err != nil {
		return Session{}, err
	}
	return s, nil
}

type ctxKey struct{}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}

// BearerToken extracts the token from an Authorization header or, for
// websocket handshakes, the token query parameter.
func BearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and stores the session
// in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := v.Verify(BearerToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}
