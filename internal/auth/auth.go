// Package auth verifies the bearer tokens presented by DM and player clients.
// Tokens are HS256 JWTs issued by the account service; Issue exists for
// development tooling and tests.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/questforge/encounter-server/internal/apperr"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Config controls token verification.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
}

// Verifier checks tokens against a shared secret.
type Verifier struct {
	cfg Config
}

// NewVerifier validates cfg and returns a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify parses a raw token (with or without a "Bearer " prefix).
func (v *Verifier) Verify(raw string) (Principal, error) {
	token := strings.TrimSpace(raw)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return Principal{}, apperr.New(apperr.KindUnauthorized, "bearer token is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Principal{}, apperr.New(apperr.KindUnauthorized, "token subject is required")
	}

	return Principal{UserID: parsed.Subject, ExpiresAt: parsed.ExpiresAt.Time.UTC()}, nil
}

// Issue mints a token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := v.cfg.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if v.cfg.Audience != "" {
		c.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.cfg.Secret)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.WithReason(apperr.KindUnauthorized, "token_expired", "token is expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.WithReason(apperr.KindUnauthorized, "bad_signature", "token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperr.WithReason(apperr.KindUnauthorized, "bad_algorithm", "token algorithm is not accepted")
	default:
		return apperr.Wrap(apperr.KindUnauthorized, "token is invalid", err)
	}
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored on ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
