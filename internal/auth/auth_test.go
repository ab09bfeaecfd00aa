package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questforge/encounter-server/internal/apperr"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func verifier(t *testing.T, now *time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{
		Secret:   []byte("test-secret"),
		Issuer:   "questforge",
		Audience: "encounter",
		Now:      func() time.Time { return *now },
	})
	require.NoError(t, err)
	return v
}

func TestIssueAndVerify(t *testing.T) {
	now := epoch
	v := verifier(t, &now)

	token, err := v.Issue("user-1", time.Hour)
	require.NoError(t, err)

	p, err := v.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, epoch.Add(time.Hour), p.ExpiresAt)
}

func TestVerifyRejections(t *testing.T) {
	now := epoch
	v := verifier(t, &now)
	token, err := v.Issue("user-1", time.Minute)
	require.NoError(t, err)

	other, err := NewVerifier(Config{Secret: []byte("other"), Issuer: "questforge", Audience: "encounter", Now: func() time.Time { return now }})
	require.NoError(t, err)
	forged, err := other.Issue("user-1", time.Minute)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noSubject, err := v.Issue("", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: forged, reason: "bad_signature"},
		{name: "alg none", token: none},
		{name: "missing subject", token: noSubject},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token)
			require.ErrorIs(t, err, apperr.ErrUnauthorized)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, apperr.As(err).Reason)
			}
		})
	}

	now = epoch.Add(2 * time.Minute)
	_, err = v.Verify(token)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, "token_expired", apperr.As(err).Reason)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{UserID: "dm"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "dm", p.UserID)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(Config{})
	assert.Error(t, err)
}
