package remote

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-im/halcyon/internal/common"
)

func signToken(t *testing.T, sub, email string, exp time.Time) string {
	t.Helper()
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestNewSession_ReadsClaims(t *testing.T) {
	raw := signToken(t, "contact:me", "me@example.com", time.Now().Add(time.Hour))

	s, err := NewSession(raw)
	require.NoError(t, err)
	require.Equal(t, "contact:me", s.CurrentUser())
	require.Equal(t, "me@example.com", s.Email())

	tok, err := s.Token()
	require.NoError(t, err)
	require.Equal(t, raw, tok)
}

func TestNewSession_RejectsGarbage(t *testing.T) {
	_, err := NewSession("not.a.token")
	require.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestSession_ExpiredToken(t *testing.T) {
	raw := signToken(t, "contact:me", "", time.Now().Add(-time.Minute))

	s, err := NewSession(raw)
	require.NoError(t, err)

	_, err = s.Token()
	require.ErrorIs(t, err, common.ErrTokenExpired)
}
