package remote

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/halcyon-im/halcyon/internal/common"
)

// Session holds the platform-issued bearer token for this device. The token
// is minted elsewhere (login flow); this side only reads the subject and
// refuses to use it past expiry. Signature verification belongs to the
// services that accept the token.
type Session struct {
	userID string
	email  string
	token  string
	expiry time.Time
}

var _ SessionProvider = (*Session)(nil)

type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewSession parses the token claims and returns a session provider.
func NewSession(token string) (*Session, error) {
	var claims sessionClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, common.ErrInvalidToken
	}

	s := &Session{
		userID: claims.Subject,
		email:  claims.Email,
		token:  token,
	}
	if claims.ExpiresAt != nil {
		s.expiry = claims.ExpiresAt.Time
	}
	return s, nil
}

func (s *Session) CurrentUser() string { return s.userID }

// Email returns the account email carried in the token, if any.
func (s *Session) Email() string { return s.email }

func (s *Session) Token() (string, error) {
	if !s.expiry.IsZero() && time.Now().After(s.expiry) {
		return "", common.ErrTokenExpired
	}
	return s.token, nil
}
