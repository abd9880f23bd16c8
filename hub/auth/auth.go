// Package auth provides token validation at the hub's connection boundary.
// Token issuance and user management belong to an external collaborator; this
// layer only verifies that a presented token matches the claimed user.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the validated caller behind a token.
type Identity struct {
	UserID   string
	Username string
}

// Provider validates bearer tokens.
type Provider interface {
	// ValidateToken parses and verifies a token, returning the caller identity.
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	// Name identifies the provider ("builtin" or "jwks").
	Name() string
}

// Claims represents the builtin provider's JWT claims.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// Service is the builtin HMAC JWT provider.
type Service struct {
	secret []byte
	expiry time.Duration
}

// NewService creates a builtin provider signing and verifying with an HMAC secret.
func NewService(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(secret), expiry: expiry}
}

// GenerateToken mints a token for a user. Exposed for tests and operator
// tooling; in production an external issuer normally signs with the shared
// secret.
func (s *Service) GenerateToken(userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies an HMAC JWT and returns the identity it carries.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}

	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }
