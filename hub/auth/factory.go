package auth

import (
	"fmt"

	"github.com/domlens/domlens/hub/config"
)

// NewProvider creates an auth Provider based on configuration. A nil Provider
// (empty config.Provider) means the hub trusts the client-supplied userId at
// the connection boundary.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "builtin":
		return NewService(cfg.TokenSecret, cfg.TokenExpiry.Duration), nil
	case "jwks":
		return NewJWKSProvider(cfg.JWKSIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
