package auth

import (
	"fmt"

	"github.com/syncgate-io/syncgate/internal/config"
	"github.com/syncgate-io/syncgate/internal/store"
)

// NewProvider creates an IdentityProvider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (IdentityProvider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewBuiltinProvider(s, cfg), nil
	case "jwks":
		return NewJWKSProvider(cfg.JWKSIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
