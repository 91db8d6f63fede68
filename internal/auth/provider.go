package auth

import (
	"context"
	"time"

	"github.com/syncgate-io/syncgate/internal/store"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// Verification is the identity provider's answer for a set of credentials.
type Verification struct {
	UserID    string
	Username  string
	Admin     bool
	ExpiresAt time.Time // zero means "no inherent expiry"; the bridge ceiling applies
}

// IdentityProvider is the external collaborator consulted during
// authentication. It is swappable without affecting any other component.
type IdentityProvider interface {
	Verify(ctx context.Context, role protocol.Role, creds Credentials) (*Verification, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that can mint session tokens from
// username/password, for web and browser_extension deployments.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}
