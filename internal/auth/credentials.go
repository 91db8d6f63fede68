package auth

import "github.com/syncgate-io/syncgate/pkg/protocol"

// Credentials is the tagged variant of role-specific secrets presented during
// the handshake. Each deployment role maps to exactly one credential kind.
type Credentials interface {
	kind() string
}

// SessionToken is presented by web and browser_extension deployments. It is a
// short-lived login token minted by the identity provider.
type SessionToken struct {
	Token string
}

// APIKey is presented by local_installation deployments, in "id.secret" form.
type APIKey struct {
	Key string
}

// SharedToken is presented by hybrid deployments.
type SharedToken struct {
	Token string
}

func (SessionToken) kind() string { return "session_token" }
func (APIKey) kind() string       { return "api_key" }
func (SharedToken) kind() string  { return "shared_token" }

// CredentialsForRole wraps a raw token string in the credential kind the role
// is required to present.
func CredentialsForRole(role protocol.Role, token string) (Credentials, error) {
	switch role {
	case protocol.RoleWeb, protocol.RoleBrowserExtension:
		return SessionToken{Token: token}, nil
	case protocol.RoleLocalInstall:
		return APIKey{Key: token}, nil
	case protocol.RoleHybrid:
		return SharedToken{Token: token}, nil
	default:
		return nil, ErrUnknownRole
	}
}
