package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// JWKSProvider validates externally-issued JWTs using the issuer's JWKS. It
// serves deployments whose users are managed by an external identity service;
// local_installation and hybrid credentials still require the builtin
// provider.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider creates a JWKSProvider that fetches keys from the issuer.
func NewJWKSProvider(issuer string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{issuer: issuer, jwks: jwks}, nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Bootstrap is a no-op; users are managed by the external issuer.
func (p *JWKSProvider) Bootstrap(ctx context.Context) error { return nil }

// Verify parses an externally-issued JWT presented as a session token.
func (p *JWKSProvider) Verify(ctx context.Context, role protocol.Role, creds Credentials) (*Verification, error) {
	if !role.Valid() {
		return nil, ErrUnknownRole
	}

	st, ok := creds.(SessionToken)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	token, err := jwt.Parse(st.Token, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidCredentials
	}

	username := sub
	if v, _ := claims["username"].(string); v != "" {
		username = v
	} else if v, _ := claims["email"].(string); v != "" {
		username = v
	}

	v := &Verification{UserID: sub, Username: username}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		v.ExpiresAt = exp.Time
	}
	return v, nil
}
