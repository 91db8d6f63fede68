package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/syncgate-io/syncgate/pkg/protocol"
)

const audAssertion = "assertion"

// Assertion is a signed, time-boxed identity claim held for the life of one
// connection. It is never persisted and never reused across connection ids.
type Assertion struct {
	ID        string // jti
	UserID    string
	Username  string
	Role      protocol.Role
	Admin     bool
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string // signed compact form
}

// Expired reports whether the assertion has lapsed.
func (a *Assertion) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

type assertionClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	Admin    bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// Bridge exchanges deployment-specific credentials for identity assertions.
// Credential verification is delegated to the configured IdentityProvider;
// the bridge owns assertion signing, expiry ceilings, and the one-assertion-
// one-connection rule.
type Bridge struct {
	provider  IdentityProvider
	jwtSecret []byte
	ceiling   time.Duration

	mu       sync.Mutex
	bindings map[string]binding // jti -> connection binding
}

type binding struct {
	connID    string
	expiresAt time.Time
}

// NewBridge creates an authentication bridge on top of an identity provider.
func NewBridge(provider IdentityProvider, jwtSecret string, ceiling time.Duration) *Bridge {
	if ceiling <= 0 || ceiling > 24*time.Hour {
		ceiling = 24 * time.Hour
	}
	return &Bridge{
		provider:  provider,
		jwtSecret: []byte(jwtSecret),
		ceiling:   ceiling,
		bindings:  make(map[string]binding),
	}
}

// Provider returns the underlying identity provider.
func (b *Bridge) Provider() IdentityProvider { return b.provider }

// Authenticate exchanges credentials for a signed assertion. Expiry is the
// provider's own expiry capped at the bridge ceiling.
func (b *Bridge) Authenticate(ctx context.Context, role protocol.Role, creds Credentials) (*Assertion, error) {
	if !role.Valid() {
		return nil, ErrUnknownRole
	}

	v, err := b.provider.Verify(ctx, role, creds)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expires := now.Add(b.ceiling)
	if !v.ExpiresAt.IsZero() && v.ExpiresAt.Before(expires) {
		expires = v.ExpiresAt
	}
	if !expires.After(now) {
		return nil, ErrExpired
	}

	a := &Assertion{
		ID:        uuid.New().String(),
		UserID:    v.UserID,
		Username:  v.Username,
		Role:      role,
		Admin:     v.Admin,
		IssuedAt:  now,
		ExpiresAt: expires,
	}

	claims := &assertionClaims{
		UserID:   a.UserID,
		Username: a.Username,
		Role:     string(a.Role),
		Admin:    a.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audAssertion},
			ExpiresAt: jwt.NewNumericDate(a.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(a.IssuedAt),
			ID:        a.ID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}
	a.Token = token
	return a, nil
}

// Verify validates a compact assertion and returns its decoded form.
func (b *Bridge) Verify(tokenStr string) (*Assertion, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &assertionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return b.jwtSecret, nil
	}, jwt.WithAudience(audAssertion))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*assertionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &Assertion{
		ID:        claims.ID,
		UserID:    claims.UserID,
		Username:  claims.Username,
		Role:      protocol.Role(claims.Role),
		Admin:     claims.Admin,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Bind ties an assertion to the first connection id that presents it. A
// second connection presenting the same assertion is rejected.
func (b *Bridge) Bind(assertionID, connID string) error {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, bd := range b.bindings {
		if now.After(bd.expiresAt) {
			delete(b.bindings, id)
		}
	}

	if existing, ok := b.bindings[assertionID]; ok && existing.connID != connID {
		return ErrAssertionReused
	}
	b.bindings[assertionID] = binding{connID: connID, expiresAt: now.Add(b.ceiling)}
	return nil
}

// Release drops the binding for a closed connection's assertion.
func (b *Bridge) Release(assertionID string) {
	b.mu.Lock()
	delete(b.bindings, assertionID)
	b.mu.Unlock()
}
