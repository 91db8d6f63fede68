// Package auth exchanges deployment-specific credentials for signed,
// time-boxed identity assertions, and validates those assertions on every
// subsequent frame.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/syncgate-io/syncgate/internal/config"
	"github.com/syncgate-io/syncgate/internal/store"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrExpired            = errors.New("credentials expired")
	ErrUnknownRole        = errors.New("unknown deployment role")
	ErrUserExists         = errors.New("user already exists")
	ErrAssertionReused    = errors.New("assertion already bound to another connection")
)

const audSession = "session"

// sessionClaims are the JWT claims of a login-minted session token.
type sessionClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Admin    bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// BuiltinProvider verifies credentials against the gateway's own store:
// session tokens for web/browser_extension, API keys for local_installation,
// and pre-shared tokens from config for hybrid deployments.
type BuiltinProvider struct {
	store         store.Store
	jwtSecret     []byte
	sessionExpiry time.Duration
	sharedTokens  map[string]string // token -> user_id
	initialAdmin  *config.InitialAdmin
}

// NewBuiltinProvider creates the store-backed identity provider.
func NewBuiltinProvider(s store.Store, cfg config.AuthConfig) *BuiltinProvider {
	shared := make(map[string]string, len(cfg.SharedTokens))
	for _, st := range cfg.SharedTokens {
		shared[st.Token] = st.UserID
	}
	return &BuiltinProvider{
		store:         s,
		jwtSecret:     []byte(cfg.JWTSecret),
		sessionExpiry: cfg.AssertionCeiling.Duration,
		sharedTokens:  shared,
		initialAdmin:  cfg.InitialAdmin,
	}
}

// Name returns the provider name.
func (p *BuiltinProvider) Name() string { return "builtin" }

// Bootstrap creates the initial admin user if configured and not yet present.
func (p *BuiltinProvider) Bootstrap(ctx context.Context) error {
	admin := p.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := p.store.GetUser(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return p.store.CreateUser(ctx, &store.User{
		ID:           uuid.New().String(),
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	})
}

// Verify resolves credentials to a user identity per the role's credential kind.
func (p *BuiltinProvider) Verify(ctx context.Context, role protocol.Role, creds Credentials) (*Verification, error) {
	if !role.Valid() {
		return nil, ErrUnknownRole
	}

	switch c := creds.(type) {
	case SessionToken:
		return p.verifySessionToken(c.Token)
	case APIKey:
		return p.verifyAPIKey(ctx, c.Key)
	case SharedToken:
		return p.verifySharedToken(c.Token)
	default:
		return nil, ErrInvalidCredentials
	}
}

func (p *BuiltinProvider) verifySessionToken(tokenStr string) (*Verification, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &sessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	}, jwt.WithAudience(audSession))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &Verification{
		UserID:    claims.UserID,
		Username:  claims.Username,
		Admin:     claims.Admin,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (p *BuiltinProvider) verifyAPIKey(ctx context.Context, key string) (*Verification, error) {
	id, secret, ok := strings.Cut(key, ".")
	if !ok {
		return nil, ErrInvalidCredentials
	}

	rec, err := p.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if rec == nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)) != nil {
		return nil, ErrInvalidCredentials
	}

	_ = p.store.TouchAPIKey(ctx, id, time.Now())

	user, err := p.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	return &Verification{
		UserID:   user.ID,
		Username: user.Username,
		Admin:    user.Role == "admin",
	}, nil
}

func (p *BuiltinProvider) verifySharedToken(token string) (*Verification, error) {
	for known, userID := range p.sharedTokens {
		if hmac.Equal([]byte(known), []byte(token)) {
			return &Verification{UserID: userID, Username: userID}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

// Login authenticates a user by password and mints a session token for the
// web and browser_extension deployments.
func (p *BuiltinProvider) Login(ctx context.Context, username, password string) (string, error) {
	user, err := p.store.GetUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	claims := &sessionClaims{
		UserID:   user.ID,
		Username: user.Username,
		Admin:    user.Role == "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audSession},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(p.sessionExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.jwtSecret)
}

// Register creates a new user account.
func (p *BuiltinProvider) Register(ctx context.Context, username, password, role string) (*store.User, error) {
	existing, err := p.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := p.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// IssueAPIKey creates an API key for a local_installation deployment and
// returns the full "id.secret" value. The secret half is shown once; only its
// hash is stored.
func (p *BuiltinProvider) IssueAPIKey(ctx context.Context, userID, name string) (string, error) {
	user, err := p.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}

	id := uuid.New().String()
	if err := p.store.CreateAPIKey(ctx, &store.APIKey{
		ID:         id,
		UserID:     userID,
		Name:       name,
		SecretHash: string(hash),
		CreatedAt:  time.Now(),
	}); err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}

	return id + "." + secret, nil
}
