// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Sync      SyncConfig      `json:"sync,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	MaxFrameBytes  int64    `json:"max_frame_bytes,omitempty"` // max WebSocket frame size; default 64KB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider          string             `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSIssuer        string             `json:"jwks_issuer,omitempty"`
	JWTSecret         string             `json:"jwt_secret"`
	AssertionCeiling  Duration           `json:"assertion_ceiling,omitempty"` // max assertion lifetime; default 24h
	SharedTokens      []SharedTokenEntry `json:"shared_tokens,omitempty"`     // pre-shared tokens for hybrid deployments
	InitialAdmin      *InitialAdmin      `json:"initial_admin,omitempty"`
	AuthFrameDeadline Duration           `json:"auth_frame_deadline,omitempty"` // time allowed for the first auth frame; default 5s
}

// SharedTokenEntry maps a hybrid deployment's pre-shared token to its user.
type SharedTokenEntry struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Name   string `json:"name,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver           string   `json:"driver"`                      // "sqlite" (default) or "postgres"
	DSN              string   `json:"dsn"`                         // e.g. "syncgate.db" or ":memory:"
	HistoryRetention Duration `json:"history_retention,omitempty"` // message history retention; default 72h
	HistoryLimit     int      `json:"history_limit,omitempty"`     // max stored history rows; default 10000
}

// HeartbeatConfig defines connection liveness policy.
type HeartbeatConfig struct {
	Interval        Duration `json:"interval,omitempty"`         // default 30s
	TimeoutMultiple int      `json:"timeout_multiple,omitempty"` // eviction after interval × multiple of silence; default 3
}

// SyncConfig defines conflict resolution behavior.
type SyncConfig struct {
	Strategy     string          `json:"strategy,omitempty"` // "last-write-wins" (default), "version-priority", "manual"
	RolePriority []protocol.Role `json:"role_priority,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	switch c.Sync.Strategy {
	case "", "last-write-wins", "version-priority", "manual":
	default:
		return fmt.Errorf("sync.strategy must be last-write-wins, version-priority, or manual")
	}
	for _, r := range c.Sync.RolePriority {
		if !r.Valid() {
			return fmt.Errorf("sync.role_priority contains unknown role %q", r)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.AssertionCeiling.Duration == 0 {
		c.Auth.AssertionCeiling.Duration = 24 * time.Hour
	}
	if c.Auth.AuthFrameDeadline.Duration == 0 {
		c.Auth.AuthFrameDeadline.Duration = 5 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "syncgate.db"
	}
	if c.Storage.HistoryRetention.Duration == 0 {
		c.Storage.HistoryRetention.Duration = 72 * time.Hour
	}
	if c.Storage.HistoryLimit == 0 {
		c.Storage.HistoryLimit = 10000
	}
	if c.Heartbeat.Interval.Duration == 0 {
		c.Heartbeat.Interval.Duration = 30 * time.Second
	}
	if c.Heartbeat.TimeoutMultiple == 0 {
		c.Heartbeat.TimeoutMultiple = 3
	}
	if c.Sync.Strategy == "" {
		c.Sync.Strategy = "last-write-wins"
	}
	if len(c.Sync.RolePriority) == 0 {
		c.Sync.RolePriority = []protocol.Role{
			protocol.RoleHybrid,
			protocol.RoleLocalInstall,
			protocol.RoleWeb,
			protocol.RoleBrowserExtension,
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = 64 * 1024 // 64KB
	}
}
