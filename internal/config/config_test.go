package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncgate-io/syncgate/pkg/protocol"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"assertion_ceiling": "2h",
			"auth_frame_deadline": "3s",
			"shared_tokens": [
				{"user_id": "hybrid-1", "token": "tok-1", "name": "Edge One"}
			],
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"history_retention": "48h",
			"history_limit": 500
		},
		"heartbeat": {
			"interval": "10s",
			"timeout_multiple": 4
		},
		"sync": {
			"strategy": "version-priority",
			"role_priority": ["local_installation", "hybrid", "web", "browser_extension"]
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Auth.AssertionCeiling.Duration != 2*time.Hour {
		t.Errorf("AssertionCeiling: got %v", cfg.Auth.AssertionCeiling.Duration)
	}
	if cfg.Auth.AuthFrameDeadline.Duration != 3*time.Second {
		t.Errorf("AuthFrameDeadline: got %v", cfg.Auth.AuthFrameDeadline.Duration)
	}
	if len(cfg.Auth.SharedTokens) != 1 || cfg.Auth.SharedTokens[0].UserID != "hybrid-1" {
		t.Errorf("SharedTokens: %+v", cfg.Auth.SharedTokens)
	}
	if cfg.Storage.HistoryRetention.Duration != 48*time.Hour {
		t.Errorf("HistoryRetention: got %v", cfg.Storage.HistoryRetention.Duration)
	}
	if cfg.Heartbeat.Interval.Duration != 10*time.Second || cfg.Heartbeat.TimeoutMultiple != 4 {
		t.Errorf("Heartbeat: %+v", cfg.Heartbeat)
	}
	if cfg.Sync.Strategy != "version-priority" {
		t.Errorf("Strategy: got %q", cfg.Sync.Strategy)
	}
	if cfg.Sync.RolePriority[0] != protocol.RoleLocalInstall {
		t.Errorf("RolePriority: %+v", cfg.Sync.RolePriority)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: %+v", cfg.Logging)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"storage": {}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.AssertionCeiling.Duration != 24*time.Hour {
		t.Errorf("default AssertionCeiling: got %v", cfg.Auth.AssertionCeiling.Duration)
	}
	if cfg.Auth.AuthFrameDeadline.Duration != 5*time.Second {
		t.Errorf("default AuthFrameDeadline: got %v", cfg.Auth.AuthFrameDeadline.Duration)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "syncgate.db" {
		t.Errorf("default storage: %+v", cfg.Storage)
	}
	if cfg.Storage.HistoryRetention.Duration != 72*time.Hour || cfg.Storage.HistoryLimit != 10000 {
		t.Errorf("default history: %+v", cfg.Storage)
	}
	if cfg.Heartbeat.Interval.Duration != 30*time.Second || cfg.Heartbeat.TimeoutMultiple != 3 {
		t.Errorf("default heartbeat: %+v", cfg.Heartbeat)
	}
	if cfg.Sync.Strategy != "last-write-wins" {
		t.Errorf("default strategy: got %q", cfg.Sync.Strategy)
	}
	if len(cfg.Sync.RolePriority) != 4 || cfg.Sync.RolePriority[0] != protocol.RoleHybrid {
		t.Errorf("default role priority: %+v", cfg.Sync.RolePriority)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("default rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 || cfg.Server.MaxFrameBytes != 64*1024 {
		t.Errorf("default sizes: %+v", cfg.Server)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing addr", `{"server": {}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}}`},
		{"missing secret", `{"server": {"addr": ":8080"}, "auth": {}}`},
		{"short secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`},
		{"weak secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`},
		{"jwks without issuer", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32", "provider": "jwks"}}`},
		{"bad strategy", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}, "sync": {"strategy": "vibes"}}`},
		{"bad priority role", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}, "sync": {"role_priority": ["mainframe"]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tc.json)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	// Bare numbers are treated as seconds.
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"heartbeat": {"interval": 45}
	}`
	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Heartbeat.Interval.Duration != 45*time.Second {
		t.Errorf("numeric duration: got %v", cfg.Heartbeat.Interval.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("length: got %d, want 64", len(a))
	}
	if a == b {
		t.Error("two secrets should never collide")
	}
}
