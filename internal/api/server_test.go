package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/syncgate-io/syncgate/internal/auth"
	"github.com/syncgate-io/syncgate/internal/config"
	"github.com/syncgate-io/syncgate/internal/gateway"
	"github.com/syncgate-io/syncgate/internal/registry"
	"github.com/syncgate-io/syncgate/internal/router"
	"github.com/syncgate-io/syncgate/internal/store"
	"github.com/syncgate-io/syncgate/internal/syncengine"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret:        "test-secret-at-least-32-chars-long",
			AssertionCeiling: config.Duration{Duration: time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}
}

func setupTestServer(t *testing.T) (*Server, *auth.BuiltinProvider, *auth.Bridge, store.Store) {
	t.Helper()
	return setupTestServerWithConfig(t, testConfig(), syncengine.Options{})
}

func setupTestServerWithConfig(t *testing.T, cfg *config.Config, engOpts syncengine.Options) (*Server, *auth.BuiltinProvider, *auth.Bridge, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	provider := auth.NewBuiltinProvider(s, cfg.Auth)
	bridge := auth.NewBridge(provider, cfg.Auth.JWTSecret, cfg.Auth.AssertionCeiling.Duration)

	reg := registry.New()
	rt := router.New(reg, s, slog.Default(), router.Options{HistoryEnabled: true})
	eng := syncengine.New(s, slog.Default(), engOpts)
	mgr := registry.NewManager(reg, 30*time.Second, 3, nil, slog.Default())
	gw := gateway.New(bridge, reg, mgr, rt, eng, slog.Default(), gateway.Options{})

	srv := NewServer(s, bridge, provider, rt, eng, reg, gw, cfg, slog.Default())
	return srv, provider, bridge, s
}

// bearerToken registers a user, logs in, and exchanges the session token for
// an assertion the API accepts as a Bearer credential.
func bearerToken(t *testing.T, provider *auth.BuiltinProvider, bridge *auth.Bridge, username, role string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := provider.Register(ctx, username, "testpassword123", role); err != nil {
		t.Fatal(err)
	}
	session, err := provider.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	assertion, err := bridge.Authenticate(ctx, "web", auth.SessionToken{Token: session})
	if err != nil {
		t.Fatal(err)
	}
	return assertion.Token
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ready" {
		t.Errorf("expected status ready, got %q", resp["status"])
	}
}

func TestAuthConfig(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/auth/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["provider"] != "builtin" {
		t.Errorf("expected provider builtin, got %q", resp["provider"])
	}
}

func TestLoginSuccess(t *testing.T) {
	srv, provider, _, _ := setupTestServer(t)

	ctx := context.Background()
	if _, err := provider.Register(ctx, "loginuser", "loginpassword123", "user"); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "loginuser",
		"password": "loginpassword123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["token"] == "" {
		t.Error("expected non-empty token in response")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv, provider, _, _ := setupTestServer(t)

	ctx := context.Background()
	if _, err := provider.Register(ctx, "loginuser2", "loginpassword123", "user"); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "loginuser2",
		"password": "wrongpassword",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["error"] != "invalid credentials" {
		t.Errorf("expected 'invalid credentials' error, got %q", resp["error"])
	}
}

func TestLoginUsernameValidation(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	tests := []struct {
		name     string
		username string
		wantCode int
	}{
		{"too short", "ab", http.StatusBadRequest},
		{"too long", string(make([]byte, 65)), http.StatusBadRequest},
		{"valid length", "abc", http.StatusUnauthorized}, // valid format, user doesn't exist
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/auth/login", "", map[string]string{
				"username": tc.username,
				"password": "somepassword123",
			})
			if w.Code != tc.wantCode {
				t.Errorf("username %q: expected status %d, got %d; body: %s",
					tc.username, tc.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "testuser", "user")

	w := doJSON(t, srv, http.MethodGet, "/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["username"] != "testuser" {
		t.Errorf("expected username 'testuser', got %q", resp["username"])
	}
	if resp["admin"] != false {
		t.Error("regular user should not be admin")
	}
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestAuthMiddleware_GarbageToken(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/me", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for garbage token, got %d", w.Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "plainuser", "user")

	w := doJSON(t, srv, http.MethodGet, "/connections", token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for non-admin, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestAdminMiddleware_AdminAllowed(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	adminToken := bearerToken(t, provider, bridge, "adminuser", "admin")

	w := doJSON(t, srv, http.MethodGet, "/connections", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for admin, got %d; body: %s", w.Code, w.Body.String())
	}

	// No live connections; the response must be an empty array, not null.
	body := w.Body.String()
	if body == "null\n" || body == "null" {
		t.Error("expected [] but got null")
	}
}

func TestStatus(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "statususer", "user")

	w := doJSON(t, srv, http.MethodGet, "/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if _, ok := resp["uptime_seconds"]; !ok {
		t.Error("expected uptime_seconds field")
	}
	if resp["connections"] != float64(0) {
		t.Errorf("expected 0 connections, got %v", resp["connections"])
	}
}

func TestSendMessage_InvalidType(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "senderuser", "user")

	w := doJSON(t, srv, http.MethodPost, "/messages/send", token, map[string]any{
		"type":    "carrier_pigeon",
		"payload": map[string]string{"msg": "hi"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestSendMessage_BadTarget(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "senderuser2", "user")

	// Directed messages need exactly one target.
	w := doJSON(t, srv, http.MethodPost, "/messages/send", token, map[string]any{
		"type":    "directed",
		"payload": map[string]string{"msg": "hi"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestSendMessage_BroadcastNoRecipients(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "senderuser3", "user")

	// A broadcast into an empty registry succeeds with zero deliveries.
	w := doJSON(t, srv, http.MethodPost, "/messages/send", token, map[string]any{
		"type":    "broadcast",
		"payload": map[string]string{"msg": "hi"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
}

type recordingSender struct {
	sent [][]byte
}

func (r *recordingSender) Send(data []byte) error {
	r.sent = append(r.sent, data)
	return nil
}

func (r *recordingSender) Close(reason string) {}

func TestSendMessage_SourceRoleFromIdentity(t *testing.T) {
	cfg := testConfig()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	provider := auth.NewBuiltinProvider(s, cfg.Auth)
	bridge := auth.NewBridge(provider, cfg.Auth.JWTSecret, cfg.Auth.AssertionCeiling.Duration)
	reg := registry.New()
	rt := router.New(reg, s, slog.Default(), router.Options{})
	eng := syncengine.New(s, slog.Default(), syncengine.Options{})
	mgr := registry.NewManager(reg, 30*time.Second, 3, nil, slog.Default())
	gw := gateway.New(bridge, reg, mgr, rt, eng, slog.Default(), gateway.Options{})
	srv := NewServer(s, bridge, provider, rt, eng, reg, gw, cfg, slog.Default())

	ctx := context.Background()
	if _, err := provider.Register(ctx, "extuser", "testpassword123", "user"); err != nil {
		t.Fatal(err)
	}
	session, err := provider.Login(ctx, "extuser", "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	assertion, err := bridge.Authenticate(ctx, protocol.RoleBrowserExtension, auth.SessionToken{Token: session})
	if err != nil {
		t.Fatal(err)
	}
	token := assertion.Token

	recv := &recordingSender{}
	err = reg.Register(&registry.Connection{
		ID:            "c-recv",
		UserID:        "u-recv",
		Role:          protocol.RoleWeb,
		EstablishedAt: time.Now(),
		Authenticated: true,
		Sender:        recv,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Without an explicit source_role the message carries the caller's
	// assertion role.
	w := doJSON(t, srv, http.MethodPost, "/messages/send", token, map[string]any{
		"type":    "broadcast",
		"payload": map[string]string{"msg": "hi"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	if len(recv.sent) != 1 {
		t.Fatalf("expected 1 delivered frame, got %d", len(recv.sent))
	}
	env, err := protocol.Decode(recv.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if env.SourceRole != protocol.RoleBrowserExtension {
		t.Errorf("source role: got %q, want %q", env.SourceRole, protocol.RoleBrowserExtension)
	}

	// An explicit source_role still wins.
	w = doJSON(t, srv, http.MethodPost, "/messages/send", token, map[string]any{
		"type":        "broadcast",
		"source_role": "local_installation",
		"payload":     map[string]string{"msg": "hi"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	env, err = protocol.Decode(recv.sent[len(recv.sent)-1])
	if err != nil {
		t.Fatal(err)
	}
	if env.SourceRole != protocol.RoleLocalInstall {
		t.Errorf("source role: got %q, want %q", env.SourceRole, protocol.RoleLocalInstall)
	}

	// A made-up role is rejected.
	w = doJSON(t, srv, http.MethodPost, "/messages/send", token, map[string]any{
		"type":        "broadcast",
		"source_role": "carrier_pigeon",
		"payload":     map[string]string{"msg": "hi"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestSyncTriggerAndRead(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "syncuser", "user")

	w := doJSON(t, srv, http.MethodPost, "/sync/trigger", token, map[string]any{
		"key":     "settings",
		"value":   map[string]string{"theme": "dark"},
		"version": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var result map[string]any
	parseJSONResponse(t, w, &result)
	if result["outcome"] != "applied" {
		t.Errorf("expected outcome applied, got %v", result["outcome"])
	}
	if result["version"] != float64(1) {
		t.Errorf("expected version 1, got %v", result["version"])
	}

	// The entry is now readable by key.
	w = doJSON(t, srv, http.MethodGet, "/sync/entries/settings", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	// And appears in the listing.
	w = doJSON(t, srv, http.MethodGet, "/sync/entries", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var entries []store.SyncEntry
	parseJSONResponse(t, w, &entries)
	if len(entries) != 1 || entries[0].Key != "settings" {
		t.Errorf("expected one entry for 'settings', got %+v", entries)
	}
}

func TestSyncTrigger_MissingKey(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "syncuser2", "user")

	w := doJSON(t, srv, http.MethodPost, "/sync/trigger", token, map[string]any{
		"value": map[string]string{"theme": "dark"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestGetSyncEntry_NotFound(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "syncuser3", "user")

	w := doJSON(t, srv, http.MethodGet, "/sync/entries/missing", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestConflictFlow(t *testing.T) {
	srv, provider, bridge, _ := setupTestServerWithConfig(t, testConfig(), syncengine.Options{
		Strategy: syncengine.StrategyManual,
	})
	token := bearerToken(t, provider, bridge, "conflictuser", "user")

	// First write lands as version 1.
	w := doJSON(t, srv, http.MethodPost, "/sync/trigger", token, map[string]any{
		"key": "notes", "value": "first", "version": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("initial write: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}

	// A stale write against the same version parks a conflict.
	w = doJSON(t, srv, http.MethodPost, "/sync/trigger", token, map[string]any{
		"key": "notes", "value": "stale", "version": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("stale write: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodGet, "/conflicts", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list conflicts: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var conflicts []store.ConflictRecord
	parseJSONResponse(t, w, &conflicts)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 pending conflict, got %d", len(conflicts))
	}

	// Accept the parked value.
	w = doJSON(t, srv, http.MethodPost, "/conflicts/"+conflicts[0].ID+"/resolve", token, map[string]any{
		"accept_parked": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}

	// Resolving again short-circuits.
	w = doJSON(t, srv, http.MethodPost, "/conflicts/"+conflicts[0].ID+"/resolve", token, map[string]any{
		"accept_parked": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("re-resolve: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "already_resolved" {
		t.Errorf("expected already_resolved, got %q", resp["status"])
	}
}

func TestResolveConflict_NotOwner(t *testing.T) {
	srv, provider, bridge, _ := setupTestServerWithConfig(t, testConfig(), syncengine.Options{
		Strategy: syncengine.StrategyManual,
	})
	ownerToken := bearerToken(t, provider, bridge, "confowner", "user")
	intruderToken := bearerToken(t, provider, bridge, "confintruder", "user")

	doJSON(t, srv, http.MethodPost, "/sync/trigger", ownerToken, map[string]any{
		"key": "notes", "value": "first", "version": 1,
	})
	doJSON(t, srv, http.MethodPost, "/sync/trigger", ownerToken, map[string]any{
		"key": "notes", "value": "stale", "version": 1,
	})

	w := doJSON(t, srv, http.MethodGet, "/conflicts", ownerToken, nil)
	var conflicts []store.ConflictRecord
	parseJSONResponse(t, w, &conflicts)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 pending conflict, got %d", len(conflicts))
	}

	w = doJSON(t, srv, http.MethodPost, "/conflicts/"+conflicts[0].ID+"/resolve", intruderToken, map[string]any{
		"accept_parked": true,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestResolveConflict_NotFound(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "confuser2", "user")

	w := doJSON(t, srv, http.MethodPost, "/conflicts/nonexistent/resolve", token, map[string]any{
		"accept_parked": true,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestIssueAPIKey(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	token := bearerToken(t, provider, bridge, "keyuser", "user")

	w := doJSON(t, srv, http.MethodPost, "/apikeys", token, map[string]string{
		"name": "laptop",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	key := resp["api_key"]
	if key == "" {
		t.Fatal("expected non-empty api_key")
	}

	// The issued key authenticates a local installation.
	ctx := context.Background()
	assertion, err := bridge.Authenticate(ctx, "local_installation", auth.APIKey{Key: key})
	if err != nil {
		t.Fatalf("issued key should verify: %v", err)
	}
	if assertion.Username != "keyuser" {
		t.Errorf("expected username keyuser, got %q", assertion.Username)
	}
}

func TestCreateUser_AdminOnly(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	adminToken := bearerToken(t, provider, bridge, "rootadmin", "admin")

	w := doJSON(t, srv, http.MethodPost, "/users", adminToken, map[string]string{
		"username": "newuser",
		"password": "newpassword123",
		"role":     "user",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d; body: %s", w.Code, w.Body.String())
	}

	var user store.User
	parseJSONResponse(t, w, &user)
	if user.Username != "newuser" {
		t.Errorf("expected username 'newuser', got %q", user.Username)
	}
	if user.PasswordHash != "" {
		t.Error("password hash should be stripped from response")
	}

	// A second create with the same username conflicts.
	w = doJSON(t, srv, http.MethodPost, "/users", adminToken, map[string]string{
		"username": "newuser",
		"password": "newpassword123",
		"role":     "user",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestRateLimiting(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, Burst: 3}
	srv, provider, bridge, _ := setupTestServerWithConfig(t, cfg, syncengine.Options{})
	token := bearerToken(t, provider, bridge, "ratelimituser", "user")

	got429 := false
	for i := 0; i < 20; i++ {
		w := doJSON(t, srv, http.MethodGet, "/me", token, nil)
		if w.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected a 429 Too Many Requests response, but never got one")
	}
}

func TestLoginRateLimiting(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	// Repeated attempts from one address drain the login bucket.
	got429 := false
	for i := 0; i < 30; i++ {
		w := doJSON(t, srv, http.MethodPost, "/auth/login", "", map[string]string{
			"username": "nobody",
			"password": "wrongpassword",
		})
		if w.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected login attempts to be throttled, but never got a 429")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for OPTIONS, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS allow-origin '*', got %q", got)
	}
}

func TestHistory_AdminOnly(t *testing.T) {
	srv, provider, bridge, _ := setupTestServer(t)
	userToken := bearerToken(t, provider, bridge, "histuser", "user")
	adminToken := bearerToken(t, provider, bridge, "histadmin", "admin")

	w := doJSON(t, srv, http.MethodGet, "/history", userToken, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for non-admin, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/history", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for admin, got %d; body: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if body == "null\n" || body == "null" {
		t.Error("expected [] but got null")
	}
}
