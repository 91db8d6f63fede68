// Package api provides the HTTP control surface and middleware for the
// gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/syncgate-io/syncgate/internal/auth"
	"github.com/syncgate-io/syncgate/internal/config"
	"github.com/syncgate-io/syncgate/internal/gateway"
	"github.com/syncgate-io/syncgate/internal/registry"
	"github.com/syncgate-io/syncgate/internal/router"
	"github.com/syncgate-io/syncgate/internal/store"
	"github.com/syncgate-io/syncgate/internal/syncengine"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// Server is the HTTP control API server. It also mounts the WebSocket
// endpoint so one listener serves both surfaces.
type Server struct {
	store         store.Store
	bridge        *auth.Bridge
	loginProvider auth.LoginProvider
	router        *router.Router
	engine        *syncengine.Engine
	registry      *registry.Registry
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates the control API server. lp is nil when the identity
// provider cannot mint session tokens (jwks mode); the login and user
// management routes are then not registered.
func NewServer(s store.Store, bridge *auth.Bridge, lp auth.LoginProvider, rt *router.Router, eng *syncengine.Engine, reg *registry.Registry, gw *gateway.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		bridge:        bridge,
		loginProvider: lp,
		router:        rt,
		engine:        eng,
		registry:      reg,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(throttle(srv.loginRL, "too many login attempts", clientIP)).Post("/auth/login", srv.handleLogin)
	}

	// WebSocket route (auth handled inside via the first frame)
	mux.Get("/ws/{role}/{connID}", gw.HandleWS)

	// Authenticated control routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(throttle(srv.rl, "rate limit exceeded", identityKey))

		r.Get("/me", srv.handleGetMe)
		r.Get("/status", srv.handleStatus)
		r.Post("/messages/send", srv.handleSendMessage)
		r.Post("/sync/trigger", srv.handleSyncTrigger)
		r.Get("/sync/entries", srv.handleListSyncEntries)
		r.Get("/sync/entries/{key}", srv.handleGetSyncEntry)
		r.Get("/conflicts", srv.handleListConflicts)
		r.Post("/conflicts/{conflictID}/resolve", srv.handleResolveConflict)

		if lp != nil {
			r.Post("/apikeys", srv.handleIssueAPIKey)
		}

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/connections", srv.handleListConnections)
			r.Get("/history", srv.handleListHistory)
			if lp != nil {
				r.Post("/users", srv.handleCreateUser)
			}
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.bridge.Provider().Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Info("login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"admin":    identity.Admin,
	})
}

// --- Status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := s.registry.Counts()
	byRole := make(map[string]int, len(counts))
	for role, n := range counts {
		byRole[string(role)] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    s.registry.Len(),
		"by_role":        byRole,
		"sync_versions":  s.engine.Snapshot(),
	})
}

// --- Message handlers ---

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Type         string          `json:"type"` // "broadcast" or "directed"
		SourceRole   protocol.Role   `json:"source_role,omitempty"`
		TargetRole   protocol.Role   `json:"target_role,omitempty"`
		TargetUserID string          `json:"target_user_id,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type != protocol.TypeBroadcast && req.Type != protocol.TypeDirected {
		writeError(w, http.StatusBadRequest, "type must be broadcast or directed")
		return
	}

	// Messages are attributed to the caller's assertion role unless the
	// request names another one explicitly.
	source := req.SourceRole
	if source == "" {
		source = identity.Role
	}
	if !source.Valid() {
		writeError(w, http.StatusBadRequest, "unknown source role")
		return
	}

	env, err := protocol.NewEnvelope(req.Type, source, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build message")
		return
	}
	env.Payload = req.Payload
	env.TargetRole = req.TargetRole
	env.TargetUserID = req.TargetUserID

	result, err := s.router.Route(r.Context(), env, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Sync handlers ---

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Key       string          `json:"key"`
		Value     json.RawMessage `json:"value"`
		Version   int64           `json:"version"`
		Scope     string          `json:"scope,omitempty"`
		Tombstone bool            `json:"tombstone,omitempty"`
		Role      protocol.Role   `json:"role,omitempty"` // defaults to "web"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	writer := req.Role
	if writer == "" {
		writer = protocol.RoleWeb
	}
	if !writer.Valid() {
		writeError(w, http.StatusBadRequest, "unknown deployment role")
		return
	}

	result, err := s.engine.ApplyWrite(r.Context(), syncengine.Write{
		UserID:    identity.UserID,
		Key:       req.Key,
		Value:     req.Value,
		Version:   req.Version,
		Scope:     req.Scope,
		Tombstone: req.Tombstone,
		Writer:    writer,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sync write failed")
		return
	}

	// Fan the reconciled state out to the user's live connections.
	if env, err := protocol.NewEnvelope(protocol.TypeSyncResult, writer, result.Payload); err == nil {
		s.router.DeliverToUser(r.Context(), identity.UserID, env)
	}

	writeJSON(w, http.StatusOK, result.Payload)
}

func (s *Server) handleListSyncEntries(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	entries, err := s.store.ListSyncEntries(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sync entries")
		return
	}
	if entries == nil {
		entries = []store.SyncEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetSyncEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	identity := getIdentityFromContext(r.Context())

	entry, err := s.engine.Get(r.Context(), identity.UserID, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get sync entry")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "sync entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- Conflict handlers ---

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	conflicts, err := s.engine.ListPendingConflicts(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []store.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	conflictID := chi.URLParam(r, "conflictID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		AcceptParked bool `json:"accept_parked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Verify ownership before resolving.
	rec, err := s.store.GetConflict(r.Context(), conflictID)
	if err != nil || rec == nil {
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	}
	if rec.UserID != identity.UserID && !identity.Admin {
		writeError(w, http.StatusForbidden, "not your conflict")
		return
	}
	if rec.Status != "pending" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
		return
	}

	result, err := s.engine.ResolveConflict(r.Context(), conflictID, req.AcceptParked)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve conflict")
		return
	}

	if env, err := protocol.NewEnvelope(protocol.TypeSyncResult, rec.LosingRole, result.Payload); err == nil {
		s.router.DeliverToUser(r.Context(), rec.UserID, env)
	}

	writeJSON(w, http.StatusOK, result.Payload)
}

// --- API key handlers ---

func (s *Server) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	issuer, ok := s.loginProvider.(interface {
		IssueAPIKey(ctx context.Context, userID, name string) (string, error)
	})
	if !ok {
		writeError(w, http.StatusNotImplemented, "api keys not supported by this provider")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	key, err := issuer.IssueAPIKey(r.Context(), identity.UserID, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue api key")
		return
	}

	// The full key is shown exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key})
}

// --- Admin handlers ---

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.All()
	type connResponse struct {
		ID            string        `json:"id"`
		UserID        string        `json:"user_id"`
		Role          protocol.Role `json:"role"`
		EstablishedAt time.Time     `json:"established_at"`
		LastHeartbeat time.Time     `json:"last_heartbeat"`
	}
	result := make([]connResponse, len(conns))
	for i, c := range conns {
		result[i] = connResponse{
			ID:            c.ID,
			UserID:        c.UserID,
			Role:          c.Role,
			EstablishedAt: c.EstablishedAt,
			LastHeartbeat: c.LastHeartbeat(),
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := s.store.ListHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	if req.Role != "user" && req.Role != "admin" {
		writeError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
