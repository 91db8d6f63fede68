// Package hub is the main orchestrator that ties all gateway components
// together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/syncgate-io/syncgate/internal/api"
	"github.com/syncgate-io/syncgate/internal/auth"
	"github.com/syncgate-io/syncgate/internal/config"
	"github.com/syncgate-io/syncgate/internal/gateway"
	"github.com/syncgate-io/syncgate/internal/registry"
	"github.com/syncgate-io/syncgate/internal/router"
	"github.com/syncgate-io/syncgate/internal/store"
	"github.com/syncgate-io/syncgate/internal/syncengine"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// Hub is the main gateway process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	provider auth.IdentityProvider
	bridge   *auth.Bridge
	registry *registry.Registry
	manager  *registry.Manager
	router   *router.Router
	engine   *syncengine.Engine
	api      *api.Server
	logger   *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create identity provider based on config.
	provider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := provider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := provider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	bridge := auth.NewBridge(provider, cfg.Auth.JWTSecret, cfg.Auth.AssertionCeiling.Duration)

	reg := registry.New()
	rt := router.New(reg, db, logger, router.Options{
		HistoryEnabled: cfg.Storage.HistoryLimit > 0,
	})
	eng := syncengine.New(db, logger, syncengine.Options{
		Strategy:     cfg.Sync.Strategy,
		RolePriority: cfg.Sync.RolePriority,
	})

	// Evictions produce the same offline presence event as a client close,
	// plus a reconnect backoff hint, and release the assertion binding.
	mgr := registry.NewManager(reg, cfg.Heartbeat.Interval.Duration, cfg.Heartbeat.TimeoutMultiple,
		func(conn *registry.Connection, backoff time.Duration) {
			bridge.Release(conn.AssertionID())
			rt.AnnouncePresence(context.Background(), protocol.PresenceEvent{
				ConnectionID: conn.ID,
				UserID:       conn.UserID,
				Role:         conn.Role,
				Online:       false,
				Reason:       "evicted",
				BackoffHint:  backoff.String(),
			})
		}, logger)

	gw := gateway.New(bridge, reg, mgr, rt, eng, logger, gateway.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxFrameBytes:     cfg.Server.MaxFrameBytes,
		AuthFrameDeadline: cfg.Auth.AuthFrameDeadline.Duration,
	})

	apiSrv := api.NewServer(db, bridge, loginProvider, rt, eng, reg, gw, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		provider: provider,
		bridge:   bridge,
		registry: reg,
		manager:  mgr,
		router:   rt,
		engine:   eng,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if provider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the gateway HTTP server and blocks until the context is
// canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start heartbeat sweeps.
	go h.manager.Run(ctx)

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start message history retention.
	if h.cfg.Storage.HistoryRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.HistoryRetention.Duration, h.cfg.Storage.HistoryLimit)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("gateway listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration, keep int) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeHistoryBefore(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: history failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old history", "count", n)
			}
			if keep > 0 {
				if n, err := h.store.TrimHistory(ctx, keep); err != nil {
					h.logger.Warn("retention trim: history failed", "error", err)
				} else if n > 0 {
					h.logger.Info("retention trim: dropped excess history", "count", n)
				}
			}
		}
	}
}
