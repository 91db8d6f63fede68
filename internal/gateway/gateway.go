// Package gateway exposes the duplex WebSocket endpoint. It parses frames,
// enforces the auth-first handshake, and delegates authenticated traffic to
// the router and sync engine.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/syncgate-io/syncgate/internal/auth"
	"github.com/syncgate-io/syncgate/internal/registry"
	"github.com/syncgate-io/syncgate/internal/router"
	"github.com/syncgate-io/syncgate/internal/syncengine"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins    []string
	MaxFrameBytes     int64         // max WebSocket frame size (default 64KB)
	AuthFrameDeadline time.Duration // time allowed for the first auth frame (default 5s)
}

// Gateway is the single entry point for duplex connections.
type Gateway struct {
	bridge   *auth.Bridge
	registry *registry.Registry
	manager  *registry.Manager
	router   *router.Router
	engine   *syncengine.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxFrameBytes int64
	authDeadline  time.Duration
}

// New creates a Gateway composing the bridge, registry, manager, router, and
// sync engine.
func New(bridge *auth.Bridge, reg *registry.Registry, mgr *registry.Manager, rt *router.Router, eng *syncengine.Engine, logger *slog.Logger, opts Options) *Gateway {
	frameLimit := opts.MaxFrameBytes
	if frameLimit == 0 {
		frameLimit = 64 * 1024
	}
	authDeadline := opts.AuthFrameDeadline
	if authDeadline == 0 {
		authDeadline = 5 * time.Second
	}
	return &Gateway{
		bridge:        bridge,
		registry:      reg,
		manager:       mgr,
		router:        rt,
		engine:        eng,
		logger:        logger.With("component", "gateway"),
		upgrader:      makeUpgrader(opts.AllowedOrigins),
		maxFrameBytes: frameLimit,
		authDeadline:  authDeadline,
	}
}

// HandleWS serves GET /ws/{role}/{connID}. The first frame on the connection
// must be an auth message; anything else closes the connection before it can
// reach the router or engine.
func (g *Gateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	role := protocol.Role(chi.URLParam(req, "role"))
	connID := chi.URLParam(req, "connID")

	if !role.Valid() || connID == "" {
		http.Error(w, "unknown deployment role", http.StatusNotFound)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(g.maxFrameBytes)
	sender := newWSSender(conn)

	assertion, ok := g.handshake(req.Context(), conn, sender, role, connID)
	if !ok {
		return
	}

	c := &registry.Connection{
		ID:            connID,
		UserID:        assertion.UserID,
		Role:          role,
		EstablishedAt: time.Now(),
		Authenticated: true,
		Sender:        sender,
	}
	c.BindAssertion(assertion.ID)
	if err := g.registry.Register(c); err != nil {
		// Caller-generated IDs must be unique; a collision is a client bug.
		g.bridge.Release(assertion.ID)
		g.logger.Warn("connection id collision, rejecting",
			"conn_id", connID, "user_id", assertion.UserID, "role", role)
		g.sendError(sender, role, protocol.CodeDuplicateConn, "connection id already in use")
		sender.Close("duplicate connection id")
		return
	}
	g.manager.OnConnect(connID)

	stopKeepalive := sender.keepalive()
	defer stopKeepalive()

	g.sendAck(sender, c, assertion)
	g.router.AnnouncePresence(req.Context(), protocol.PresenceEvent{
		ConnectionID: connID,
		UserID:       assertion.UserID,
		Role:         role,
		Online:       true,
		Reason:       "connect",
	})

	g.logger.Info("client connected", "conn_id", connID, "user_id", assertion.UserID, "role", role)

	reason := "close"
	defer func() {
		g.bridge.Release(c.AssertionID())
		if g.registry.Unregister(connID) != nil {
			g.router.AnnouncePresence(context.Background(), protocol.PresenceEvent{
				ConnectionID: connID,
				UserID:       c.UserID,
				Role:         role,
				Online:       false,
				Reason:       reason,
			})
		}
		g.logger.Info("client disconnected", "conn_id", connID, "user_id", c.UserID, "reason", reason)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed input is replied to the sender only; the connection
			// stays open.
			g.sendError(sender, role, protocol.CodeMalformed, "unparseable frame")
			continue
		}

		if assertion.Expired(time.Now()) {
			g.sendError(sender, role, protocol.CodeExpired, "identity assertion expired")
			reason = "auth_expired"
			sender.Close("assertion expired")
			return
		}

		switch env.Type {
		case protocol.TypeHeartbeat:
			g.manager.OnHeartbeat(connID)
			g.sendType(sender, role, protocol.TypeHeartbeatAck, nil)

		case protocol.TypeAuth:
			// Assertion refresh before expiry.
			refreshed, ok := g.refresh(req.Context(), sender, role, connID, env)
			if !ok {
				reason = "auth_failed"
				sender.Close("authentication failed")
				return
			}
			g.bridge.Release(assertion.ID)
			assertion = refreshed
			c.BindAssertion(refreshed.ID)
			g.sendAck(sender, c, assertion)

		case protocol.TypeSyncRequest:
			g.handleSyncRequest(req.Context(), sender, c, env)

		case protocol.TypeBroadcast, protocol.TypeDirected:
			env.SourceRole = role
			if _, err := g.router.Route(req.Context(), env, connID); err != nil {
				g.sendError(sender, role, protocol.CodeBadTarget, err.Error())
			}

		default:
			g.sendError(sender, role, protocol.CodeMalformed, "unexpected message type "+env.Type)
		}
	}
}

// handshake reads and validates the mandatory first auth frame.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn, sender *wsSender, role protocol.Role, connID string) (*auth.Assertion, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(g.authDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		g.logger.Debug("auth frame read failed", "conn_id", connID, "error", err)
		return nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeAuth {
		g.sendError(sender, role, protocol.CodeUnauthenticated, "first frame must be auth")
		sender.Close("unauthenticated")
		return nil, false
	}

	assertion, ok := g.authenticate(ctx, sender, role, connID, env)
	if !ok {
		sender.Close("authentication failed")
		return nil, false
	}
	return assertion, true
}

func (g *Gateway) authenticate(ctx context.Context, sender *wsSender, role protocol.Role, connID string, env *protocol.Envelope) (*auth.Assertion, bool) {
	var req protocol.AuthRequest
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(sender, role, protocol.CodeMalformed, "malformed auth payload")
		return nil, false
	}

	creds, err := auth.CredentialsForRole(role, req.Token)
	if err != nil {
		g.sendError(sender, role, protocol.CodeUnknownRole, "unknown deployment role")
		return nil, false
	}

	assertion, err := g.bridge.Authenticate(ctx, role, creds)
	if err != nil {
		g.sendError(sender, role, authErrorCode(err), "authentication failed")
		return nil, false
	}

	if err := g.bridge.Bind(assertion.ID, connID); err != nil {
		g.sendError(sender, role, protocol.CodeInvalidCredentials, "assertion already in use")
		return nil, false
	}
	return assertion, true
}

// refresh re-authenticates an established connection in place.
func (g *Gateway) refresh(ctx context.Context, sender *wsSender, role protocol.Role, connID string, env *protocol.Envelope) (*auth.Assertion, bool) {
	return g.authenticate(ctx, sender, role, connID, env)
}

// handleSyncRequest runs a write through the engine and distributes the
// engine's output, never the raw request, to the owning user's connections.
func (g *Gateway) handleSyncRequest(ctx context.Context, sender *wsSender, c *registry.Connection, env *protocol.Envelope) {
	var req protocol.SyncRequest
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(sender, c.Role, protocol.CodeMalformed, "malformed sync payload")
		return
	}
	if req.Key == "" {
		g.sendError(sender, c.Role, protocol.CodeMalformed, "sync key is required")
		return
	}

	result, err := g.engine.ApplyWrite(ctx, syncengine.Write{
		UserID:    c.UserID,
		Key:       req.Key,
		Value:     req.Value,
		Version:   req.Version,
		Scope:     req.Scope,
		Tombstone: req.Tombstone,
		Writer:    c.Role,
	})
	if err != nil {
		g.logger.Warn("sync write failed", "conn_id", c.ID, "key", req.Key, "error", err)
		g.sendError(sender, c.Role, protocol.CodeMalformed, "sync write failed")
		return
	}

	out, err := protocol.NewEnvelope(protocol.TypeSyncResult, c.Role, result.Payload)
	if err != nil {
		g.logger.Warn("marshal sync result", "key", req.Key, "error", err)
		return
	}
	g.router.DeliverToUser(ctx, c.UserID, out)
}

func (g *Gateway) sendAck(sender *wsSender, c *registry.Connection, assertion *auth.Assertion) {
	g.sendType(sender, c.Role, protocol.TypeAuthAck, protocol.AuthAck{
		ConnectionID:      c.ID,
		UserID:            assertion.UserID,
		HeartbeatInterval: g.manager.Interval().String(),
		AssertionExpires:  assertion.ExpiresAt,
	})
}

func (g *Gateway) sendError(sender *wsSender, role protocol.Role, code, message string) {
	g.sendType(sender, role, protocol.TypeError, protocol.ErrorReply{Code: code, Message: message})
}

func (g *Gateway) sendType(sender *wsSender, role protocol.Role, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, role, payload)
	if err != nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	_ = sender.Send(data)
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return protocol.CodeExpired
	case errors.Is(err, auth.ErrUnknownRole):
		return protocol.CodeUnknownRole
	default:
		return protocol.CodeInvalidCredentials
	}
}
