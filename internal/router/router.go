// Package router determines the destination set of an inbound message
// (broadcast, role-targeted, or user-targeted) and delivers it through the
// connection registry. Each delivery attempt is independent; one unreachable
// recipient never fails the whole call.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syncgate-io/syncgate/internal/registry"
	"github.com/syncgate-io/syncgate/internal/store"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// ErrBadTarget is returned when a message's target set violates the shape
// rules: directed needs exactly one target, broadcast none.
var ErrBadTarget = errors.New("invalid message target")

// Delivery records one delivery attempt.
type Delivery struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

// DeliveryResult itemizes what happened to a routed message. Partial success
// is the norm; failures are recorded per recipient and never dropped.
type DeliveryResult struct {
	MessageID  string     `json:"message_id"`
	Recipients int        `json:"recipients"`
	Delivered  int        `json:"delivered"`
	Failed     int        `json:"failed"`
	Deliveries []Delivery `json:"deliveries,omitempty"`
}

// Options configures the Router.
type Options struct {
	HistoryEnabled bool // mirror routed messages into the store's audit buffer
}

// Router routes messages between live connections.
type Router struct {
	registry *registry.Registry
	store    store.Store
	logger   *slog.Logger
	history  bool
}

// New creates a Router. The store may be nil when history is disabled.
func New(reg *registry.Registry, s store.Store, logger *slog.Logger, opts Options) *Router {
	return &Router{
		registry: reg,
		store:    s,
		logger:   logger.With("component", "router"),
		history:  opts.HistoryEnabled && s != nil,
	}
}

// Route delivers env to its destination set. senderConnID is excluded from
// broadcasts. Zero recipients is not an error; the result just notes it.
func (r *Router) Route(ctx context.Context, env *protocol.Envelope, senderConnID string) (*DeliveryResult, error) {
	var targets []*registry.Connection

	switch env.Type {
	case protocol.TypeBroadcast:
		if env.TargetRole != "" || env.TargetUserID != "" {
			return nil, ErrBadTarget
		}
		for _, c := range r.registry.All() {
			if c.ID != senderConnID {
				targets = append(targets, c)
			}
		}

	case protocol.TypeDirected:
		switch {
		case env.TargetUserID != "" && env.TargetRole != "":
			return nil, ErrBadTarget
		case env.TargetUserID != "":
			targets = r.registry.FindByUser(env.TargetUserID)
		case env.TargetRole != "":
			if !env.TargetRole.Valid() {
				return nil, ErrBadTarget
			}
			targets = r.registry.FindByRole(env.TargetRole)
		default:
			return nil, ErrBadTarget
		}

	default:
		// Presence, sync results, and other gateway-generated messages are
		// routed through the dedicated helpers below.
		return nil, ErrBadTarget
	}

	r.record(ctx, env)
	return r.deliver(env, targets), nil
}

// DeliverToUser sends env to every connection registered under userID. The
// sync engine's output re-enters distribution here so every one of the owning
// user's deployments, losing writer included, converges.
func (r *Router) DeliverToUser(ctx context.Context, userID string, env *protocol.Envelope) *DeliveryResult {
	r.record(ctx, env)
	return r.deliver(env, r.registry.FindByUser(userID))
}

// AnnouncePresence broadcasts a connect/disconnect event to every live
// connection except the subject itself.
func (r *Router) AnnouncePresence(ctx context.Context, event protocol.PresenceEvent) {
	env, err := protocol.NewEnvelope(protocol.TypePresence, event.Role, event)
	if err != nil {
		r.logger.Warn("marshal presence event", "error", err)
		return
	}
	var targets []*registry.Connection
	for _, c := range r.registry.All() {
		if c.ID != event.ConnectionID {
			targets = append(targets, c)
		}
	}
	r.deliver(env, targets)
}

func (r *Router) deliver(env *protocol.Envelope, targets []*registry.Connection) *DeliveryResult {
	result := &DeliveryResult{
		MessageID:  env.MessageID,
		Recipients: len(targets),
	}

	data, err := env.Encode()
	if err != nil {
		r.logger.Warn("marshal envelope", "message_id", env.MessageID, "error", err)
		for _, c := range targets {
			result.Failed++
			result.Deliveries = append(result.Deliveries, Delivery{
				ConnectionID: c.ID, UserID: c.UserID, OK: false, Error: "encode failed",
			})
		}
		return result
	}

	for _, c := range targets {
		d := Delivery{ConnectionID: c.ID, UserID: c.UserID, OK: true}
		if c.Sender == nil {
			d.OK, d.Error = false, "no transport"
		} else if err := c.Sender.Send(data); err != nil {
			d.OK, d.Error = false, err.Error()
		}
		if d.OK {
			result.Delivered++
		} else {
			result.Failed++
			r.logger.Debug("delivery failed",
				"message_id", env.MessageID, "conn_id", c.ID, "error", d.Error)
		}
		result.Deliveries = append(result.Deliveries, d)
	}
	return result
}

// record mirrors a routed message into the bounded audit buffer.
func (r *Router) record(ctx context.Context, env *protocol.Envelope) {
	if !r.history {
		return
	}
	id := env.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	err := r.store.AppendHistory(ctx, &store.HistoryEntry{
		ID:           id,
		Type:         env.Type,
		SourceRole:   env.SourceRole,
		TargetRole:   env.TargetRole,
		TargetUserID: env.TargetUserID,
		Payload:      env.Payload,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		r.logger.Warn("append message history", "message_id", id, "error", err)
	}
}
