package registry

import (
	"context"
	"log/slog"
	"time"
)

// EvictionHandler consumes the synthetic disconnected event produced when a
// silent connection is evicted, so dependent state (presence) can be
// broadcast.
type EvictionHandler func(conn *Connection, backoffHint time.Duration)

// Manager owns the lifecycle policy on top of the Registry: heartbeat
// scheduling, timeout eviction, and reconnect backoff guidance. Sweep is the
// only path allowed to unregister a connection for inactivity; explicit
// client-initiated closes go through the gateway directly.
type Manager struct {
	registry *Registry
	logger   *slog.Logger

	interval time.Duration
	timeout  time.Duration

	onEvict EvictionHandler
}

// NewManager creates a lifecycle manager. Timeout is interval × multiple of
// heartbeat silence.
func NewManager(r *Registry, interval time.Duration, timeoutMultiple int, onEvict EvictionHandler, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeoutMultiple <= 0 {
		timeoutMultiple = 3
	}
	return &Manager{
		registry: r,
		logger:   logger.With("component", "connmgr"),
		interval: interval,
		timeout:  interval * time.Duration(timeoutMultiple),
		onEvict:  onEvict,
	}
}

// Interval returns the heartbeat interval clients are expected to honor.
func (m *Manager) Interval() time.Duration { return m.interval }

// OnConnect starts heartbeat tracking for a freshly registered connection.
func (m *Manager) OnConnect(connID string) {
	if conn := m.registry.Find(connID); conn != nil {
		conn.Heartbeat(time.Now())
	}
}

// OnHeartbeat records an inbound heartbeat.
func (m *Manager) OnHeartbeat(connID string) {
	if conn := m.registry.Find(connID); conn != nil {
		conn.Heartbeat(time.Now())
	}
}

// Sweep evicts every connection silent for longer than the timeout and
// returns the evicted connection ids. It only reads and writes registry
// bookkeeping; transport teardown happens via the connection's Sender.
func (m *Manager) Sweep() []string {
	cutoff := time.Now().Add(-m.timeout)
	var evicted []string

	for _, conn := range m.registry.All() {
		if conn.LastHeartbeat().After(cutoff) {
			continue
		}
		if m.registry.Unregister(conn.ID) == nil {
			continue // raced with an explicit close
		}
		evicted = append(evicted, conn.ID)
		m.logger.Info("evicted silent connection",
			"conn_id", conn.ID, "user_id", conn.UserID, "role", conn.Role,
			"last_heartbeat", conn.LastHeartbeat())

		hint := m.BackoffHint(1)
		if conn.Sender != nil {
			conn.Sender.Close("heartbeat timeout")
		}
		if m.onEvict != nil {
			m.onEvict(conn, hint)
		}
	}
	return evicted
}

// Run invokes Sweep on a recurring schedule until the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// BackoffHint returns the reconnect delay a client should wait before its
// n-th attempt: exponential from the heartbeat interval, capped at 5 minutes.
func (m *Manager) BackoffHint(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	hint := m.interval
	for i := 1; i < attempt; i++ {
		hint *= 2
		if hint >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return hint
}
