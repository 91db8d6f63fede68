// Package registry tracks every live duplex connection and owns the
// liveness policy layer on top of it: heartbeat bookkeeping, timeout
// eviction, and reconnect backoff guidance.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// ErrDuplicateID is returned when a caller-generated connection id collides
// with a live connection. IDs must be unique; collision is a caller bug.
var ErrDuplicateID = errors.New("duplicate connection id")

// Sender writes frames to a connection's transport. Installed by the gateway
// when the transport is established; the registry never touches payloads.
type Sender interface {
	Send(data []byte) error
	Close(reason string)
}

// Connection is one live duplex session. Identity fields are immutable after
// registration; the heartbeat timestamp and the assertion binding are mutated
// only through their methods, so the eviction sweep can read them while the
// read loop refreshes credentials.
type Connection struct {
	ID            string
	UserID        string
	Role          protocol.Role
	EstablishedAt time.Time
	Authenticated bool
	Sender        Sender

	mu            sync.Mutex
	assertionID   string
	lastHeartbeat time.Time
}

// Heartbeat records liveness at the given instant.
func (c *Connection) Heartbeat(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = at
	c.mu.Unlock()
}

// LastHeartbeat returns the most recent liveness timestamp.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// BindAssertion records the identity assertion backing the connection. Called
// once before registration and again on every in-place auth refresh.
func (c *Connection) BindAssertion(id string) {
	c.mu.Lock()
	c.assertionID = id
	c.mu.Unlock()
}

// AssertionID returns the assertion currently backing the connection.
func (c *Connection) AssertionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assertionID
}

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry is the process-wide connection table, sharded by connection id so
// register/unregister/lookup never block unrelated connections. It is an
// injectable component, not a singleton: tests instantiate isolated
// registries per case.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(connID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(connID))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a connection. A live connection with the same id makes this
// fail with ErrDuplicateID; the caller logs and rejects the connection.
func (r *Registry) Register(conn *Connection) error {
	s := r.shardFor(conn.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn.ID]; ok {
		return ErrDuplicateID
	}
	s.conns[conn.ID] = conn
	return nil
}

// Unregister removes a connection and returns it, or nil if unknown.
func (r *Registry) Unregister(connID string) *Connection {
	s := r.shardFor(connID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connID]
	if !ok {
		return nil
	}
	delete(s.conns, connID)
	return conn
}

// Find returns the connection with the given id, or nil.
func (r *Registry) Find(connID string) *Connection {
	s := r.shardFor(connID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[connID]
}

// FindByRole returns every live connection of the given role, across users.
func (r *Registry) FindByRole(role protocol.Role) []*Connection {
	var out []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			if c.Role == role {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// FindByUser returns every live connection of the given user, across roles.
func (r *Registry) FindByUser(userID string) []*Connection {
	var out []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			if c.UserID == userID {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	var out []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}

// Counts returns the number of live connections per role.
func (r *Registry) Counts() map[protocol.Role]int {
	counts := make(map[protocol.Role]int, len(protocol.Roles))
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			counts[c.Role]++
		}
		s.mu.RUnlock()
	}
	return counts
}

// Len returns the total number of live connections.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}
