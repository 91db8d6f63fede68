// Package store defines the persistence interface for the gateway and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// Store is the durable storage collaborator. It is consulted by the sync
// engine for user- and system-scoped entries, by the builtin identity
// provider for users and API keys, and by the router's bounded history
// buffer. Deployment-scoped sync entries never reach it.
type Store interface {
	// Users (builtin identity provider)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// API keys (local_installation credentials)
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error

	// Sync entries
	UpsertSyncEntry(ctx context.Context, entry *SyncEntry) error
	GetSyncEntry(ctx context.Context, userID, key string) (*SyncEntry, error)
	ListSyncEntries(ctx context.Context, userID string) ([]SyncEntry, error)

	// Conflict records (manual resolution queue)
	CreateConflict(ctx context.Context, rec *ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	ListPendingConflicts(ctx context.Context, userID string) ([]ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id string, acceptedVersion int64, resolvedAt time.Time) error

	// Message history (bounded audit buffer)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
	PurgeHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
	TrimHistory(ctx context.Context, keep int) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is an account known to the builtin identity provider.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey authenticates a local_installation deployment. Only the hash of the
// secret half is stored.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// SyncEntry is a named, versioned piece of shared state owned by one user.
// Deletion is a versioned write with Tombstone set, never a row delete.
type SyncEntry struct {
	UserID     string          `json:"user_id"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Version    int64           `json:"version"`
	Scope      string          `json:"scope"` // "user", "system", "deployment"
	LastWriter protocol.Role   `json:"last_writer"`
	Tombstone  bool            `json:"tombstone"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ConflictRecord captures two writes to the same key racing. Records for the
// "manual" strategy stay pending until an operator resolves them.
type ConflictRecord struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Key             string          `json:"key"`
	Strategy        string          `json:"strategy"`
	WinningRole     protocol.Role   `json:"winning_role"`
	AcceptedVersion int64           `json:"accepted_version"`
	LosingRole      protocol.Role   `json:"losing_role"`
	LosingVersion   int64           `json:"losing_version"`
	LosingValue     json.RawMessage `json:"losing_value"`
	Status          string          `json:"status"` // "pending" or "resolved"
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      time.Time       `json:"resolved_at,omitempty"`
}

// HistoryEntry is one routed message retained for audit/debugging. The buffer
// is bounded; old rows are purged by retention and by the row cap.
type HistoryEntry struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	SourceRole   protocol.Role   `json:"source_role"`
	TargetRole   protocol.Role   `json:"target_role,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
