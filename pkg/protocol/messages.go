// Package protocol defines the wire protocol exchanged between the gateway
// and its client deployments (web, browser extension, local installation,
// hybrid) over WebSocket.
//
// All frames are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Role identifies which deployment a connection belongs to.
type Role string

const (
	RoleWeb              Role = "web"
	RoleBrowserExtension Role = "browser_extension"
	RoleLocalInstall     Role = "local_installation"
	RoleHybrid           Role = "hybrid"
)

// Roles lists every known deployment role.
var Roles = []Role{RoleWeb, RoleBrowserExtension, RoleLocalInstall, RoleHybrid}

// Valid reports whether r is one of the known deployment roles.
func (r Role) Valid() bool {
	switch r {
	case RoleWeb, RoleBrowserExtension, RoleLocalInstall, RoleHybrid:
		return true
	}
	return false
}

// Message types carried in Envelope.Type.
const (
	TypeAuth         = "auth"
	TypeAuthAck      = "auth_ack"
	TypeBroadcast    = "broadcast"
	TypeDirected     = "directed"
	TypeSyncRequest  = "sync_request"
	TypeSyncResult   = "sync_result"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypePresence     = "presence"
	TypeError        = "error"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	MessageID    string          `json:"message_id"`
	Type         string          `json:"type"`
	SourceRole   Role            `json:"source_role,omitempty"`
	TargetRole   Role            `json:"target_role,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// --- Handshake ---

// AuthRequest must be the first frame on any connection.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthAck confirms a successful handshake and carries session parameters.
type AuthAck struct {
	ConnectionID      string    `json:"connection_id"`
	UserID            string    `json:"user_id"`
	HeartbeatInterval string    `json:"heartbeat_interval"` // duration string, e.g. "30s"
	AssertionExpires  time.Time `json:"assertion_expires"`
}

// --- Sync flow ---

// SyncRequest proposes a write to a named, versioned state entry.
type SyncRequest struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	Scope     string          `json:"scope,omitempty"` // "user" (default), "system", "deployment"
	Tombstone bool            `json:"tombstone,omitempty"`
}

// SyncResultPayload reports the outcome of a sync write to every connection
// of the owning user, losing writer included.
type SyncResultPayload struct {
	Key       string          `json:"key"`
	Outcome   string          `json:"outcome"` // "applied", "conflict_resolved", "fast_forward"
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	Writer    Role            `json:"writer"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Conflict  *ConflictNotice `json:"conflict,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConflictNotice tells the losing writer what happened to its write.
type ConflictNotice struct {
	ConflictID      string `json:"conflict_id"`
	Key             string `json:"key"`
	Strategy        string `json:"strategy"` // "last-write-wins", "version-priority", "manual"
	LosingRole      Role   `json:"losing_role"`
	LosingVersion   int64  `json:"losing_version"`
	AcceptedVersion int64  `json:"accepted_version"`
	Pending         bool   `json:"pending,omitempty"` // true when parked for manual resolution
}

// --- Presence ---

// PresenceEvent announces a connection coming or going, so peers can keep a
// "who is online" view without polling.
type PresenceEvent struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Role         Role   `json:"role"`
	Online       bool   `json:"online"`
	Reason       string `json:"reason,omitempty"` // "connect", "close", "evicted", "auth_expired"
	BackoffHint  string `json:"backoff_hint,omitempty"`
}

// --- Errors ---

// ErrorReply carries a recoverable error back to the offending sender only.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorReply.Code.
const (
	CodeMalformed          = "malformed_message"
	CodeInvalidCredentials = "invalid_credentials"
	CodeExpired            = "expired"
	CodeUnknownRole        = "unknown_role"
	CodeUnauthenticated    = "unauthenticated"
	CodeDuplicateConn      = "duplicate_connection_id"
	CodeBadTarget          = "bad_target"
)
