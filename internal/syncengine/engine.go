// Package syncengine reconciles writes to named, versioned state entries
// shared across a user's deployments. All writes to one key are serialized
// behind a per-key lock so the version-check-then-increment is atomic;
// writes to different keys proceed independently.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncgate-io/syncgate/internal/store"
	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// Outcomes of ApplyWrite.
const (
	OutcomeApplied          = "applied"
	OutcomeConflictResolved = "conflict_resolved"
	OutcomeFastForward      = "fast_forward"
)

// Resolution strategies.
const (
	StrategyLastWriteWins   = "last-write-wins"
	StrategyVersionPriority = "version-priority"
	StrategyManual          = "manual"
)

// Scopes of a sync entry.
const (
	ScopeUser       = "user"
	ScopeSystem     = "system"
	ScopeDeployment = "deployment" // memory-only, never persisted
)

var ErrConflictNotFound = errors.New("conflict record not found")

// Write is one proposed change to a sync entry. WrittenAt is the writer's
// wall clock; zero means "now".
type Write struct {
	UserID    string
	Key       string
	Value     json.RawMessage
	Version   int64
	Scope     string
	Tombstone bool
	Writer    protocol.Role
	WrittenAt time.Time
}

// Result is the reconciled outcome of a write. Payload is ready for the
// router to distribute to every connection of the owning user.
type Result struct {
	Outcome string
	Entry   store.SyncEntry
	Payload protocol.SyncResultPayload
}

// Options configures the Engine.
type Options struct {
	Strategy     string
	RolePriority []protocol.Role // most authoritative first
}

// Engine owns all sync entries. User- and system-scoped entries are read
// through from and written back to the store; deployment-scoped entries live
// only in memory.
type Engine struct {
	store    store.Store
	logger   *slog.Logger
	strategy string
	priority map[protocol.Role]int // higher wins
	now      func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	entries map[string]*store.SyncEntry
}

// New creates a sync engine. The store may be nil; everything then stays in
// memory, including user-scoped entries.
func New(s store.Store, logger *slog.Logger, opts Options) *Engine {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyLastWriteWins
	}
	order := opts.RolePriority
	if len(order) == 0 {
		order = []protocol.Role{
			protocol.RoleHybrid,
			protocol.RoleLocalInstall,
			protocol.RoleWeb,
			protocol.RoleBrowserExtension,
		}
	}
	priority := make(map[protocol.Role]int, len(order))
	for i, role := range order {
		priority[role] = len(order) - i
	}

	return &Engine{
		store:    s,
		logger:   logger.With("component", "syncengine"),
		strategy: strategy,
		priority: priority,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
		entries:  make(map[string]*store.SyncEntry),
	}
}

func entryKey(userID, key string) string {
	return userID + "\x00" + key
}

// lockKey returns the mutex serializing all writes to one user's key.
func (e *Engine) lockKey(ek string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[ek]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ek] = l
	}
	return l
}

// ApplyWrite merges a proposed write against the last known version of its
// entry and produces a resolution plus a change notification for the router
// to distribute.
//
//   - proposed == current+1: accepted, version increments.
//   - proposed <= current: conflict; the configured strategy resolves it and
//     a conflict record rides along so the losing client can reconcile.
//   - proposed > current+1: accepted but flagged fast_forward, so unusual
//     jumps (offline replay after reconnect) stay auditable.
func (e *Engine) ApplyWrite(ctx context.Context, w Write) (*Result, error) {
	if w.Scope == "" {
		w.Scope = ScopeUser
	}
	if w.WrittenAt.IsZero() {
		w.WrittenAt = e.now()
	}

	ek := entryKey(w.UserID, w.Key)
	lock := e.lockKey(ek)
	lock.Lock()
	defer lock.Unlock()

	cur, err := e.load(ctx, ek, w.UserID, w.Key)
	if err != nil {
		return nil, err
	}

	var curVersion int64
	if cur != nil {
		curVersion = cur.Version
	}

	switch {
	case w.Version == curVersion+1:
		return e.accept(ctx, ek, w, w.Version, OutcomeApplied, nil)
	case w.Version > curVersion+1:
		return e.accept(ctx, ek, w, w.Version, OutcomeFastForward, nil)
	default:
		return e.resolveConflict(ctx, ek, cur, w)
	}
}

// Delete applies a tombstone write; it follows the same versioning and
// conflict rules as any other write.
func (e *Engine) Delete(ctx context.Context, w Write) (*Result, error) {
	w.Tombstone = true
	w.Value = json.RawMessage("null")
	return e.ApplyWrite(ctx, w)
}

// accept installs the write as the entry's new state.
func (e *Engine) accept(ctx context.Context, ek string, w Write, version int64, outcome string, notice *protocol.ConflictNotice) (*Result, error) {
	entry := &store.SyncEntry{
		UserID:     w.UserID,
		Key:        w.Key,
		Value:      w.Value,
		Version:    version,
		Scope:      w.Scope,
		LastWriter: w.Writer,
		Tombstone:  w.Tombstone,
		UpdatedAt:  e.now(),
	}

	if e.store != nil && entry.Scope != ScopeDeployment {
		if err := e.store.UpsertSyncEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("persist sync entry: %w", err)
		}
	}

	e.mu.Lock()
	e.entries[ek] = entry
	e.mu.Unlock()

	return &Result{
		Outcome: outcome,
		Entry:   *entry,
		Payload: protocol.SyncResultPayload{
			Key:       entry.Key,
			Outcome:   outcome,
			Value:     entry.Value,
			Version:   entry.Version,
			Writer:    entry.LastWriter,
			Tombstone: entry.Tombstone,
			Conflict:  notice,
			UpdatedAt: entry.UpdatedAt,
		},
	}, nil
}

// resolveConflict handles a write whose proposed version does not advance the
// entry. The losing side is never discarded silently.
func (e *Engine) resolveConflict(ctx context.Context, ek string, cur *store.SyncEntry, w Write) (*Result, error) {
	if cur == nil {
		// A version of 0 or below against an absent entry; treat the absent
		// entry as the incumbent at version 0 with no writer.
		cur = &store.SyncEntry{UserID: w.UserID, Key: w.Key, Scope: w.Scope}
	}

	if e.strategy == StrategyManual {
		return e.parkWrite(ctx, cur, w)
	}

	incomingWins := false
	switch e.strategy {
	case StrategyVersionPriority:
		switch {
		case w.Version > cur.Version:
			incomingWins = true
		case w.Version == cur.Version:
			incomingWins = e.priority[w.Writer] > e.priority[cur.LastWriter]
		}
	default: // last-write-wins
		switch {
		case w.WrittenAt.After(cur.UpdatedAt):
			incomingWins = true
		case w.WrittenAt.Equal(cur.UpdatedAt):
			incomingWins = e.priority[w.Writer] > e.priority[cur.LastWriter]
		}
	}

	if incomingWins {
		notice := &protocol.ConflictNotice{
			ConflictID:      uuid.New().String(),
			Key:             w.Key,
			Strategy:        e.strategy,
			LosingRole:      cur.LastWriter,
			LosingVersion:   cur.Version,
			AcceptedVersion: cur.Version + 1,
		}
		return e.accept(ctx, ek, w, cur.Version+1, OutcomeConflictResolved, notice)
	}

	// The stored value stands; report the incoming write as the loser so its
	// client can reconcile.
	notice := &protocol.ConflictNotice{
		ConflictID:      uuid.New().String(),
		Key:             w.Key,
		Strategy:        e.strategy,
		LosingRole:      w.Writer,
		LosingVersion:   w.Version,
		AcceptedVersion: cur.Version,
	}
	return &Result{
		Outcome: OutcomeConflictResolved,
		Entry:   *cur,
		Payload: protocol.SyncResultPayload{
			Key:       cur.Key,
			Outcome:   OutcomeConflictResolved,
			Value:     cur.Value,
			Version:   cur.Version,
			Writer:    cur.LastWriter,
			Tombstone: cur.Tombstone,
			Conflict:  notice,
			UpdatedAt: cur.UpdatedAt,
		},
	}, nil
}

// parkWrite queues a conflicting write for operator resolution instead of
// blocking the call. The stored value stands until the record is resolved.
func (e *Engine) parkWrite(ctx context.Context, cur *store.SyncEntry, w Write) (*Result, error) {
	rec := &store.ConflictRecord{
		ID:              uuid.New().String(),
		UserID:          w.UserID,
		Key:             w.Key,
		Strategy:        StrategyManual,
		WinningRole:     cur.LastWriter,
		AcceptedVersion: cur.Version,
		LosingRole:      w.Writer,
		LosingVersion:   w.Version,
		LosingValue:     w.Value,
		Status:          "pending",
		CreatedAt:       e.now(),
	}
	if e.store != nil {
		if err := e.store.CreateConflict(ctx, rec); err != nil {
			return nil, fmt.Errorf("park conflict: %w", err)
		}
	}

	notice := &protocol.ConflictNotice{
		ConflictID:      rec.ID,
		Key:             w.Key,
		Strategy:        StrategyManual,
		LosingRole:      w.Writer,
		LosingVersion:   w.Version,
		AcceptedVersion: cur.Version,
		Pending:         true,
	}
	return &Result{
		Outcome: OutcomeConflictResolved,
		Entry:   *cur,
		Payload: protocol.SyncResultPayload{
			Key:       cur.Key,
			Outcome:   OutcomeConflictResolved,
			Value:     cur.Value,
			Version:   cur.Version,
			Writer:    cur.LastWriter,
			Tombstone: cur.Tombstone,
			Conflict:  notice,
			UpdatedAt: cur.UpdatedAt,
		},
	}, nil
}

// ResolveConflict settles a pending manual conflict. With acceptParked true
// the parked write is applied as a fresh version; otherwise the stored value
// is confirmed. Either way the record leaves the pending queue and the
// returned result is distributed to the owning user.
func (e *Engine) ResolveConflict(ctx context.Context, id string, acceptParked bool) (*Result, error) {
	if e.store == nil {
		return nil, ErrConflictNotFound
	}
	rec, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	if rec == nil || rec.Status != "pending" {
		return nil, ErrConflictNotFound
	}

	ek := entryKey(rec.UserID, rec.Key)
	lock := e.lockKey(ek)
	lock.Lock()
	defer lock.Unlock()

	cur, err := e.load(ctx, ek, rec.UserID, rec.Key)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		cur = &store.SyncEntry{UserID: rec.UserID, Key: rec.Key, Scope: ScopeUser}
	}

	var result *Result
	if acceptParked {
		w := Write{
			UserID:  rec.UserID,
			Key:     rec.Key,
			Value:   rec.LosingValue,
			Scope:   cur.Scope,
			Writer:  rec.LosingRole,
			Version: cur.Version + 1,
		}
		notice := &protocol.ConflictNotice{
			ConflictID:      rec.ID,
			Key:             rec.Key,
			Strategy:        StrategyManual,
			LosingRole:      cur.LastWriter,
			LosingVersion:   cur.Version,
			AcceptedVersion: cur.Version + 1,
		}
		result, err = e.accept(ctx, ek, w, cur.Version+1, OutcomeConflictResolved, notice)
		if err != nil {
			return nil, err
		}
	} else {
		notice := &protocol.ConflictNotice{
			ConflictID:      rec.ID,
			Key:             rec.Key,
			Strategy:        StrategyManual,
			LosingRole:      rec.LosingRole,
			LosingVersion:   rec.LosingVersion,
			AcceptedVersion: cur.Version,
		}
		result = &Result{
			Outcome: OutcomeConflictResolved,
			Entry:   *cur,
			Payload: protocol.SyncResultPayload{
				Key:       cur.Key,
				Outcome:   OutcomeConflictResolved,
				Value:     cur.Value,
				Version:   cur.Version,
				Writer:    cur.LastWriter,
				Tombstone: cur.Tombstone,
				Conflict:  notice,
				UpdatedAt: cur.UpdatedAt,
			},
		}
	}

	if err := e.store.MarkConflictResolved(ctx, rec.ID, result.Entry.Version, e.now()); err != nil {
		return nil, fmt.Errorf("mark conflict resolved: %w", err)
	}
	return result, nil
}

// ListPendingConflicts returns the manual-resolution queue; empty userID
// means all users.
func (e *Engine) ListPendingConflicts(ctx context.Context, userID string) ([]store.ConflictRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListPendingConflicts(ctx, userID)
}

// Get returns the current state of one entry, or nil.
func (e *Engine) Get(ctx context.Context, userID, key string) (*store.SyncEntry, error) {
	ek := entryKey(userID, key)
	lock := e.lockKey(ek)
	lock.Lock()
	defer lock.Unlock()
	entry, err := e.load(ctx, ek, userID, key)
	if err != nil || entry == nil {
		return nil, err
	}
	cp := *entry
	return &cp, nil
}

// Snapshot returns the version of every entry the engine has touched, keyed
// "userID/key", for the status surface.
func (e *Engine) Snapshot() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(e.entries))
	for _, entry := range e.entries {
		out[entry.UserID+"/"+entry.Key] = entry.Version
	}
	return out
}

// load reads through the in-memory cache to the store. Caller holds the
// per-key lock.
func (e *Engine) load(ctx context.Context, ek, userID, key string) (*store.SyncEntry, error) {
	e.mu.Lock()
	entry, ok := e.entries[ek]
	e.mu.Unlock()
	if ok {
		return entry, nil
	}

	if e.store == nil {
		return nil, nil
	}
	entry, err := e.store.GetSyncEntry(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("load sync entry: %w", err)
	}
	if entry != nil {
		e.mu.Lock()
		e.entries[ek] = entry
		e.mu.Unlock()
	}
	return entry, nil
}
