package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS sync_entries (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT 'null',
			version INTEGER NOT NULL,
			scope TEXT NOT NULL DEFAULT 'user',
			last_writer TEXT NOT NULL DEFAULT '',
			tombstone INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS conflict_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			strategy TEXT NOT NULL,
			winning_role TEXT NOT NULL DEFAULT '',
			accepted_version INTEGER NOT NULL DEFAULT 0,
			losing_role TEXT NOT NULL DEFAULT '',
			losing_version INTEGER NOT NULL DEFAULT 0,
			losing_value TEXT NOT NULL DEFAULT 'null',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_user_status ON conflict_records(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS message_history (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source_role TEXT NOT NULL DEFAULT '',
			target_role TEXT NOT NULL DEFAULT '',
			target_user_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT 'null',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_created_at ON message_history(created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- API keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, name, secret_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		key.ID, key.UserID, key.Name, key.SecretHash, key.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, secret_hash, created_at, last_used_at FROM api_keys WHERE id = ?", id,
	).Scan(&k.ID, &k.UserID, &k.Name, &k.SecretHash, &k.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if lastUsed.Valid {
		k.LastUsedAt = lastUsed.Time
	}
	return &k, err
}

func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?", usedAt, id)
	return err
}

// --- Sync entries ---

func (s *SQLiteStore) UpsertSyncEntry(ctx context.Context, entry *SyncEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_entries (user_id, key, value, version, scope, last_writer, tombstone, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			scope = excluded.scope,
			last_writer = excluded.last_writer,
			tombstone = excluded.tombstone,
			updated_at = excluded.updated_at`,
		entry.UserID, entry.Key, string(entry.Value), entry.Version, entry.Scope,
		string(entry.LastWriter), boolToInt(entry.Tombstone), entry.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSyncEntry(ctx context.Context, userID, key string) (*SyncEntry, error) {
	var e SyncEntry
	var value, writer string
	var tombstone int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, key, value, version, scope, last_writer, tombstone, updated_at
		 FROM sync_entries WHERE user_id = ? AND key = ?`,
		userID, key,
	).Scan(&e.UserID, &e.Key, &value, &e.Version, &e.Scope, &writer, &tombstone, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Value = []byte(value)
	e.LastWriter = roleFromString(writer)
	e.Tombstone = tombstone != 0
	return &e, nil
}

func (s *SQLiteStore) ListSyncEntries(ctx context.Context, userID string) ([]SyncEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, value, version, scope, last_writer, tombstone, updated_at
		 FROM sync_entries WHERE user_id = ? ORDER BY key`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		var e SyncEntry
		var value, writer string
		var tombstone int
		if err := rows.Scan(&e.UserID, &e.Key, &value, &e.Version, &e.Scope, &writer, &tombstone, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Value = []byte(value)
		e.LastWriter = roleFromString(writer)
		e.Tombstone = tombstone != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Conflict records ---

func (s *SQLiteStore) CreateConflict(ctx context.Context, rec *ConflictRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_records
		 (id, user_id, key, strategy, winning_role, accepted_version, losing_role, losing_version, losing_value, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Key, rec.Strategy, string(rec.WinningRole), rec.AcceptedVersion,
		string(rec.LosingRole), rec.LosingVersion, string(rec.LosingValue), rec.Status, rec.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, key, strategy, winning_role, accepted_version, losing_role, losing_version, losing_value, status, created_at, resolved_at
		 FROM conflict_records WHERE id = ?`, id)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) ListPendingConflicts(ctx context.Context, userID string) ([]ConflictRecord, error) {
	query := `SELECT id, user_id, key, strategy, winning_role, accepted_version, losing_role, losing_version, losing_value, status, created_at, resolved_at
		 FROM conflict_records WHERE status = 'pending'`
	args := []any{}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id string, acceptedVersion int64, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conflict_records SET status = 'resolved', accepted_version = ?, resolved_at = ? WHERE id = ?",
		acceptedVersion, resolvedAt, id)
	return err
}

// --- Message history ---

func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_history (id, type, source_role, target_role, target_user_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Type, string(entry.SourceRole), string(entry.TargetRole),
		entry.TargetUserID, payloadText(entry.Payload), entry.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, source_role, target_role, target_user_id, payload, created_at
		 FROM message_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var src, tgt, payload string
		if err := rows.Scan(&e.ID, &e.Type, &src, &tgt, &e.TargetUserID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SourceRole = roleFromString(src)
		e.TargetRole = roleFromString(tgt)
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) PurgeHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM message_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) TrimHistory(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_history WHERE id NOT IN
		 (SELECT id FROM message_history ORDER BY created_at DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
