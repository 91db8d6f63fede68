package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sync_entries (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT 'null',
			version BIGINT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'user',
			last_writer TEXT NOT NULL DEFAULT '',
			tombstone BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS conflict_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			strategy TEXT NOT NULL,
			winning_role TEXT NOT NULL DEFAULT '',
			accepted_version BIGINT NOT NULL DEFAULT 0,
			losing_role TEXT NOT NULL DEFAULT '',
			losing_version BIGINT NOT NULL DEFAULT 0,
			losing_value TEXT NOT NULL DEFAULT 'null',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_user_status ON conflict_records(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS message_history (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source_role TEXT NOT NULL DEFAULT '',
			target_role TEXT NOT NULL DEFAULT '',
			target_user_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT 'null',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- API keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, name, secret_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		key.ID, key.UserID, key.Name, key.SecretHash, key.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, secret_hash, created_at, last_used_at FROM api_keys WHERE id = $1", id,
	).Scan(&k.ID, &k.UserID, &k.Name, &k.SecretHash, &k.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if lastUsed.Valid {
		k.LastUsedAt = lastUsed.Time
	}
	return &k, err
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = $1 WHERE id = $2", usedAt, id)
	return err
}

// --- Sync entries ---

func (s *PostgresStore) UpsertSyncEntry(ctx context.Context, entry *SyncEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_entries (user_id, key, value, version, scope, last_writer, tombstone, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			scope = excluded.scope,
			last_writer = excluded.last_writer,
			tombstone = excluded.tombstone,
			updated_at = excluded.updated_at`,
		entry.UserID, entry.Key, string(entry.Value), entry.Version, entry.Scope,
		string(entry.LastWriter), entry.Tombstone, entry.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSyncEntry(ctx context.Context, userID, key string) (*SyncEntry, error) {
	var e SyncEntry
	var value, writer string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, key, value, version, scope, last_writer, tombstone, updated_at
		 FROM sync_entries WHERE user_id = $1 AND key = $2`,
		userID, key,
	).Scan(&e.UserID, &e.Key, &value, &e.Version, &e.Scope, &writer, &e.Tombstone, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Value = []byte(value)
	e.LastWriter = roleFromString(writer)
	return &e, nil
}

func (s *PostgresStore) ListSyncEntries(ctx context.Context, userID string) ([]SyncEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, value, version, scope, last_writer, tombstone, updated_at
		 FROM sync_entries WHERE user_id = $1 ORDER BY key`,
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
		if err := rows.Scan(&e.UserID, &e.Key, &value, &e.Version, &e.Scope, &writer, &e.Tombstone, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Value = []byte(value)
		e.LastWriter = roleFromString(writer)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Conflict records ---

func (s *PostgresStore) CreateConflict(ctx context.Context, rec *ConflictRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_records
		 (id, user_id, key, strategy, winning_role, accepted_version, losing_role, losing_version, losing_value, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.UserID, rec.Key, rec.Strategy, string(rec.WinningRole), rec.AcceptedVersion,
		string(rec.LosingRole), rec.LosingVersion, string(rec.LosingValue), rec.Status, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, key, strategy, winning_role, accepted_version, losing_role, losing_version, losing_value, status, created_at, resolved_at
		 FROM conflict_records WHERE id = $1`, id)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) ListPendingConflicts(ctx context.Context, userID string) ([]ConflictRecord, error) {
	query := `SELECT id, user_id, key, strategy, winning_role, accepted_version, losing_role, losing_version, losing_value, status, created_at, resolved_at
		 FROM conflict_records WHERE status = 'pending'`
	args := []any{}
	if userID != "" {
		query += " AND user_id = $1"
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

func (s *PostgresStore) MarkConflictResolved(ctx context.Context, id string, acceptedVersion int64, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conflict_records SET status = 'resolved', accepted_version = $1, resolved_at = $2 WHERE id = $3",
		acceptedVersion, resolvedAt, id)
	return err
}

// --- Message history ---

func (s *PostgresStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_history (id, type, source_role, target_role, target_user_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Type, string(entry.SourceRole), string(entry.TargetRole),
		entry.TargetUserID, payloadText(entry.Payload), entry.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, source_role, target_role, target_user_id, payload, created_at
		 FROM message_history ORDER BY created_at DESC LIMIT $1`, limit)
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

func (s *PostgresStore) PurgeHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM message_history WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) TrimHistory(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_history WHERE id NOT IN
		 (SELECT id FROM message_history ORDER BY created_at DESC LIMIT $1)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
