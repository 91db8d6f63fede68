package store

import (
	"database/sql"
	"encoding/json"

	"github.com/syncgate-io/syncgate/pkg/protocol"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var rec ConflictRecord
	var winning, losing, losingValue string
	var resolvedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Key, &rec.Strategy, &winning, &rec.AcceptedVersion,
		&losing, &rec.LosingVersion, &losingValue, &rec.Status, &rec.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	rec.WinningRole = roleFromString(winning)
	rec.LosingRole = roleFromString(losing)
	rec.LosingValue = []byte(losingValue)
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Time
	}
	return &rec, nil
}

func roleFromString(s string) protocol.Role {
	return protocol.Role(s)
}

func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
