package store

import (
	"fmt"
	"strings"

	"github.com/syncgate-io/syncgate/internal/config"
)

// New opens the store selected by cfg.Driver. An empty driver means SQLite,
// which needs no external service and suits single-node deployments;
// "postgres" (or "postgresql") opens a pooled pgx connection.
func New(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	}
	return nil, fmt.Errorf("storage driver %q is not supported, use sqlite or postgres", cfg.Driver)
}
