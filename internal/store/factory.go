package store

import (
	"fmt"
	"strings"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	// Type is "sqlite" (default) or "postgres".
	Type string
	// DSN is the file path for sqlite, or the connection string for postgres.
	DSN string
}

const defaultSQLitePath = "/persistent/task-graph/task-graph.db"

// NewStore constructs the Store backend named by cfg.Type.
func NewStore(cfg StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return NewPostgresStore(cfg.DSN)
	case "sqlite", "sqlite3", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
