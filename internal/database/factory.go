package database

import (
	"errors"
	"fmt"
	"path/filepath"

	"worktrace/internal/config"
	"worktrace/internal/wt"
)

// storeFile is the store's name inside database.data_dir.
const storeFile = "worktrace.db"

// NewStoreFromConfig opens the local store selected by cfg.Type: a file
// under DataDir for "sqlite", or a private in-memory database for "memory".
func NewStoreFromConfig(cfg config.DatabaseConfig, clock wt.Clock, idgen wt.IDGenerator) (*SQLiteStore, error) {
	var dsn string
	switch cfg.Type {
	case "memory":
		dsn = ":memory:"
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, errors.New("database.data_dir is required for sqlite")
		}
		dsn = StorePath(cfg)
	default:
		return nil, fmt.Errorf("unknown database type: %q", cfg.Type)
	}
	return NewSQLiteStore(dsn, clock, idgen)
}

// StorePath is where a sqlite store lives. The reset command uses it to find
// the files to back up and remove.
func StorePath(cfg config.DatabaseConfig) string {
	return filepath.Join(cfg.DataDir, storeFile)
}
