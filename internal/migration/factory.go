package migration

import (
	"fmt"

	"github.com/traceforge/traceforge/config"
)

// NewMigratorFromConfig builds a Migrator for the trace database the
// running server is configured to use.
func NewMigratorFromConfig(cfg *config.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromStorageConfig(cfg.Storage)
}

// NewMigratorFromStorageConfig builds a Migrator from storage config. Only
// the sqlite backend has an explicit migration path; the file backend
// stores traces as flat files with no schema to migrate.
func NewMigratorFromStorageConfig(cfg config.StorageConfig) (*DefaultMigrator, error) {
	if cfg.Backend != "sqlite" {
		return nil, fmt.Errorf("migrations are only supported for the sqlite backend, got %q", cfg.Backend)
	}
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("storage.sqlite_path is required")
	}
	return NewMigratorFromPath(cfg.SQLitePath)
}

// NewMigratorFromURL builds a Migrator against an already-formed SQLite DSN.
func NewMigratorFromURL(dbURL string) (*DefaultMigrator, error) {
	return NewMigrator(&Config{DatabaseURL: dbURL})
}
