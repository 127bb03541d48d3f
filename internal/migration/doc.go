/*
Package migration applies the SQLite trace-database schema through
golang-migrate, as an explicit alternative to storage/sqlite.Open's
automatic AutoMigrate-on-connect behavior.

# Overview

Migration files live under migrations/sqlite, embedded at build time,
and describe the same traces/tests/redaction_audit tables and
traces_fts full-text index that storage/sqlite/models.go defines via
gorm struct tags. Operators who want a deterministic migrate-then-deploy
step (CI/CD, blue-green rollouts, schema review before rollout) use this
package's CLI instead of relying on migration-on-first-connect.

# Core types

  - Migrator: the operation set (Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close).
  - DefaultMigrator: the golang-migrate-backed implementation.
  - Config: database URL and migrations table name.
  - MigrationStatus / MigrationInfo: status and summary reporting.
  - CLI: formats Migrator output for a command-line tool.

# Factory functions

NewMigratorFromConfig and NewMigratorFromStorageConfig build a migrator
from the server's own config.Config / config.StorageConfig. NewMigrator
and NewMigratorFromPath build one directly from a DSN or file path.
*/
package migration
