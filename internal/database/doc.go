/*
Package database wraps the sqlite storage backend's GORM connection in
a pool manager with health checks, stats reporting, and retried
transactions.

# Overview

PoolManager wraps a *gorm.DB and its underlying *sql.DB, applying pool
sizing (DefaultPoolConfig favors a single connection, matching SQLite's
single-writer model) and running a background ping loop that logs
failures via zap.

# Core types

  - PoolManager: holds the GORM handle and the underlying sql.DB,
    exposing DB, Ping, Stats, GetStats, Close, WithTransaction, and
    WithTransactionRetry.
  - PoolConfig: pool sizing and health-check cadence.
  - PoolStats: a JSON-friendly view of sql.DBStats.
  - TransactionFunc: the unit of work passed to WithTransaction.

# Retry behavior

WithTransactionRetry retries a transaction with exponential backoff
only when the failure looks transient: a busy/locked SQLite file, a
reset connection, or the database/sql "bad connection" sentinel.
Anything else returns immediately.
*/
package database
