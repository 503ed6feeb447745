package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS delivery_queue (
  id              TEXT PRIMARY KEY,
  payload         JSON NOT NULL,
  event           JSON,
  source          TEXT NOT NULL DEFAULT 'webhook',
  intake_key      TEXT NOT NULL,
  status          TEXT NOT NULL,
  attempt         INTEGER NOT NULL DEFAULT 1,
  max_attempts    INTEGER NOT NULL DEFAULT 4,
  received_at     TEXT NOT NULL,
  started_at      TEXT,
  completed_at    TEXT,
  next_retry_at   TEXT,
  last_error      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS delivery_log (
  id              TEXT PRIMARY KEY,
  delivery_id     TEXT NOT NULL,
  status          TEXT NOT NULL,
  attempt         INTEGER NOT NULL,
  intake_key      TEXT NOT NULL,
  received_at     TEXT NOT NULL,
  completed_at    TEXT NOT NULL,
  last_error      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS dedupe_keys (
  collection  TEXT NOT NULL,
  key         TEXT NOT NULL,
  value       TEXT NOT NULL DEFAULT '',
  reserved_at TEXT NOT NULL,
  expires_at  TEXT NOT NULL,
  PRIMARY KEY (collection, key)
);`,
		`CREATE INDEX IF NOT EXISTS delivery_queue_status_received_at_idx ON delivery_queue(status, received_at);`,
		`CREATE INDEX IF NOT EXISTS delivery_log_completed_at_idx ON delivery_log(completed_at);`,
		`CREATE INDEX IF NOT EXISTS dedupe_keys_expires_at_idx ON dedupe_keys(expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
