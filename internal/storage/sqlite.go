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

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures required tables exist. Network filesystems are refused.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
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

// BootstrapSQLite creates the journal tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_log (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  code          TEXT NOT NULL,
  hidden        INTEGER NOT NULL DEFAULT 0,
  digest        TEXT NOT NULL,
  generation    INTEGER NOT NULL,
  dispatched_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS status_log (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  status      TEXT NOT NULL,
  generation  INTEGER NOT NULL,
  observed_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS cancel_log (
  id           TEXT PRIMARY KEY,
  reason       TEXT NOT NULL,
  dropped      INTEGER NOT NULL,
  cancelled_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_dispatched_at_idx ON dispatch_log(dispatched_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_digest_idx ON dispatch_log(digest);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
