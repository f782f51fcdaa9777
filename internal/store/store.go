// Package store provides the durable local storage for the fieldsync
// engine, backed by embedded SQLite with WAL mode.
//
// Everything the engine must not lose across a crash lives here: the
// pending-change queue, the photo upload queue, stored conflicts, and
// the read-through cache. Each method runs in its own implicit
// transaction; multi-row operations use explicit transactions so they
// are all-or-nothing.
//
// Storage failures are surfaced as *StorageError. The engine never
// falls back to in-memory state when the store fails; durability is
// the entire point.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// StorageError wraps any failure of the underlying storage engine.
// It is fatal from the engine's point of view: callers must surface
// it, not continue with partial state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err in a *StorageError for the given operation.
func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Store wraps the SQLite connection with fieldsync-specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads; the schema is created on first use via InitSchema. The caller
// MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, storageErr("open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageErr("ping database", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, storageErr(pragma, err)
		}
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return storageErr("close database", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_changes (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		synced_at TEXT,
		force_overwrite INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_changes_status ON pending_changes(sync_status);
	CREATE INDEX IF NOT EXISTS idx_changes_created ON pending_changes(created_at);

	-- Composite index for the drain query (status filter + createdAt order)
	CREATE INDEX IF NOT EXISTS idx_changes_drain
	    ON pending_changes(sync_status, created_at);

	CREATE TABLE IF NOT EXISTS pending_photos (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		chair_id TEXT,
		category TEXT NOT NULL,
		local_path TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL DEFAULT 0,
		upload_status TEXT NOT NULL DEFAULT 'pending',
		server_url TEXT,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		uploaded_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_photos_status ON pending_photos(upload_status);
	CREATE INDEX IF NOT EXISTS idx_photos_job ON pending_photos(job_id);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		change_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		local_payload TEXT NOT NULL,
		server_payload TEXT NOT NULL DEFAULT '',
		detected_at TEXT NOT NULL,
		resolved_at TEXT,
		resolution TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_change ON sync_conflicts(change_id);

	CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		stored_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return storageErr("initialize schema", err)
	}

	return nil
}

// SizeBytes returns the actual on-disk size of the database in bytes,
// computed from the SQLite page count rather than row-count heuristics.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, storageErr("query page count", err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, storageErr("query page size", err)
	}
	return pageCount * pageSize, nil
}

// ClearAll wipes every table. Destructive; used by admin reset flows
// after explicit confirmation upstream. All-or-nothing.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin clear transaction", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"pending_changes", "pending_photos", "sync_conflicts", "cache"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return storageErr("clear table "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit clear transaction", err)
	}
	return nil
}

// timeToNullString converts an optional time to a nullable RFC3339 string.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable RFC3339 string back to a time pointer.
func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}
