package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/chairworks/fieldsync/internal/model"
)

// CachePut stores or replaces a cache entry.
func (s *Store) CachePut(ctx context.Context, entry *model.CacheEntry) error {
	query := `
	INSERT INTO cache (key, value, stored_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		stored_at = excluded.stored_at,
		expires_at = excluded.expires_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		entry.Key,
		string(entry.Value),
		entry.StoredAt.UTC().Format(time.RFC3339),
		entry.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return storageErr("put cache entry "+entry.Key, err)
	}

	return nil
}

// CacheGet returns a cache entry by key, or nil if absent. Expiry is
// the cache manager's concern; the store returns whatever is on disk.
func (s *Store) CacheGet(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT key, value, stored_at, expires_at FROM cache WHERE key = ?`, key)

	var (
		entry     model.CacheEntry
		value     string
		storedAt  string
		expiresAt string
	)
	err := row.Scan(&entry.Key, &value, &storedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get cache entry "+key, err)
	}

	entry.Value = json.RawMessage(value)
	if entry.StoredAt, err = time.Parse(time.RFC3339, storedAt); err != nil {
		return nil, storageErr("parse cache stored_at", err)
	}
	if entry.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, storageErr("parse cache expires_at", err)
	}

	return &entry, nil
}

// CacheDelete removes a cache entry. Idempotent.
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return storageErr("delete cache entry "+key, err)
	}
	return nil
}

// CacheDeleteExpired removes every entry whose expiry has passed.
func (s *Store) CacheDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at <= ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, storageErr("delete expired cache entries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
