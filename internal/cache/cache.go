// Package cache provides a time-bounded read-through cache over the
// durable store.
//
// The cache is purely a performance optimization for repeated reads
// and has no relation to the pending-change queue: it is never a
// source of truth for mutation state. Expired entries are purged
// lazily on read and eagerly by the periodic sweep.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chairworks/fieldsync/internal/logging"
	"github.com/chairworks/fieldsync/internal/model"
	"github.com/chairworks/fieldsync/internal/store"
)

// Manager is the cache facade handed to the UI layer.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates a Manager. If logger is nil, output is discarded.
func New(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Set stores a value under key with the given TTL. A zero or negative
// TTL produces an entry that is already expired and will never be
// returned by Get.
func (m *Manager) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	now := m.now().UTC()
	entry := &model.CacheEntry{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	return m.store.CachePut(ctx, entry)
}

// Get returns the cached value for key, or (nil, false) on a miss.
// An entry past its expiry is purged and reported as a miss; a read
// never returns expired data.
func (m *Manager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	entry, err := m.store.CacheGet(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}

	if entry.Expired(m.now().UTC()) {
		// Lazy purge; a failure here only delays the sweep.
		if err := m.store.CacheDelete(ctx, key); err != nil {
			m.logger.Warn("failed to purge expired cache entry", "key", key, "error", err)
		}
		return nil, false, nil
	}

	return entry.Value, true, nil
}

// GetOrFetch returns the cached value for key, calling fetch and
// caching its result on a miss. The read-through path the UI layer
// uses for repeated remote reads.
func (m *Manager) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	value, ok, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	value, err = fetch(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.Set(ctx, key, value, ttl); err != nil {
		return nil, err
	}
	return value, nil
}

// Invalidate removes a single entry.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	return m.store.CacheDelete(ctx, key)
}

// SweepExpired removes every expired entry. Called on a timer by the
// engine's run loop.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.CacheDeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("swept expired cache entries", "count", n)
	}
	return n, nil
}
