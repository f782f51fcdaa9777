// Package engine ties the fieldsync subsystems together: the durable
// change and photo queues, the network monitor, the sync scheduler,
// conflict resolution, and the read-through cache.
//
// The engine is the only writer of queue state. UI layers enqueue
// work and read reports; the scheduler drains the queues whenever
// connectivity and settings allow.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chairworks/fieldsync/internal/cache"
	"github.com/chairworks/fieldsync/internal/config"
	"github.com/chairworks/fieldsync/internal/logging"
	"github.com/chairworks/fieldsync/internal/model"
	"github.com/chairworks/fieldsync/internal/netmon"
	"github.com/chairworks/fieldsync/internal/remote"
	"github.com/chairworks/fieldsync/internal/store"
)

// RemoteAPI is the slice of the backend client the engine dispatches
// through. Satisfied by *remote.Client; tests substitute fakes.
type RemoteAPI interface {
	PushChange(ctx context.Context, route string, change *model.PendingChange, force bool) error
	UploadPhoto(ctx context.Context, photo *model.PendingPhoto, blob io.Reader, opts remote.UploadOptions) (string, error)
}

// Connectivity is the slice of the network monitor the engine reads.
type Connectivity interface {
	Online() bool
	Link() netmon.Link
	Reachable() <-chan struct{}
}

// Notifier receives engine lifecycle events for live status fan-out.
// Callbacks must not block.
type Notifier interface {
	SyncStarted()
	SyncFinished(synced, failed int)
	ConflictDetected(conflictID string)
}

// Options configures a new Engine.
type Options struct {
	Config     *config.Config
	ConfigPath string // where UpdateSettings persists; empty disables persistence

	Store   *store.Store
	Remote  RemoteAPI
	Monitor Connectivity
	Cache   *cache.Manager

	Logger   *slog.Logger
	Notifier Notifier

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Engine coordinates local-first synchronization.
type Engine struct {
	cfg        *config.Config
	configPath string

	store   *store.Store
	remote  RemoteAPI
	monitor Connectivity
	cache   *cache.Manager

	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time

	// settings are copied out of cfg and guarded separately so a
	// settings update never races a running pass.
	settingsMu sync.RWMutex
	settings   config.Settings

	// syncing enforces the single-pass invariant: concurrent SyncNow
	// calls coalesce into whichever pass is already running.
	syncing atomic.Bool

	progressTotal atomic.Int64
	progressDone  atomic.Int64

	lastSyncMu sync.Mutex
	lastSync   time.Time

	forceCh    chan struct{}
	settingsCh chan struct{}
}

// New assembles an Engine from its parts. Call Initialize before use.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("network monitor is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		store:      opts.Store,
		remote:     opts.Remote,
		monitor:    opts.Monitor,
		cache:      opts.Cache,
		logger:     logger,
		notifier:   opts.Notifier,
		now:        now,
		settings:   opts.Config.Sync,
		forceCh:    make(chan struct{}, 1),
		settingsCh: make(chan struct{}, 1),
	}, nil
}

// SetNotifier installs the event sink. Must be called before Run;
// the status server is constructed after the engine it observes.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Initialize prepares the engine for operation: it creates the data
// directories and recovers rows left mid-flight by a crash, returning
// them to pending so the next pass picks them up.
func (e *Engine) Initialize(ctx context.Context) error {
	for _, dir := range []string{e.cfg.BlobDir(), e.cfg.SpoolDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	changes, err := e.store.ResetStuckChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight changes: %w", err)
	}
	photos, err := e.store.ResetStuckPhotos(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight photos: %w", err)
	}
	if changes > 0 || photos > 0 {
		e.logger.Info("recovered interrupted sync items",
			"changes", changes,
			"photos", photos)
	}

	return nil
}

// EnqueueChange validates and persists a change for later delivery.
// For update and delete actions the entity identifier is lifted from
// the payload when not supplied. Returns the stored change.
func (e *Engine) EnqueueChange(ctx context.Context, entityType model.EntityType, action model.Action, payload []byte) (*model.PendingChange, error) {
	change := &model.PendingChange{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Action:     action,
		Payload:    payload,
		CreatedAt:  e.now().UTC(),
		SyncStatus: model.StatusPending,
	}

	if action != model.ActionCreate {
		id, err := model.ExtractEntityID(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to extract entity id: %w", err)
		}
		change.EntityID = id
	}

	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change: %w", err)
	}
	if err := e.store.InsertChange(ctx, change); err != nil {
		return nil, err
	}

	e.logger.Debug("change enqueued",
		"id", change.ID,
		"entity_type", change.EntityType,
		"action", change.Action)

	return change, nil
}

// EnqueuePhoto registers a captured photo for upload. The blob must
// already live under the engine's blob directory; the caller passes
// its path and size. Enqueueing fails when the addition would push
// local storage past the configured limit.
func (e *Engine) EnqueuePhoto(ctx context.Context, jobID, chairID string, category model.PhotoCategory, localPath string, sizeBytes int64) (*model.PendingPhoto, error) {
	used, err := e.storageUsedBytes(ctx)
	if err != nil {
		return nil, err
	}
	limit := int64(e.Settings().MaxStorageMB) * 1024 * 1024
	if used+sizeBytes > limit {
		return nil, fmt.Errorf("storage limit exceeded: %d MB used of %d MB", used/(1024*1024), limit/(1024*1024))
	}

	photo := &model.PendingPhoto{
		ID:            uuid.NewString(),
		JobID:         jobID,
		ChairID:       chairID,
		Category:      category,
		LocalPath:     localPath,
		FileSizeBytes: sizeBytes,
		UploadStatus:  model.UploadPending,
		CreatedAt:     e.now().UTC(),
	}

	if err := photo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid photo: %w", err)
	}
	if err := e.store.InsertPhoto(ctx, photo); err != nil {
		return nil, err
	}

	e.logger.Debug("photo enqueued",
		"id", photo.ID,
		"job_id", photo.JobID,
		"size_bytes", photo.FileSizeBytes)

	return photo, nil
}

// Settings returns the current sync settings.
func (e *Engine) Settings() config.Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateSettings applies a partial settings update, persists it to the
// config file, and nudges the scheduler so interval changes take
// effect immediately.
func (e *Engine) UpdateSettings(patch config.SettingsPatch) (config.Settings, error) {
	e.settingsMu.Lock()
	updated := patch.Apply(e.settings)
	if err := updated.Validate(); err != nil {
		e.settingsMu.Unlock()
		return config.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	e.settings = updated
	e.cfg.Sync = updated
	e.settingsMu.Unlock()

	if e.configPath != "" {
		if err := config.Save(e.cfg, e.configPath); err != nil {
			return config.Settings{}, err
		}
	}

	select {
	case e.settingsCh <- struct{}{}:
	default:
	}

	e.logger.Info("settings updated",
		"auto_sync", updated.AutoSync,
		"interval_minutes", updated.SyncIntervalMinutes,
		"conflict_resolution", updated.ConflictResolution)

	return updated, nil
}

// RetryFailed returns every terminally failed change and photo to
// pending with a fresh retry budget, then requests a pass.
func (e *Engine) RetryFailed(ctx context.Context) (int64, error) {
	changes, err := e.store.ResetFailedChanges(ctx)
	if err != nil {
		return 0, err
	}
	photos, err := e.store.ResetFailedPhotos(ctx)
	if err != nil {
		return changes, err
	}

	total := changes + photos
	if total > 0 {
		e.logger.Info("failed items requeued", "count", total)
		e.RequestSync()
	}
	return total, nil
}

// ResolveConflict settles a stored conflict by operator decision.
// Keeping the server version marks the parked change synced; keeping
// the local version returns it to pending with the overwrite flag so
// the next pass force-resubmits it.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, resolution string) error {
	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("conflict %s not found", conflictID)
	}
	if conflict.Resolved() {
		return fmt.Errorf("conflict %s already resolved (%s)", conflictID, conflict.Resolution)
	}

	now := e.now().UTC()

	switch resolution {
	case model.ResolutionKeepServer:
		if err := e.store.MarkChangeSynced(ctx, conflict.ChangeID, now); err != nil {
			return err
		}
	case model.ResolutionKeepLocal:
		if err := e.store.MarkChangeForcedPending(ctx, conflict.ChangeID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := e.store.MarkConflictResolved(ctx, conflictID, resolution, now); err != nil {
		return err
	}

	e.logger.Info("conflict resolved",
		"conflict_id", conflictID,
		"change_id", conflict.ChangeID,
		"resolution", resolution)

	if resolution == model.ResolutionKeepLocal {
		e.RequestSync()
	}
	return nil
}

// Conflicts lists stored conflicts, optionally including resolved
// ones.
func (e *Engine) Conflicts(ctx context.Context, includeResolved bool) ([]*model.SyncConflict, error) {
	return e.store.ListConflicts(ctx, includeResolved)
}

// Cache returns the engine's read-through cache manager, or nil when
// the engine was built without one.
func (e *Engine) Cache() *cache.Manager {
	return e.cache
}

// ClearAllLocalData wipes every queue, conflict, and cache row and
// removes managed photo blobs. Pending changes are lost; callers are
// expected to confirm with the user first.
func (e *Engine) ClearAllLocalData(ctx context.Context) error {
	if err := e.store.ClearAll(ctx); err != nil {
		return err
	}
	if err := os.RemoveAll(e.cfg.BlobDir()); err != nil {
		return fmt.Errorf("failed to remove blob directory: %w", err)
	}
	if err := os.MkdirAll(e.cfg.BlobDir(), 0o755); err != nil {
		return fmt.Errorf("failed to recreate blob directory: %w", err)
	}
	e.logger.Warn("all local data cleared")
	return nil
}

func (e *Engine) lastSyncAt() time.Time {
	e.lastSyncMu.Lock()
	defer e.lastSyncMu.Unlock()
	return e.lastSync
}

func (e *Engine) setLastSyncAt(t time.Time) {
	e.lastSyncMu.Lock()
	e.lastSync = t
	e.lastSyncMu.Unlock()
}
