package engine

import (
	"context"
	"os"
	"time"

	"github.com/chairworks/fieldsync/internal/backoff"
)

// Retention windows for the periodic sweep. Synced changes are kept
// briefly for debugging; uploaded photo rows and their blobs keep a
// longer window so a technician can re-check recent work offline.
const (
	changeRetention = 24 * time.Hour
	photoRetention  = 7 * 24 * time.Hour
	sweepInterval   = time.Hour
)

// Run drives the engine until ctx is cancelled: periodic passes when
// auto-sync is on, immediate passes on reconnect and on RequestSync,
// exponential re-kicks while retryable work remains, and an hourly
// retention sweep.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.Settings().SyncIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweeper := time.NewTicker(sweepInterval)
	defer sweeper.Stop()

	// Retry re-kicks back off from 30s up to the regular interval so a
	// flapping backend is not hammered between scheduled passes.
	retry := backoff.New(30*time.Second, interval, 2.0)
	retryTimer := time.NewTimer(time.Hour)
	stopTimer(retryTimer)

	e.logger.Info("sync scheduler started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync scheduler stopped")
			return ctx.Err()

		case <-ticker.C:
			if e.Settings().AutoSync {
				e.passAndRekick(ctx, retry, retryTimer)
			}

		case <-e.monitor.Reachable():
			e.logger.Info("network restored, starting sync pass")
			e.passAndRekick(ctx, retry, retryTimer)

		case <-e.forceCh:
			e.passAndRekick(ctx, retry, retryTimer)

		case <-retryTimer.C:
			e.passAndRekick(ctx, retry, retryTimer)

		case <-e.settingsCh:
			settings := e.Settings()
			next := time.Duration(settings.SyncIntervalMinutes) * time.Minute
			if next != interval {
				interval = next
				ticker.Reset(interval)
				e.logger.Info("sync interval changed", "interval", interval)
			}
			// A settings change with auto-sync on kicks a pass right
			// away, so work queued while it was off does not wait out
			// the full interval after the operator enables it.
			if settings.AutoSync {
				e.passAndRekick(ctx, retry, retryTimer)
			}

		case <-sweeper.C:
			e.sweep(ctx)
		}
	}
}

// passAndRekick runs a pass and arms the retry timer while failed
// items remain retryable; a clean pass resets the backoff.
func (e *Engine) passAndRekick(ctx context.Context, retry *backoff.Backoff, retryTimer *time.Timer) {
	result, err := e.SyncNow(ctx)
	if err != nil {
		e.logger.Error("sync pass failed", "error", err)
		return
	}
	if result == nil {
		// Coalesced into an in-flight pass.
		return
	}

	if result.Failed > 0 || result.Aborted {
		delay := retry.Next()
		stopTimer(retryTimer)
		retryTimer.Reset(delay)
		e.logger.Debug("retry scheduled", "delay", delay, "attempt", retry.Attempts())
		return
	}

	retry.Reset()
	stopTimer(retryTimer)
}

// sweep evicts expired cache entries and purges queue rows past their
// retention windows, deleting the blobs of purged photos.
func (e *Engine) sweep(ctx context.Context) {
	now := e.now().UTC()

	if e.cache != nil {
		if _, err := e.cache.SweepExpired(ctx); err != nil {
			e.logger.Error("cache sweep failed", "error", err)
		}
	}

	purged, err := e.store.PurgeSyncedChanges(ctx, now.Add(-changeRetention))
	if err != nil {
		e.logger.Error("change retention sweep failed", "error", err)
	} else if purged > 0 {
		e.logger.Info("purged synced changes", "count", purged)
	}

	blobPaths, err := e.store.PurgeUploadedPhotos(ctx, now.Add(-photoRetention))
	if err != nil {
		e.logger.Error("photo retention sweep failed", "error", err)
		return
	}
	for _, path := range blobPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove purged blob", "path", path, "error", err)
		}
	}
	if len(blobPaths) > 0 {
		e.logger.Info("purged uploaded photos", "count", len(blobPaths))
	}
}

// stopTimer drains a timer so a later Reset cannot race a stale fire.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
