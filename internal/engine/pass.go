package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/chairworks/fieldsync/internal/config"
	"github.com/chairworks/fieldsync/internal/conflict"
	"github.com/chairworks/fieldsync/internal/metrics"
	"github.com/chairworks/fieldsync/internal/model"
	"github.com/chairworks/fieldsync/internal/remote"
)

// entityRoutes maps entity types to their backend endpoint families.
var entityRoutes = map[model.EntityType]string{
	model.EntityJob:            "/jobs",
	model.EntityChair:          "/chairs",
	model.EntityServiceRequest: "/service-requests",
	model.EntityStockMovement:  "/stock-movements",
}

// errPassAborted stops the drain when the link drops mid-pass. Items
// not yet attempted keep their state untouched.
var errPassAborted = errors.New("sync pass aborted: network unreachable")

// PassResult summarizes one sync pass.
type PassResult struct {
	Synced    int
	Failed    int
	Conflicts int
	Aborted   bool
}

// RequestSync asks the scheduler to run a pass soon without blocking.
func (e *Engine) RequestSync() {
	select {
	case e.forceCh <- struct{}{}:
	default:
	}
}

// SyncNow runs a sync pass immediately. If a pass is already in
// flight the call coalesces into it and returns (nil, nil); at most
// one pass runs at any time.
func (e *Engine) SyncNow(ctx context.Context) (*PassResult, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress, coalescing")
		return nil, nil
	}
	defer e.syncing.Store(false)

	if !e.monitor.Online() {
		e.logger.Debug("sync skipped: offline")
		return &PassResult{Aborted: true}, nil
	}
	settings := e.Settings()
	if settings.SyncOnlyOnWifi && !e.monitor.Link().WifiEquivalent() {
		e.logger.Debug("sync skipped: wifi-only policy and link is not wifi")
		return &PassResult{Aborted: true}, nil
	}

	start := e.now()
	if e.notifier != nil {
		e.notifier.SyncStarted()
	}

	result, err := e.runPass(ctx, settings)

	metrics.PassDuration.Observe(time.Since(start).Seconds())
	e.setLastSyncAt(e.now().UTC())
	if e.notifier != nil {
		e.notifier.SyncFinished(result.Synced, result.Failed)
	}

	e.logger.Info("sync pass finished",
		"synced", result.Synced,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"aborted", result.Aborted,
		"duration", time.Since(start))

	return result, err
}

// runPass drains the change queue in creation order, then the photo
// queue. A storage failure stops the pass with an error; losing the
// network stops it cleanly with Aborted set.
func (e *Engine) runPass(ctx context.Context, settings config.Settings) (*PassResult, error) {
	result := &PassResult{}

	changes, err := e.store.ListChangesByStatus(ctx, model.StatusPending)
	if err != nil {
		return result, err
	}
	photos, err := e.store.ListPhotosByStatus(ctx, model.UploadPending)
	if err != nil {
		return result, err
	}

	e.progressTotal.Store(int64(len(changes) + len(photos)))
	e.progressDone.Store(0)
	defer func() {
		e.progressTotal.Store(0)
		e.progressDone.Store(0)
		depth := 0
		if counts, err := e.store.CountChangesByStatus(context.Background()); err == nil {
			depth += counts[model.StatusPending]
		}
		if counts, err := e.store.CountPhotosByStatus(context.Background()); err == nil {
			depth += counts[model.UploadPending]
		}
		metrics.QueueDepth.Set(float64(depth))
	}()

	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := e.syncChange(ctx, change, settings, result)
		e.progressDone.Add(1)
		if errors.Is(err, errPassAborted) {
			result.Aborted = true
			return result, nil
		}
		if err != nil {
			return result, err
		}
	}

	for _, photo := range photos {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := e.uploadPhoto(ctx, photo, settings, result)
		e.progressDone.Add(1)
		if errors.Is(err, errPassAborted) {
			result.Aborted = true
			return result, nil
		}
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// syncChange delivers a single change and applies the outcome to its
// queue row. Returns errPassAborted when the network dropped, or a
// storage error; remote rejections are absorbed into the row state.
func (e *Engine) syncChange(ctx context.Context, change *model.PendingChange, settings config.Settings, result *PassResult) error {
	route, ok := entityRoutes[change.EntityType]
	if !ok {
		return fmt.Errorf("no route for entity type %q", change.EntityType)
	}

	if err := e.store.MarkChangeSyncing(ctx, change.ID); err != nil {
		return err
	}

	now := e.now().UTC()
	pushErr := e.remote.PushChange(ctx, route, change, change.ForceOverwrite)

	if pushErr == nil {
		if err := e.store.MarkChangeSynced(ctx, change.ID, now); err != nil {
			return err
		}
		metrics.ChangesSynced.WithLabelValues(string(change.EntityType)).Inc()
		result.Synced++
		return nil
	}

	var conflictErr *remote.ConflictError
	if errors.As(pushErr, &conflictErr) {
		return e.resolveConflictPush(ctx, change, conflictErr, settings, result)
	}

	return e.recordPushFailure(ctx, change, pushErr, settings, result)
}

// resolveConflictPush runs the configured conflict policy against a
// 409 response and applies its decision.
func (e *Engine) resolveConflictPush(ctx context.Context, change *model.PendingChange, conflictErr *remote.ConflictError, settings config.Settings, result *PassResult) error {
	metrics.ConflictsDetected.Inc()
	result.Conflicts++

	resolver, err := conflict.New(settings.ConflictResolution)
	if err != nil {
		return fmt.Errorf("failed to build conflict resolver: %w", err)
	}
	decision, err := resolver.Resolve(ctx, change, conflictErr.ServerPayload)
	if err != nil {
		return fmt.Errorf("conflict resolver failed: %w", err)
	}

	now := e.now().UTC()
	e.logger.Info("conflict detected",
		"change_id", change.ID,
		"entity_type", change.EntityType,
		"decision", decision.String())

	switch decision {
	case conflict.AcceptServer:
		if err := e.store.MarkChangeSynced(ctx, change.ID, now); err != nil {
			return err
		}
		result.Synced++
		return nil

	case conflict.Resubmit:
		// One forced resubmission within the same pass. A second 409
		// would mean the backend ignored the overwrite flag; that is
		// recorded as a failure rather than looped on.
		pushErr := e.remote.PushChange(ctx, e.routeFor(change), change, true)
		if pushErr == nil {
			if err := e.store.MarkChangeSynced(ctx, change.ID, now); err != nil {
				return err
			}
			metrics.ChangesSynced.WithLabelValues(string(change.EntityType)).Inc()
			result.Synced++
			return nil
		}
		return e.recordPushFailure(ctx, change, pushErr, settings, result)

	case conflict.Escalate:
		stored := &model.SyncConflict{
			ID:            uuid.NewString(),
			ChangeID:      change.ID,
			EntityType:    change.EntityType,
			EntityID:      change.EntityID,
			LocalPayload:  change.Payload,
			ServerPayload: conflictErr.ServerPayload,
			DetectedAt:    now,
		}
		if err := e.store.InsertConflict(ctx, stored); err != nil {
			return err
		}
		if err := e.store.MarkChangeConflict(ctx, change.ID, now); err != nil {
			return err
		}
		if e.notifier != nil {
			e.notifier.ConflictDetected(stored.ID)
		}
		return nil

	default:
		return fmt.Errorf("unknown conflict decision %v", decision)
	}
}

// recordPushFailure applies a non-conflict push error to the change
// row. Network loss aborts the pass after the row is updated; other
// transient failures let the pass continue to the next item.
func (e *Engine) recordPushFailure(ctx context.Context, change *model.PendingChange, pushErr error, settings config.Settings, result *PassResult) error {
	now := e.now().UTC()

	var rejection *remote.RejectionError
	if errors.As(pushErr, &rejection) && !rejection.Retryable() {
		if err := e.store.MarkChangeRejected(ctx, change.ID, now, rejection.Error()); err != nil {
			return err
		}
		metrics.SyncFailures.WithLabelValues("rejected").Inc()
		result.Failed++
		e.logger.Warn("change rejected by remote",
			"change_id", change.ID,
			"status", rejection.StatusCode)
		return nil
	}

	terminal := change.RetryCount+1 >= settings.MaxRetryAttempts
	if err := e.store.RecordChangeFailure(ctx, change.ID, now, pushErr.Error(), terminal); err != nil {
		return err
	}
	result.Failed++

	var netErr *remote.NetworkError
	if errors.As(pushErr, &netErr) {
		metrics.SyncFailures.WithLabelValues("network").Inc()
		return errPassAborted
	}

	metrics.SyncFailures.WithLabelValues("server").Inc()
	e.logger.Warn("change delivery failed",
		"change_id", change.ID,
		"retry_count", change.RetryCount+1,
		"terminal", terminal,
		"error", pushErr)
	return nil
}

// uploadPhoto delivers one photo blob. The uploading state is
// persisted before the network call so a crash mid-upload is
// recoverable.
func (e *Engine) uploadPhoto(ctx context.Context, photo *model.PendingPhoto, settings config.Settings, result *PassResult) error {
	if err := e.store.MarkPhotoUploading(ctx, photo.ID); err != nil {
		return err
	}

	now := e.now().UTC()

	blob, err := os.Open(photo.LocalPath)
	if err != nil {
		// A missing blob can never succeed; fail it terminally.
		if err := e.store.RecordPhotoFailure(ctx, photo.ID, now, fmt.Sprintf("blob unreadable: %v", err), true); err != nil {
			return err
		}
		result.Failed++
		e.logger.Error("photo blob unreadable", "photo_id", photo.ID, "path", photo.LocalPath)
		return nil
	}
	defer blob.Close()

	serverURL, uploadErr := e.remote.UploadPhoto(ctx, photo, blob, remote.UploadOptions{
		Quality:  settings.PhotoQuality,
		Compress: settings.CompressPhotos,
	})

	if uploadErr == nil {
		if err := e.store.MarkPhotoUploaded(ctx, photo.ID, serverURL, now); err != nil {
			return err
		}
		metrics.PhotosUploaded.Inc()
		result.Synced++
		return nil
	}

	var rejection *remote.RejectionError
	if errors.As(uploadErr, &rejection) && !rejection.Retryable() {
		if err := e.store.RecordPhotoFailure(ctx, photo.ID, now, rejection.Error(), true); err != nil {
			return err
		}
		metrics.SyncFailures.WithLabelValues("rejected").Inc()
		result.Failed++
		return nil
	}

	terminal := photo.RetryCount+1 >= settings.MaxRetryAttempts
	if err := e.store.RecordPhotoFailure(ctx, photo.ID, now, uploadErr.Error(), terminal); err != nil {
		return err
	}
	result.Failed++

	var netErr *remote.NetworkError
	if errors.As(uploadErr, &netErr) {
		metrics.SyncFailures.WithLabelValues("network").Inc()
		return errPassAborted
	}

	metrics.SyncFailures.WithLabelValues("server").Inc()
	e.logger.Warn("photo upload failed",
		"photo_id", photo.ID,
		"retry_count", photo.RetryCount+1,
		"terminal", terminal,
		"error", uploadErr)
	return nil
}

func (e *Engine) routeFor(change *model.PendingChange) string {
	return entityRoutes[change.EntityType]
}
