package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chairworks/fieldsync/internal/model"
	"github.com/chairworks/fieldsync/internal/netmon"
)

// recentErrorLimit bounds how many item-level errors ride on a report.
const recentErrorLimit = 10

// Report is the point-in-time view of the engine surfaced to the UI
// layer. It is computed on demand from the queues and monitor state
// and never persisted.
type Report struct {
	IsOnline bool        `json:"is_online"`
	Link     netmon.Link `json:"link"`

	PendingCount      int `json:"pending_count"`
	PendingPhotoCount int `json:"pending_photo_count"`
	FailedCount       int `json:"failed_count"`
	FailedPhotoCount  int `json:"failed_photo_count"`
	ConflictCount     int `json:"conflict_count"`

	SyncInProgress      bool `json:"sync_in_progress"`
	SyncProgressPercent int  `json:"sync_progress_percent"`

	StorageUsedMB  float64 `json:"storage_used_mb"`
	StorageLimitMB int     `json:"storage_limit_mb"`

	RecentErrors []model.SyncError `json:"recent_errors,omitempty"`
	LastSyncAt   *time.Time        `json:"last_sync_at,omitempty"`
}

// Report computes the current sync report.
func (e *Engine) Report(ctx context.Context) (*Report, error) {
	changeCounts, err := e.store.CountChangesByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count changes: %w", err)
	}
	photoCounts, err := e.store.CountPhotosByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count photos: %w", err)
	}
	conflictCount, err := e.store.CountUnresolvedConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}

	usedBytes, err := e.storageUsedBytes(ctx)
	if err != nil {
		return nil, err
	}

	errs, err := e.store.RecentChangeErrors(ctx, recentErrorLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change errors: %w", err)
	}
	photoErrs, err := e.store.RecentPhotoErrors(ctx, recentErrorLimit-len(errs))
	if err != nil {
		return nil, fmt.Errorf("failed to list photo errors: %w", err)
	}
	errs = append(errs, photoErrs...)

	report := &Report{
		IsOnline: e.monitor.Online(),
		Link:     e.monitor.Link(),

		PendingCount:      changeCounts[model.StatusPending] + changeCounts[model.StatusSyncing],
		PendingPhotoCount: photoCounts[model.UploadPending] + photoCounts[model.UploadUploading],
		FailedCount:       changeCounts[model.StatusFailed],
		FailedPhotoCount:  photoCounts[model.UploadFailed],
		ConflictCount:     conflictCount,

		SyncInProgress:      e.syncing.Load(),
		SyncProgressPercent: e.progressPercent(),

		StorageUsedMB:  float64(usedBytes) / (1024 * 1024),
		StorageLimitMB: e.Settings().MaxStorageMB,

		RecentErrors: errs,
	}

	if last := e.lastSyncAt(); !last.IsZero() {
		report.LastSyncAt = &last
	}

	return report, nil
}

// progressPercent returns how far the in-flight pass has progressed,
// or 100 when idle.
func (e *Engine) progressPercent() int {
	total := e.progressTotal.Load()
	if total == 0 {
		return 100
	}
	return int(e.progressDone.Load() * 100 / total)
}

// storageUsedBytes is the actual byte footprint of the engine's local
// data: the SQLite file plus the managed blob directory. Computed from
// real sizes, not row-count heuristics.
func (e *Engine) storageUsedBytes(ctx context.Context) (int64, error) {
	dbBytes, err := e.store.SizeBytes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to measure database size: %w", err)
	}
	return dbBytes + dirSizeBytes(e.cfg.BlobDir()), nil
}

// dirSizeBytes sums regular file sizes under dir. A missing directory
// counts as empty.
func dirSizeBytes(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
