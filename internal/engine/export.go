package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/chairworks/fieldsync/internal/model"
)

// ExportQueue writes the current change and photo queues to w as
// JSON Lines, one record per row, for offline inspection or support
// escalation. Returns the number of records written.
func (e *Engine) ExportQueue(ctx context.Context, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	count := 0

	for _, status := range []model.SyncStatus{
		model.StatusPending, model.StatusSyncing, model.StatusFailed, model.StatusConflict,
	} {
		changes, err := e.store.ListChangesByStatus(ctx, status)
		if err != nil {
			return count, err
		}
		for _, change := range changes {
			if err := enc.Encode(exportRecord{Kind: "change", Change: change}); err != nil {
				return count, fmt.Errorf("failed to encode change %s: %w", change.ID, err)
			}
			count++
		}
	}

	for _, status := range []model.UploadStatus{
		model.UploadPending, model.UploadUploading, model.UploadFailed,
	} {
		photos, err := e.store.ListPhotosByStatus(ctx, status)
		if err != nil {
			return count, err
		}
		for _, photo := range photos {
			if err := enc.Encode(exportRecord{Kind: "photo", Photo: photo}); err != nil {
				return count, fmt.Errorf("failed to encode photo %s: %w", photo.ID, err)
			}
			count++
		}
	}

	return count, nil
}

type exportRecord struct {
	Kind   string               `json:"kind"`
	Change *model.PendingChange `json:"change,omitempty"`
	Photo  *model.PendingPhoto  `json:"photo,omitempty"`
}
