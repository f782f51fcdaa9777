package model

import (
	"fmt"
	"time"
)

// PhotoCategory classifies when in a job's lifecycle a photo was taken.
type PhotoCategory string

const (
	PhotoBefore PhotoCategory = "before"
	PhotoDuring PhotoCategory = "during"
	PhotoAfter  PhotoCategory = "after"
)

// UploadStatus is the delivery state of a pending photo.
//
// The uploading state is persisted before the network call begins so a
// crash mid-upload is observable; rows stuck in uploading are reset to
// pending during engine initialization.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// PendingPhoto is a captured binary asset awaiting upload. Photos are
// queued separately from generic changes because they are
// multi-megabyte and need an explicit uploading state to prevent
// duplicate concurrent uploads of the same asset.
type PendingPhoto struct {
	ID            string        `json:"id"`
	JobID         string        `json:"job_id"`
	ChairID       string        `json:"chair_id,omitempty"`
	Category      PhotoCategory `json:"category"`
	LocalPath     string        `json:"local_path"`
	FileSizeBytes int64         `json:"file_size_bytes"`

	UploadStatus  UploadStatus `json:"upload_status"`
	ServerURL     string       `json:"server_url,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	RetryCount    int          `json:"retry_count"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	UploadedAt    *time.Time   `json:"uploaded_at,omitempty"`
}

// Validate checks if the PendingPhoto has valid field values.
// It enforces the invariant that ServerURL is set if and only if the
// photo has reached the uploaded state.
func (p *PendingPhoto) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	switch p.Category {
	case PhotoBefore, PhotoDuring, PhotoAfter:
	default:
		return fmt.Errorf("unknown photo category %q", p.Category)
	}
	if p.LocalPath == "" {
		return fmt.Errorf("local_path is required")
	}
	if p.FileSizeBytes < 0 {
		return fmt.Errorf("file_size_bytes must not be negative (got %d)", p.FileSizeBytes)
	}
	switch p.UploadStatus {
	case UploadPending, UploadUploading, UploadUploaded, UploadFailed:
	default:
		return fmt.Errorf("unknown upload status %q", p.UploadStatus)
	}
	if (p.UploadStatus == UploadUploaded) != (p.ServerURL != "") {
		return fmt.Errorf("server_url must be set exactly when upload_status is uploaded")
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
