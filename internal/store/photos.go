package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chairworks/fieldsync/internal/model"
)

// InsertPhoto appends a pending photo to the upload queue.
func (s *Store) InsertPhoto(ctx context.Context, photo *model.PendingPhoto) error {
	if err := photo.Validate(); err != nil {
		return storageErr("validate photo", err)
	}

	query := `
	INSERT INTO pending_photos (
		id, job_id, chair_id, category, local_path, file_size_bytes,
		upload_status, server_url, created_at, retry_count, last_attempt_at, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		photo.ID,
		photo.JobID,
		nullIfEmpty(photo.ChairID),
		string(photo.Category),
		photo.LocalPath,
		photo.FileSizeBytes,
		string(photo.UploadStatus),
		nullIfEmpty(photo.ServerURL),
		photo.CreatedAt.UTC().Format(time.RFC3339),
		photo.RetryCount,
		timeToNullString(photo.LastAttemptAt),
		photo.LastError,
	)
	if err != nil {
		return storageErr("insert photo "+photo.ID, err)
	}

	return nil
}

// GetPhoto returns a single photo by ID, or nil if it doesn't exist.
func (s *Store) GetPhoto(ctx context.Context, id string) (*model.PendingPhoto, error) {
	row := s.conn.QueryRowContext(ctx, photoSelect+` WHERE id = ?`, id)
	photo, err := scanPhoto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get photo "+id, err)
	}
	return photo, nil
}

// ListPhotosByStatus returns all photos in the given state, oldest first.
func (s *Store) ListPhotosByStatus(ctx context.Context, status model.UploadStatus) ([]*model.PendingPhoto, error) {
	query := photoSelect + ` WHERE upload_status = ? ORDER BY created_at ASC, rowid ASC`

	rows, err := s.conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, storageErr("list photos", err)
	}
	defer rows.Close()

	var photos []*model.PendingPhoto
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, storageErr("scan photo", err)
		}
		photos = append(photos, photo)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate photos", err)
	}

	return photos, nil
}

// ListPhotosByJob returns all photos captured for a job, oldest first.
func (s *Store) ListPhotosByJob(ctx context.Context, jobID string) ([]*model.PendingPhoto, error) {
	query := photoSelect + ` WHERE job_id = ? ORDER BY created_at ASC, rowid ASC`

	rows, err := s.conn.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, storageErr("list photos for job "+jobID, err)
	}
	defer rows.Close()

	var photos []*model.PendingPhoto
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, storageErr("scan photo", err)
		}
		photos = append(photos, photo)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate photos", err)
	}

	return photos, nil
}

// MarkPhotoUploading transitions a photo to the uploading state. This
// is persisted before the network call begins so a crash mid-upload is
// observable and the row can be reset on restart.
func (s *Store) MarkPhotoUploading(ctx context.Context, id string) error {
	query := `UPDATE pending_photos SET upload_status = ? WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(model.UploadUploading), id); err != nil {
		return storageErr("mark photo uploading "+id, err)
	}
	return nil
}

// MarkPhotoUploaded records a successful upload with the server URL.
func (s *Store) MarkPhotoUploaded(ctx context.Context, id, serverURL string, at time.Time) error {
	query := `
	UPDATE pending_photos
	SET upload_status = ?, server_url = ?, uploaded_at = ?, last_attempt_at = ?, last_error = ''
	WHERE id = ?
	`
	ts := at.UTC().Format(time.RFC3339)
	_, err := s.conn.ExecContext(ctx, query,
		string(model.UploadUploaded), serverURL, ts, ts, id)
	if err != nil {
		return storageErr("mark photo uploaded "+id, err)
	}
	return nil
}

// RecordPhotoFailure records a failed upload attempt, returning the
// photo to pending or, when terminal, moving it to failed.
func (s *Store) RecordPhotoFailure(ctx context.Context, id string, at time.Time, message string, terminal bool) error {
	status := model.UploadPending
	if terminal {
		status = model.UploadFailed
	}

	query := `
	UPDATE pending_photos
	SET upload_status = ?, retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		string(status), at.UTC().Format(time.RFC3339), message, id)
	if err != nil {
		return storageErr("record photo failure "+id, err)
	}
	return nil
}

// ResetStuckPhotos returns any photo stuck in uploading back to
// pending. Called during initialization to recover from a crash.
func (s *Store) ResetStuckPhotos(ctx context.Context) (int64, error) {
	query := `UPDATE pending_photos SET upload_status = ? WHERE upload_status = ?`
	res, err := s.conn.ExecContext(ctx, query,
		string(model.UploadPending), string(model.UploadUploading))
	if err != nil {
		return 0, storageErr("reset stuck photos", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetFailedPhotos returns failed photos to pending with a fresh
// retry budget.
func (s *Store) ResetFailedPhotos(ctx context.Context) (int64, error) {
	query := `
	UPDATE pending_photos
	SET upload_status = ?, retry_count = 0, last_error = ''
	WHERE upload_status = ?
	`
	res, err := s.conn.ExecContext(ctx, query,
		string(model.UploadPending), string(model.UploadFailed))
	if err != nil {
		return 0, storageErr("reset failed photos", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPhotosByStatus returns the number of photos in each state.
func (s *Store) CountPhotosByStatus(ctx context.Context) (map[model.UploadStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT upload_status, COUNT(*) FROM pending_photos GROUP BY upload_status`)
	if err != nil {
		return nil, storageErr("count photos", err)
	}
	defer rows.Close()

	counts := make(map[model.UploadStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("scan photo count", err)
		}
		counts[model.UploadStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate photo counts", err)
	}

	return counts, nil
}

// PurgeUploadedPhotos deletes uploaded photo rows older than the
// cutoff and returns their local blob paths so the caller can evict
// the files and reclaim storage.
func (s *Store) PurgeUploadedPhotos(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin purge transaction", err)
	}
	defer tx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339)

	rows, err := tx.QueryContext(ctx,
		`SELECT local_path FROM pending_photos WHERE upload_status = ? AND uploaded_at <= ?`,
		string(model.UploadUploaded), cutoffStr)
	if err != nil {
		return nil, storageErr("list purgeable photos", err)
	}

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return nil, storageErr("scan photo path", err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("iterate purgeable photos", err)
	}
	rows.Close()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM pending_photos WHERE upload_status = ? AND uploaded_at <= ?`,
		string(model.UploadUploaded), cutoffStr)
	if err != nil {
		return nil, storageErr("purge uploaded photos", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit purge transaction", err)
	}

	return paths, nil
}

// RecentPhotoErrors returns the most recent upload errors, newest first.
func (s *Store) RecentPhotoErrors(ctx context.Context, limit int) ([]model.SyncError, error) {
	query := `
	SELECT id, last_error FROM pending_photos
	WHERE last_error != ''
	ORDER BY last_attempt_at DESC
	LIMIT ?
	`
	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, storageErr("list recent photo errors", err)
	}
	defer rows.Close()

	var errs []model.SyncError
	for rows.Next() {
		var e model.SyncError
		if err := rows.Scan(&e.ID, &e.Message); err != nil {
			return nil, storageErr("scan photo error", err)
		}
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate photo errors", err)
	}

	return errs, nil
}

const photoSelect = `
SELECT id, job_id, chair_id, category, local_path, file_size_bytes,
       upload_status, server_url, created_at, retry_count, last_attempt_at, last_error, uploaded_at
FROM pending_photos`

func scanPhoto(row rowScanner) (*model.PendingPhoto, error) {
	var (
		photo         model.PendingPhoto
		chairID       sql.NullString
		category      string
		status        string
		serverURL     sql.NullString
		createdAt     string
		lastAttemptAt sql.NullString
		uploadedAt    sql.NullString
	)

	err := row.Scan(
		&photo.ID, &photo.JobID, &chairID, &category, &photo.LocalPath,
		&photo.FileSizeBytes, &status, &serverURL, &createdAt,
		&photo.RetryCount, &lastAttemptAt, &photo.LastError, &uploadedAt,
	)
	if err != nil {
		return nil, err
	}

	photo.ChairID = chairID.String
	photo.Category = model.PhotoCategory(category)
	photo.UploadStatus = model.UploadStatus(status)
	photo.ServerURL = serverURL.String

	if photo.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	if photo.LastAttemptAt, err = nullStringToTime(lastAttemptAt); err != nil {
		return nil, err
	}
	if photo.UploadedAt, err = nullStringToTime(uploadedAt); err != nil {
		return nil, err
	}

	return &photo, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
