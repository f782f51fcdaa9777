package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chairworks/fieldsync/internal/model"
)

// InsertChange appends a pending change to the queue.
func (s *Store) InsertChange(ctx context.Context, change *model.PendingChange) error {
	if err := change.Validate(); err != nil {
		return storageErr("validate change", err)
	}

	query := `
	INSERT INTO pending_changes (
		id, entity_type, entity_id, action, payload,
		created_at, sync_status, retry_count, last_attempt_at, last_error, force_overwrite
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		change.ID,
		string(change.EntityType),
		change.EntityID,
		string(change.Action),
		string(change.Payload),
		change.CreatedAt.UTC().Format(time.RFC3339),
		string(change.SyncStatus),
		change.RetryCount,
		timeToNullString(change.LastAttemptAt),
		change.LastError,
		boolToInt(change.ForceOverwrite),
	)
	if err != nil {
		return storageErr("insert change "+change.ID, err)
	}

	return nil
}

// GetChange returns a single change by ID, or nil if it doesn't exist.
func (s *Store) GetChange(ctx context.Context, id string) (*model.PendingChange, error) {
	row := s.conn.QueryRowContext(ctx, changeSelect+` WHERE id = ?`, id)
	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get change "+id, err)
	}
	return change, nil
}

// ListChangesByStatus returns all changes in the given state, ordered
// by created_at ascending. Oldest-first ordering preserves the causal
// order of edits against the same remote entity; rowid breaks ties
// between changes enqueued within the same second.
func (s *Store) ListChangesByStatus(ctx context.Context, status model.SyncStatus) ([]*model.PendingChange, error) {
	query := changeSelect + ` WHERE sync_status = ? ORDER BY created_at ASC, rowid ASC`

	rows, err := s.conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, storageErr("list changes", err)
	}
	defer rows.Close()

	var changes []*model.PendingChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, storageErr("scan change", err)
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate changes", err)
	}

	return changes, nil
}

// MarkChangeSyncing transitions a change to the syncing state. The
// scheduler calls this immediately before dispatching the change, so
// a crash mid-dispatch is observable on restart.
func (s *Store) MarkChangeSyncing(ctx context.Context, id string) error {
	query := `UPDATE pending_changes SET sync_status = ? WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(model.StatusSyncing), id); err != nil {
		return storageErr("mark change syncing "+id, err)
	}
	return nil
}

// MarkChangeSynced transitions a change to the terminal synced state.
// The row is retained until the retention sweep purges it.
func (s *Store) MarkChangeSynced(ctx context.Context, id string, at time.Time) error {
	query := `
	UPDATE pending_changes
	SET sync_status = ?, synced_at = ?, last_attempt_at = ?, last_error = ''
	WHERE id = ?
	`
	ts := at.UTC().Format(time.RFC3339)
	if _, err := s.conn.ExecContext(ctx, query, string(model.StatusSynced), ts, ts, id); err != nil {
		return storageErr("mark change synced "+id, err)
	}
	return nil
}

// RecordChangeFailure records a retryable failure: the retry count is
// incremented and the change either returns to pending (retried on the
// next scheduler pass) or, when terminal, moves to failed.
func (s *Store) RecordChangeFailure(ctx context.Context, id string, at time.Time, message string, terminal bool) error {
	status := model.StatusPending
	if terminal {
		status = model.StatusFailed
	}

	query := `
	UPDATE pending_changes
	SET sync_status = ?, retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		string(status), at.UTC().Format(time.RFC3339), message, id)
	if err != nil {
		return storageErr("record change failure "+id, err)
	}
	return nil
}

// MarkChangeRejected moves a change straight to failed without touching
// the retry count. Used for non-retryable remote rejections, where
// retrying will not change the outcome.
func (s *Store) MarkChangeRejected(ctx context.Context, id string, at time.Time, message string) error {
	query := `
	UPDATE pending_changes
	SET sync_status = ?, last_attempt_at = ?, last_error = ?
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		string(model.StatusFailed), at.UTC().Format(time.RFC3339), message, id)
	if err != nil {
		return storageErr("mark change rejected "+id, err)
	}
	return nil
}

// MarkChangeConflict parks a change in the conflict sub-state. The
// engine never auto-retries conflicted changes; an operator resolves
// them through the stored SyncConflict record.
func (s *Store) MarkChangeConflict(ctx context.Context, id string, at time.Time) error {
	query := `
	UPDATE pending_changes
	SET sync_status = ?, last_attempt_at = ?
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		string(model.StatusConflict), at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return storageErr("mark change conflict "+id, err)
	}
	return nil
}

// ResetStuckChanges returns any change stuck in syncing back to
// pending. Called during initialization to recover from a crash that
// happened mid-dispatch.
func (s *Store) ResetStuckChanges(ctx context.Context) (int64, error) {
	query := `UPDATE pending_changes SET sync_status = ? WHERE sync_status = ?`
	res, err := s.conn.ExecContext(ctx, query,
		string(model.StatusPending), string(model.StatusSyncing))
	if err != nil {
		return 0, storageErr("reset stuck changes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetFailedChanges returns failed changes to pending with a fresh
// retry budget. This is the explicit operator "retry failed items"
// action; it is never triggered automatically.
func (s *Store) ResetFailedChanges(ctx context.Context) (int64, error) {
	query := `
	UPDATE pending_changes
	SET sync_status = ?, retry_count = 0, last_error = ''
	WHERE sync_status = ?
	`
	res, err := s.conn.ExecContext(ctx, query,
		string(model.StatusPending), string(model.StatusFailed))
	if err != nil {
		return 0, storageErr("reset failed changes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountChangesByStatus returns the number of changes in each state.
func (s *Store) CountChangesByStatus(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM pending_changes GROUP BY sync_status`)
	if err != nil {
		return nil, storageErr("count changes", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("scan change count", err)
		}
		counts[model.SyncStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate change counts", err)
	}

	return counts, nil
}

// PurgeSyncedChanges deletes synced changes older than the cutoff.
func (s *Store) PurgeSyncedChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM pending_changes WHERE sync_status = ? AND synced_at <= ?`
	res, err := s.conn.ExecContext(ctx, query,
		string(model.StatusSynced), cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, storageErr("purge synced changes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentChangeErrors returns the most recent change-level errors for
// the sync report, newest first.
func (s *Store) RecentChangeErrors(ctx context.Context, limit int) ([]model.SyncError, error) {
	query := `
	SELECT id, last_error FROM pending_changes
	WHERE last_error != ''
	ORDER BY last_attempt_at DESC
	LIMIT ?
	`
	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, storageErr("list recent change errors", err)
	}
	defer rows.Close()

	var errs []model.SyncError
	for rows.Next() {
		var e model.SyncError
		if err := rows.Scan(&e.ID, &e.Message); err != nil {
			return nil, storageErr("scan change error", err)
		}
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate change errors", err)
	}

	return errs, nil
}

// MarkChangeForcedPending returns a conflicted change to pending with
// the forced-overwrite flag set, so the next pass resubmits it past
// the remote's concurrency check. The operator keep-local path.
func (s *Store) MarkChangeForcedPending(ctx context.Context, id string) error {
	query := `
	UPDATE pending_changes
	SET sync_status = ?, retry_count = 0, last_error = '', force_overwrite = 1
	WHERE id = ?
	`
	if _, err := s.conn.ExecContext(ctx, query, string(model.StatusPending), id); err != nil {
		return storageErr("mark change forced pending "+id, err)
	}
	return nil
}

const changeSelect = `
SELECT id, entity_type, entity_id, action, payload,
       created_at, sync_status, retry_count, last_attempt_at, last_error, synced_at, force_overwrite
FROM pending_changes`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*model.PendingChange, error) {
	var (
		change        model.PendingChange
		entityType    string
		action        string
		payload       string
		createdAt     string
		status        string
		lastAttemptAt sql.NullString
		syncedAt      sql.NullString
		force         int
	)

	err := row.Scan(
		&change.ID, &entityType, &change.EntityID, &action, &payload,
		&createdAt, &status, &change.RetryCount, &lastAttemptAt,
		&change.LastError, &syncedAt, &force,
	)
	if err != nil {
		return nil, err
	}

	change.ForceOverwrite = force != 0

	change.EntityType = model.EntityType(entityType)
	change.Action = model.Action(action)
	change.Payload = []byte(payload)
	change.SyncStatus = model.SyncStatus(status)

	if change.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	if change.LastAttemptAt, err = nullStringToTime(lastAttemptAt); err != nil {
		return nil, err
	}
	if change.SyncedAt, err = nullStringToTime(syncedAt); err != nil {
		return nil, err
	}

	return &change, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
