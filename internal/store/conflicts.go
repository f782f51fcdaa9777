package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chairworks/fieldsync/internal/model"
)

// InsertConflict stores both sides of a detected conflict.
func (s *Store) InsertConflict(ctx context.Context, conflict *model.SyncConflict) error {
	if err := conflict.Validate(); err != nil {
		return storageErr("validate conflict", err)
	}

	query := `
	INSERT INTO sync_conflicts (
		id, change_id, entity_type, entity_id,
		local_payload, server_payload, detected_at, resolved_at, resolution
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		conflict.ID,
		conflict.ChangeID,
		string(conflict.EntityType),
		conflict.EntityID,
		string(conflict.LocalPayload),
		string(conflict.ServerPayload),
		conflict.DetectedAt.UTC().Format(time.RFC3339),
		timeToNullString(conflict.ResolvedAt),
		conflict.Resolution,
	)
	if err != nil {
		return storageErr("insert conflict "+conflict.ID, err)
	}

	return nil
}

// GetConflict returns a conflict by ID, or nil if it doesn't exist.
func (s *Store) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	row := s.conn.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)
	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get conflict "+id, err)
	}
	return conflict, nil
}

// ListConflicts returns conflicts, optionally including resolved ones,
// newest first.
func (s *Store) ListConflicts(ctx context.Context, includeResolved bool) ([]*model.SyncConflict, error) {
	query := conflictSelect
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC, rowid DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*model.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, storageErr("scan conflict", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate conflicts", err)
	}

	return conflicts, nil
}

// MarkConflictResolved records how a conflict was settled.
func (s *Store) MarkConflictResolved(ctx context.Context, id, resolution string, at time.Time) error {
	query := `UPDATE sync_conflicts SET resolved_at = ?, resolution = ? WHERE id = ?`
	_, err := s.conn.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339), resolution, id)
	if err != nil {
		return storageErr("mark conflict resolved "+id, err)
	}
	return nil
}

// CountUnresolvedConflicts returns the number of conflicts awaiting an
// operator decision.
func (s *Store) CountUnresolvedConflicts(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE resolved_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, storageErr("count conflicts", err)
	}
	return count, nil
}

const conflictSelect = `
SELECT id, change_id, entity_type, entity_id,
       local_payload, server_payload, detected_at, resolved_at, resolution
FROM sync_conflicts`

func scanConflict(row rowScanner) (*model.SyncConflict, error) {
	var (
		conflict      model.SyncConflict
		entityType    string
		localPayload  string
		serverPayload string
		detectedAt    string
		resolvedAt    sql.NullString
	)

	err := row.Scan(
		&conflict.ID, &conflict.ChangeID, &entityType, &conflict.EntityID,
		&localPayload, &serverPayload, &detectedAt, &resolvedAt, &conflict.Resolution,
	)
	if err != nil {
		return nil, err
	}

	conflict.EntityType = model.EntityType(entityType)
	conflict.LocalPayload = []byte(localPayload)
	if serverPayload != "" {
		conflict.ServerPayload = []byte(serverPayload)
	}

	if conflict.DetectedAt, err = time.Parse(time.RFC3339, detectedAt); err != nil {
		return nil, err
	}
	if conflict.ResolvedAt, err = nullStringToTime(resolvedAt); err != nil {
		return nil, err
	}

	return &conflict, nil
}
