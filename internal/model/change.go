// Package model provides the data structures persisted by the fieldsync
// engine: pending changes, pending photos, cache entries, and conflicts.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the kind of remote entity a change targets.
type EntityType string

const (
	EntityJob            EntityType = "job"
	EntityChair          EntityType = "chair"
	EntityServiceRequest EntityType = "service_request"
	EntityStockMovement  EntityType = "stock_movement"
)

// Action is the mutation kind carried by a pending change.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// SyncStatus is the delivery state of a pending change.
//
// The core lifecycle is pending -> syncing -> synced, with syncing
// falling back to pending on a retryable failure and to failed once
// retries are exhausted or the remote rejects the change outright.
// StatusConflict is a terminal sub-state entered only under the
// ask_user conflict policy; conflicted changes are never retried
// automatically.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced"
	StatusFailed   SyncStatus = "failed"
	StatusConflict SyncStatus = "conflict"
)

// PendingChange represents an intended mutation not yet confirmed by
// the remote system. Changes are drained strictly in CreatedAt order
// so that multiple queued edits to the same entity replay causally.
type PendingChange struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload"`

	CreatedAt     time.Time  `json:"created_at"`
	SyncStatus    SyncStatus `json:"sync_status"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`

	// ForceOverwrite makes the next dispatch carry the overwrite flag,
	// skipping the remote's concurrency check. Set when an operator
	// resolves a stored conflict by keeping the local payload.
	ForceOverwrite bool `json:"force_overwrite,omitempty"`
}

// Validate checks if the PendingChange has valid field values.
func (c *PendingChange) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch c.EntityType {
	case EntityJob, EntityChair, EntityServiceRequest, EntityStockMovement:
	default:
		return fmt.Errorf("unknown entity type %q", c.EntityType)
	}
	switch c.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	if c.Action != ActionCreate && c.EntityID == "" {
		return fmt.Errorf("entity_id is required for %s", c.Action)
	}
	if len(c.Payload) == 0 && c.Action != ActionDelete {
		return fmt.Errorf("payload is required for %s", c.Action)
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// ExtractEntityID pulls the "id" field out of an entity payload.
// Update and delete changes carry the remote entity identifier inside
// the snapshot the UI hands over; the engine lifts it into EntityID
// for request routing.
func ExtractEntityID(payload json.RawMessage) (string, error) {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("failed to parse payload: %w", err)
	}
	return envelope.ID, nil
}

// SyncError is a single queue error surfaced through the SyncReport.
type SyncError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}
