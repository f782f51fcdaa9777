package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConflictResolution names how a stored conflict was settled.
const (
	ResolutionKeepLocal  = "keep_local"
	ResolutionKeepServer = "keep_server"
)

// SyncConflict captures both sides of a concurrent-modification
// conflict under the ask_user policy. The originating change sits in
// StatusConflict until an operator resolves the record.
type SyncConflict struct {
	ID            string          `json:"id"`
	ChangeID      string          `json:"change_id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	LocalPayload  json.RawMessage `json:"local_payload"`
	ServerPayload json.RawMessage `json:"server_payload"`
	DetectedAt    time.Time       `json:"detected_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
}

// Validate checks if the SyncConflict has valid field values.
func (c *SyncConflict) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.ChangeID == "" {
		return fmt.Errorf("change_id is required")
	}
	if len(c.LocalPayload) == 0 {
		return fmt.Errorf("local_payload is required")
	}
	if c.DetectedAt.IsZero() {
		return fmt.Errorf("detected_at is required")
	}
	return nil
}

// Resolved reports whether the conflict has been settled.
func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// CacheEntry is a time-bounded cached read. A read never returns an
// entry whose ExpiresAt has passed.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
