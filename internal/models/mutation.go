// Package models provides data model definitions for the chart cache.
package models

import (
	"encoding/json"
	"time"
)

// Action is the kind of remote operation a queued mutation carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// DefaultMaxAttempts is the attempt ceiling assigned at enqueue time
// unless the caller overrides it.
const DefaultMaxAttempts = 3

// MutationQueueItem is a pending local change awaiting application to the
// remote authority. It is destroyed on confirmed remote success or on
// exhausting MaxAttempts.
type MutationQueueItem struct {
	ID              UUID            `db:"id" json:"id"`
	Action          Action          `db:"action" json:"action"`
	RecordID        UUID            `db:"record_id" json:"record_id"`
	PayloadSnapshot json.RawMessage `db:"payload_snapshot" json:"payload_snapshot,omitempty"`
	EnqueuedAt      int64           `db:"enqueued_at" json:"enqueued_at"`         // epoch millis
	Attempts        int             `db:"attempts" json:"attempts"`
	MaxAttempts     int             `db:"max_attempts" json:"max_attempts"`
	NextAttemptAt   int64           `db:"next_attempt_at" json:"next_attempt_at"` // epoch millis; 0 means immediately eligible
	LastError       string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for MutationQueueItem.
func (MutationQueueItem) TableName() string {
	return "mutation_queue"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (m *MutationQueueItem) EnqueuedAtTime() time.Time {
	return time.UnixMilli(m.EnqueuedAt)
}

// Eligible reports whether the item may be attempted at the given time.
func (m *MutationQueueItem) Eligible(now int64) bool {
	return m.NextAttemptAt <= now
}
