// Package models provides data model definitions for the chart cache.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Priority weighs a record during cache eviction. Lower-priority records
// are evicted first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight returns the numeric eviction weight of the priority.
// Unknown values rank as high so a bad row is never evicted eagerly.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Record is a cached chart document mirrored from/to the remote authority.
// The payload is opaque to the sync core.
type Record struct {
	ID                UUID            `db:"id" json:"id"`
	OwnerID           string          `db:"owner_id" json:"owner_id"`
	Payload           json.RawMessage `db:"payload" json:"payload"`
	CreatedAt         int64           `db:"created_at" json:"created_at"`                   // epoch millis
	UpdatedAt         int64           `db:"updated_at" json:"updated_at"`                   // epoch millis
	LastAccessedAt    int64           `db:"last_accessed_at" json:"last_accessed_at"`       // epoch millis
	Synced            bool            `db:"synced" json:"synced"`
	OriginatedOffline bool            `db:"originated_offline" json:"originated_offline"`
	Priority          Priority        `db:"priority" json:"priority"`
	SizeBytes         int64           `db:"size_bytes" json:"size_bytes"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Touch updates the UpdatedAt timestamp.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UnixMilli()
}
