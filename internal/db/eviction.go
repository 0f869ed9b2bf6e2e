// Package db provides the cache eviction policy for the records collection.
package db

import (
	"sync"

	"github.com/astraldesk/chartcache/internal/logging"
	"github.com/astraldesk/chartcache/internal/models"
)

// Evictor enforces capacity bounds on the records collection. Eviction is
// a pure local-cache trim: removals never enqueue remote deletes, and
// unsynced records are exempt because a pending mutation still references
// them.
type Evictor struct {
	store      *Store
	maxRecords int
	maxBytes   int64

	mu sync.Mutex // one eviction pass at a time
}

// NewEvictor creates an Evictor with the given capacity bounds.
func NewEvictor(store *Store, maxRecords int, maxBytes int64) *Evictor {
	return &Evictor{
		store:      store,
		maxRecords: maxRecords,
		maxBytes:   maxBytes,
	}
}

// evictionCandidate is the slice of a record the policy ranks on.
type evictionCandidate struct {
	id        models.UUID
	sizeBytes int64
}

// Evict trims the records collection until both the count and size limits
// are satisfied or no evictable candidates remain, returning the number of
// records removed. Candidates are ranked lowest-priority, least-recently-
// used first. If every record is unsynced the store may temporarily exceed
// capacity; that is accepted over risking data loss.
func (e *Evictor) Evict() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	count, err := e.store.CountRecords()
	if err != nil {
		return 0, err
	}
	totalBytes, err := e.store.TotalRecordBytes()
	if err != nil {
		return 0, err
	}

	if count <= e.maxRecords && totalBytes <= e.maxBytes {
		return 0, nil
	}

	candidates, err := e.candidates()
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, c := range candidates {
		if count <= e.maxRecords && totalBytes <= e.maxBytes {
			break
		}
		if err := e.store.DeleteRecord(c.id); err != nil {
			return evicted, err
		}
		count--
		totalBytes -= c.sizeBytes
		evicted++
	}

	if evicted > 0 {
		logging.Debug("cache eviction pass completed", map[string]interface{}{
			"evicted":         evicted,
			"remaining":       count,
			"remaining_bytes": totalBytes,
		})
	}

	return evicted, nil
}

// candidates returns evictable records ranked ascending by
// (priority weight, last_accessed_at). Unsynced records are excluded.
func (e *Evictor) candidates() ([]evictionCandidate, error) {
	query := `
	SELECT id, size_bytes FROM records
	WHERE synced = 1
	ORDER BY CASE priority
		WHEN 'low' THEN 1
		WHEN 'medium' THEN 2
		ELSE 3
	END ASC, last_accessed_at ASC
	`
	rows, err := e.store.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []evictionCandidate
	for rows.Next() {
		var c evictionCandidate
		if err := rows.Scan(&c.id, &c.sizeBytes); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
