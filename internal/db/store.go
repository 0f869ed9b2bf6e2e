// Package db provides the durable store operations for records and the
// mutation queue.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/astraldesk/chartcache/internal/logging"
	"github.com/astraldesk/chartcache/internal/models"
	"github.com/astraldesk/chartcache/internal/uuid"
)

// Store provides transactional access to the records collection and the
// mutation queue. Retrieved rows are copies; callers never mutate live
// storage state directly.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt

	mu      sync.RWMutex
	evictor *Evictor
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetEvictor attaches the eviction policy triggered after every PutRecord.
func (s *Store) SetEvictor(e *Evictor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictor = e
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// =====================================================
// Record Operations
// =====================================================

// PutRecord inserts or overwrites a record by id, computes its byte
// footprint, and returns the id. The eviction check runs asynchronously so
// the caller never blocks on a cache trim. originated_offline is a
// creation-time fact: an overwrite keeps the stored value.
func (s *Store) PutRecord(rec *models.Record) (models.UUID, error) {
	now := nowMillis()

	if rec.ID == "" {
		rec.ID = models.UUID(uuid.New())
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.LastAccessedAt == 0 {
		rec.LastAccessedAt = now
	}
	if !rec.Priority.Valid() {
		rec.Priority = models.PriorityHigh
	}
	rec.UpdatedAt = now
	rec.SizeBytes = int64(len(rec.Payload))

	query := `
	INSERT INTO records (id, owner_id, payload, created_at, updated_at, last_accessed_at,
		synced, originated_offline, priority, size_bytes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		last_accessed_at = excluded.last_accessed_at,
		synced = excluded.synced,
		priority = excluded.priority,
		size_bytes = excluded.size_bytes
	`
	_, err := s.db.Exec(query, rec.ID, rec.OwnerID, []byte(rec.Payload), rec.CreatedAt,
		rec.UpdatedAt, rec.LastAccessedAt, rec.Synced, rec.OriginatedOffline,
		rec.Priority, rec.SizeBytes)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	evictor := s.evictor
	s.mu.RUnlock()
	if evictor != nil {
		go func() {
			if _, err := evictor.Evict(); err != nil {
				logging.Error("eviction pass failed", err)
			}
		}()
	}

	return rec.ID, nil
}

// GetRecord retrieves a record by id, updating last_accessed_at as a side
// effect. Returns (nil, nil) when the record does not exist.
func (s *Store) GetRecord(id models.UUID) (*models.Record, error) {
	query := `
	SELECT id, owner_id, payload, created_at, updated_at, last_accessed_at,
		   synced, originated_offline, priority, size_bytes
	FROM records WHERE id = ?
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := nowMillis()
	if _, err := s.db.Exec("UPDATE records SET last_accessed_at = ? WHERE id = ?", now, id); err != nil {
		return nil, err
	}
	rec.LastAccessedAt = now

	return rec, nil
}

// RecordExists reports whether a record with the given id is cached.
func (s *Store) RecordExists(id models.UUID) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// ListRecords returns all records for an owner, most recently used first.
func (s *Store) ListRecords(ownerID string) ([]*models.Record, error) {
	query := `
	SELECT id, owner_id, payload, created_at, updated_at, last_accessed_at,
		   synced, originated_offline, priority, size_bytes
	FROM records WHERE owner_id = ?
	ORDER BY last_accessed_at DESC
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteRecord removes a record from local storage regardless of sync
// state. Deleting an absent record is not an error.
func (s *Store) DeleteRecord(id models.UUID) error {
	_, err := s.db.Exec("DELETE FROM records WHERE id = ?", id)
	return err
}

// MarkRecordSynced flips the synced flag on a record. Marking an absent
// record is a no-op (the record may have been deleted locally while its
// create was in flight).
func (s *Store) MarkRecordSynced(id models.UUID, synced bool) error {
	_, err := s.db.Exec("UPDATE records SET synced = ? WHERE id = ?", synced, id)
	return err
}

// CountRecords returns the number of cached records.
func (s *Store) CountRecords() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

// TotalRecordBytes returns the summed payload footprint of all records.
func (s *Store) TotalRecordBytes() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(size_bytes), 0) FROM records").Scan(&n)
	return n, err
}

// scanner abstracts sql.Row / sql.Rows for record scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var rec models.Record
	var payload []byte
	err := row.Scan(&rec.ID, &rec.OwnerID, &payload, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.LastAccessedAt, &rec.Synced, &rec.OriginatedOffline, &rec.Priority, &rec.SizeBytes)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

// =====================================================
// Mutation Queue Operations
// =====================================================

// EnqueueMutation appends a pending operation to the mutation queue and
// returns its id.
func (s *Store) EnqueueMutation(item *models.MutationQueueItem) (models.UUID, error) {
	now := nowMillis()

	if item.ID == "" {
		item.ID = models.UUID(uuid.New())
	}
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = now
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = models.DefaultMaxAttempts
	}
	if !item.Action.Valid() {
		return "", fmt.Errorf("invalid mutation action: %q", item.Action)
	}

	query := `
	INSERT INTO mutation_queue (id, action, record_id, payload_snapshot, enqueued_at,
		attempts, max_attempts, next_attempt_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, item.ID, item.Action, item.RecordID, []byte(item.PayloadSnapshot),
		item.EnqueuedAt, item.Attempts, item.MaxAttempts, item.NextAttemptAt, item.LastError)
	if err != nil {
		return "", err
	}

	return item.ID, nil
}

// ListPendingMutations returns queue items eligible for an attempt at the
// given time, oldest-enqueued-first. Items whose retry time has not yet
// elapsed are skipped, not reordered.
func (s *Store) ListPendingMutations(now int64) ([]*models.MutationQueueItem, error) {
	query := `
	SELECT id, action, record_id, payload_snapshot, enqueued_at,
		   attempts, max_attempts, next_attempt_at, last_error
	FROM mutation_queue
	WHERE next_attempt_at <= ?
	ORDER BY enqueued_at ASC, rowid ASC
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMutations(rows)
}

// ListAllMutations returns every queue item, oldest-enqueued-first,
// including items still backing off.
func (s *Store) ListAllMutations() ([]*models.MutationQueueItem, error) {
	query := `
	SELECT id, action, record_id, payload_snapshot, enqueued_at,
		   attempts, max_attempts, next_attempt_at, last_error
	FROM mutation_queue
	ORDER BY enqueued_at ASC, rowid ASC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMutations(rows)
}

func scanMutations(rows *sql.Rows) ([]*models.MutationQueueItem, error) {
	var items []*models.MutationQueueItem
	for rows.Next() {
		var item models.MutationQueueItem
		var snapshot []byte
		err := rows.Scan(&item.ID, &item.Action, &item.RecordID, &snapshot, &item.EnqueuedAt,
			&item.Attempts, &item.MaxAttempts, &item.NextAttemptAt, &item.LastError)
		if err != nil {
			return nil, err
		}
		item.PayloadSnapshot = snapshot
		items = append(items, &item)
	}
	return items, rows.Err()
}

// RemoveMutation deletes a queue item by id.
func (s *Store) RemoveMutation(id models.UUID) error {
	_, err := s.db.Exec("DELETE FROM mutation_queue WHERE id = ?", id)
	return err
}

// RemoveMutationsForRecord deletes every queue item targeting a record and
// returns the number removed. Used when a local delete supersedes pending
// mutations for the same record.
func (s *Store) RemoveMutationsForRecord(recordID models.UUID) (int64, error) {
	result, err := s.db.Exec("DELETE FROM mutation_queue WHERE record_id = ?", recordID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpdateMutationRetry records a failed attempt on a queue item: attempt
// count, next eligible time and the error message.
func (s *Store) UpdateMutationRetry(id models.UUID, attempts int, nextAttemptAt int64, lastError string) error {
	query := `UPDATE mutation_queue SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`
	result, err := s.db.Exec(query, attempts, nextAttemptAt, lastError, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PendingMutationCount returns the total number of queued items, including
// ones still backing off.
func (s *Store) PendingMutationCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM mutation_queue").Scan(&n)
	return n, err
}

// =====================================================
// Maintenance
// =====================================================

// ClearAll wipes both collections in one transaction. Used on logout or
// account switch.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM mutation_queue"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		return err
	}

	return tx.Commit()
}
