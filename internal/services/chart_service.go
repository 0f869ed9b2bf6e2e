// Package services exposes the chart cache to external collaborators (UI
// and auth layers) through a narrow facade. The facade is constructed once
// at application start and passed to collaborators explicitly; there is no
// global instance.
package services

import (
	"context"
	"encoding/json"
	gosync "sync"

	"github.com/astraldesk/chartcache/internal/db"
	"github.com/astraldesk/chartcache/internal/errors"
	"github.com/astraldesk/chartcache/internal/logging"
	"github.com/astraldesk/chartcache/internal/models"
	"github.com/astraldesk/chartcache/internal/netmon"
	"github.com/astraldesk/chartcache/internal/sync"
	"github.com/astraldesk/chartcache/internal/uuid"
)

// SaveOptions customizes SaveRecord.
type SaveOptions struct {
	// ID targets an existing record; empty means create.
	ID models.UUID
	// Priority overrides the default eviction weight (high).
	Priority models.Priority
	// MaxAttempts overrides the default attempt ceiling of the enqueued
	// mutation.
	MaxAttempts int
}

// ChartService is the public facade over the durable store and the sync
// manager. With a nil store it runs degraded: pass-through, no caching, no
// queueing, and the degradation is logged exactly once.
type ChartService struct {
	store   *db.Store
	manager *sync.Manager
	monitor *netmon.Monitor

	// defaultMaxAttempts overrides the queue's built-in attempt ceiling
	// when positive.
	defaultMaxAttempts int

	degradedOnce gosync.Once
}

// NewChartService creates the facade. Pass a nil store (and nil manager)
// to run in degraded, cache-less mode after a storage initialization
// failure.
func NewChartService(store *db.Store, manager *sync.Manager, monitor *netmon.Monitor) *ChartService {
	return &ChartService{
		store:   store,
		manager: manager,
		monitor: monitor,
	}
}

// SetDefaultMaxAttempts sets the attempt ceiling applied to mutations
// enqueued without an explicit override.
func (s *ChartService) SetDefaultMaxAttempts(n int) {
	s.defaultMaxAttempts = n
}

// Degraded reports whether the service runs without a durable store.
func (s *ChartService) Degraded() bool {
	return s.store == nil
}

// warnDegraded logs the storage-unavailable warning once.
func (s *ChartService) warnDegraded() {
	s.degradedOnce.Do(func() {
		logging.Warn("durable store unavailable: caching and offline sync are disabled")
	})
}

// SaveRecord persists a chart document locally, enqueues a sync mutation
// and returns the record id immediately. Storage failures degrade to a
// no-op cache and are never surfaced to the caller; only invalid input is.
func (s *ChartService) SaveRecord(ownerID string, payload json.RawMessage, opts *SaveOptions) (models.UUID, error) {
	if ownerID == "" {
		return "", errors.New(errors.ErrInvalid, "owner id must not be empty")
	}
	if len(payload) == 0 {
		return "", errors.New(errors.ErrInvalid, "payload must not be empty")
	}
	if opts == nil {
		opts = &SaveOptions{}
	}

	if s.Degraded() {
		s.warnDegraded()
		id := opts.ID
		if id == "" {
			id = models.UUID(uuid.New())
		}
		return id, nil
	}

	online := s.monitor.IsOnline()
	action := models.ActionCreate
	rec := &models.Record{
		ID:                opts.ID,
		OwnerID:           ownerID,
		Payload:           payload,
		Priority:          opts.Priority,
		Synced:            false,
		OriginatedOffline: !online,
	}

	if opts.ID != "" {
		existing, err := s.store.GetRecord(opts.ID)
		if err != nil {
			logging.Error("failed to check record existence", err, map[string]interface{}{
				"record_id": opts.ID.String(),
			})
		} else if existing != nil {
			action = models.ActionUpdate
			// Creation-time facts survive updates.
			rec.OriginatedOffline = existing.OriginatedOffline
			if !opts.Priority.Valid() {
				rec.Priority = existing.Priority
			}
		}
	}

	id, err := s.store.PutRecord(rec)
	if err != nil {
		// The write path degrades silently; the caller still gets an id.
		logging.Error("failed to persist record", err, map[string]interface{}{
			"owner_id": ownerID,
		})
		if rec.ID == "" {
			rec.ID = models.UUID(uuid.New())
		}
		return rec.ID, nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	item := &models.MutationQueueItem{
		Action:          action,
		RecordID:        id,
		PayloadSnapshot: payload,
		MaxAttempts:     maxAttempts,
	}
	if _, err := s.store.EnqueueMutation(item); err != nil {
		logging.Error("failed to enqueue mutation", err, map[string]interface{}{
			"record_id": id.String(),
		})
		return id, nil
	}

	s.manager.NotifyEnqueued()

	return id, nil
}

// DeleteRecordAndSync removes a record locally and, when the remote
// authority holds a copy, enqueues a remote delete.
//
// Pending mutations for the record are dropped first: a create that never
// synced simply disappears (the remote never saw the record, so nothing
// can be orphaned), and a stale update must not resurrect a record the
// drain would otherwise delete-then-recreate.
func (s *ChartService) DeleteRecordAndSync(id models.UUID) error {
	if id == "" {
		return errors.New(errors.ErrInvalid, "record id must not be empty")
	}

	if s.Degraded() {
		s.warnDegraded()
		return nil
	}

	rec, err := s.store.GetRecord(id)
	if err != nil {
		logging.Error("failed to load record for delete", err, map[string]interface{}{
			"record_id": id.String(),
		})
		return nil
	}
	if rec == nil {
		return nil
	}

	if _, err := s.store.RemoveMutationsForRecord(id); err != nil {
		logging.Error("failed to drop pending mutations for deleted record", err, map[string]interface{}{
			"record_id": id.String(),
		})
	}

	if err := s.store.DeleteRecord(id); err != nil {
		logging.Error("failed to delete record locally", err, map[string]interface{}{
			"record_id": id.String(),
		})
		return nil
	}

	if rec.Synced {
		item := &models.MutationQueueItem{
			Action:   models.ActionDelete,
			RecordID: id,
		}
		if _, err := s.store.EnqueueMutation(item); err != nil {
			logging.Error("failed to enqueue delete mutation", err, map[string]interface{}{
				"record_id": id.String(),
			})
			return nil
		}
		s.manager.NotifyEnqueued()
	}

	return nil
}

// ListUserRecords returns the owner's cached records, most recently used
// first. With preferOnline and current connectivity it additionally kicks
// a best-effort background drain; the returned value never waits on the
// network.
func (s *ChartService) ListUserRecords(ownerID string, preferOnline bool) ([]*models.Record, error) {
	if ownerID == "" {
		return nil, errors.New(errors.ErrInvalid, "owner id must not be empty")
	}

	if s.Degraded() {
		s.warnDegraded()
		return []*models.Record{}, nil
	}

	records, err := s.store.ListRecords(ownerID)
	if err != nil {
		logging.Error("failed to list records", err, map[string]interface{}{
			"owner_id": ownerID,
		})
		return []*models.Record{}, nil
	}
	if records == nil {
		records = []*models.Record{}
	}

	if preferOnline && s.monitor.IsOnline() {
		s.manager.NotifyEnqueued()
	}

	return records, nil
}

// GetSyncStatus returns pending count, last sync time, drain state and
// connectivity.
func (s *ChartService) GetSyncStatus() sync.Status {
	if s.Degraded() {
		state, _ := s.monitor.Current()
		return sync.Status{Connectivity: string(state)}
	}
	return s.manager.Status()
}

// ForceSyncNow triggers an immediate drain and waits for its result.
func (s *ChartService) ForceSyncNow(ctx context.Context) *sync.DrainResult {
	if s.Degraded() {
		s.warnDegraded()
		return &sync.DrainResult{Skipped: true}
	}
	return s.manager.ForceSync(ctx)
}

// ClearAllLocalData wipes both collections, waiting for any in-flight
// drain to finish first so a concurrent write cannot resurrect deleted
// data.
func (s *ChartService) ClearAllLocalData() error {
	if s.Degraded() {
		s.warnDegraded()
		return nil
	}
	return s.manager.RunExclusive(func() error {
		if err := s.store.ClearAll(); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to clear local data", err)
		}
		logging.Info("local cache and mutation queue cleared")
		return nil
	})
}
