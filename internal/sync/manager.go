// Package sync provides the sync manager: connectivity-aware scheduling
// and the reconciliation loop that drains the mutation queue.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/astraldesk/chartcache/internal/db"
	"github.com/astraldesk/chartcache/internal/events"
	"github.com/astraldesk/chartcache/internal/logging"
	"github.com/astraldesk/chartcache/internal/models"
	"github.com/astraldesk/chartcache/internal/netmon"
)

// Config tunes the manager's scheduling and retry behavior.
type Config struct {
	Interval     time.Duration // periodic drain tick (default 30s)
	BackoffBase  time.Duration // first retry delay (default 1s)
	BackoffMax   time.Duration // retry delay ceiling (default 5m)
	DrainTimeout time.Duration // per-drain context budget (default 5m)
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		BackoffBase:  time.Second,
		BackoffMax:   5 * time.Minute,
		DrainTimeout: 5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Skipped      bool `json:"skipped"`
	Succeeded    int  `json:"succeeded"`
	Failed       int  `json:"failed"`
	Terminal     int  `json:"terminal"`
	StillPending int  `json:"still_pending"`
}

// Status is the externally visible sync state.
type Status struct {
	PendingCount int        `json:"pending_count"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	InProgress   bool       `json:"in_progress"`
	Connectivity string     `json:"connectivity"`
}

// Manager owns connectivity-driven scheduling and the drain loop. It holds
// no persisted data itself: every cycle re-reads the queue from the store,
// so a restart mid-sync is safe.
type Manager struct {
	store   *db.Store
	remote  RemoteEndpoint
	monitor *netmon.Monitor
	hub     *events.Hub
	cfg     Config

	// drainMu guarantees at most one drain is logically in flight.
	// RunExclusive callers (clearAll) also take it, serializing them
	// against any running drain.
	drainMu gosync.Mutex

	statusMu   gosync.RWMutex
	inProgress bool
	lastSyncAt time.Time

	runMu   gosync.Mutex
	running bool
	stopCh  chan struct{}
	wg      gosync.WaitGroup
}

// NewManager creates a Manager. The hub may be nil when no one listens for
// sync events.
func NewManager(store *db.Store, remote RemoteEndpoint, monitor *netmon.Monitor, hub *events.Hub, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:   store,
		remote:  remote,
		monitor: monitor,
		hub:     hub,
		cfg:     cfg,
	}
}

// Start launches the periodic tick loop and the connectivity listener.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	// A fresh channel per run so the manager can be restarted after Stop.
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.runMu.Unlock()

	m.wg.Add(2)
	go m.tickLoop(ctx, stopCh)
	go m.monitorLoop(ctx, stopCh)

	logging.Info("sync manager started", map[string]interface{}{
		"interval": m.cfg.Interval.String(),
	})
}

// Stop shuts the background loops down and waits for them.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	m.runMu.Unlock()

	close(stopCh)
	m.wg.Wait()

	logging.Info("sync manager stopped")
}

// tickLoop drains on a fixed interval while online.
func (m *Manager) tickLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !m.monitor.IsOnline() {
				continue
			}
			go m.drainWithTimeout(ctx)
		}
	}
}

// monitorLoop drains on offline->online transitions. The monitor debounces
// the online edge before delivering it here.
func (m *Manager) monitorLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	id, ch := m.monitor.Subscribe()
	defer m.monitor.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.publish(events.TypeConnectivityChanged, map[string]interface{}{
				"state":   string(ev.State),
				"quality": string(ev.Quality),
			})
			if ev.State == netmon.StateOnline {
				go m.drainWithTimeout(ctx)
			}
		}
	}
}

// NotifyEnqueued schedules an immediate drain after a caller enqueued a
// mutation, if currently online. Non-blocking.
func (m *Manager) NotifyEnqueued() {
	if !m.monitor.IsOnline() {
		return
	}
	go m.drainWithTimeout(context.Background())
}

func (m *Manager) drainWithTimeout(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()
	m.AttemptDrain(drainCtx)
}

// AttemptDrain runs one drain cycle. It returns immediately with
// Skipped=true when offline or when another drain is already in flight.
// Failure handling is strictly per-item: one item's failure never aborts
// the batch.
func (m *Manager) AttemptDrain(ctx context.Context) *DrainResult {
	if !m.monitor.IsOnline() {
		return &DrainResult{Skipped: true}
	}
	if !m.drainMu.TryLock() {
		return &DrainResult{Skipped: true}
	}
	defer m.drainMu.Unlock()

	m.setInProgress(true)
	defer m.setInProgress(false)

	m.publish(events.TypeSyncStarted, nil)

	result := &DrainResult{}
	now := time.Now().UnixMilli()

	// The authoritative, up-to-date list; never a cached copy.
	items, err := m.store.ListPendingMutations(now)
	if err != nil {
		logging.Error("failed to read mutation queue", err)
		// Still terminate the cycle for event consumers.
		m.publish(events.TypeSyncCompleted, map[string]interface{}{
			"succeeded":     0,
			"failed":        0,
			"terminal":      0,
			"still_pending": 0,
			"error":         err.Error(),
		})
		return result
	}

	for _, item := range items {
		// Checkpoint: going offline mid-drain stops new calls; a call
		// already dispatched was allowed to finish above.
		if !m.monitor.IsOnline() {
			logging.Info("drain abandoned at checkpoint: went offline")
			break
		}
		if ctx.Err() != nil {
			logging.Info("drain abandoned at checkpoint: context done")
			break
		}
		m.applyItem(ctx, item, result)
	}

	pending, err := m.store.PendingMutationCount()
	if err != nil {
		logging.Error("failed to count pending mutations", err)
	}
	result.StillPending = pending

	m.statusMu.Lock()
	m.lastSyncAt = time.Now()
	m.statusMu.Unlock()

	m.publish(events.TypeSyncCompleted, map[string]interface{}{
		"succeeded":     result.Succeeded,
		"failed":        result.Failed,
		"terminal":      result.Terminal,
		"still_pending": result.StillPending,
	})

	return result
}

// applyItem sends one mutation to the remote endpoint and settles its
// queue entry.
func (m *Manager) applyItem(ctx context.Context, item *models.MutationQueueItem, result *DrainResult) {
	res, err := m.remote.Apply(ctx, item.Action, item.RecordID, item.PayloadSnapshot)

	if err == nil && res != nil && res.OK {
		if err := m.store.RemoveMutation(item.ID); err != nil {
			logging.Error("failed to remove completed mutation", err, map[string]interface{}{
				"mutation_id": item.ID.String(),
			})
			result.Failed++
			return
		}
		if item.Action == models.ActionCreate || item.Action == models.ActionUpdate {
			if err := m.store.MarkRecordSynced(item.RecordID, true); err != nil {
				logging.Error("failed to mark record synced", err, map[string]interface{}{
					"record_id": item.RecordID.String(),
				})
			}
		}
		result.Succeeded++
		return
	}

	// Failure path.
	errMsg := "remote apply failed"
	permanent := false
	if err != nil {
		errMsg = err.Error()
	} else if res != nil {
		if res.ErrorMessage != "" {
			errMsg = res.ErrorMessage
		}
		permanent = res.Permanent
	}

	item.Attempts++
	result.Failed++

	if permanent || item.Attempts >= item.MaxAttempts {
		// Terminal: removed from the queue, never retried again
		// automatically. The record keeps its last-known local state.
		if err := m.store.RemoveMutation(item.ID); err != nil {
			logging.Error("failed to remove terminal mutation", err, map[string]interface{}{
				"mutation_id": item.ID.String(),
			})
			return
		}
		result.Terminal++
		logging.Warn("mutation failed terminally", map[string]interface{}{
			"mutation_id": item.ID.String(),
			"record_id":   item.RecordID.String(),
			"action":      string(item.Action),
			"attempts":    item.Attempts,
			"permanent":   permanent,
			"error":       errMsg,
		})
		m.publish(events.TypeSyncTerminalFailure, map[string]interface{}{
			"mutation_id": item.ID.String(),
			"record_id":   item.RecordID.String(),
			"action":      string(item.Action),
			"attempts":    item.Attempts,
			"error":       errMsg,
		})
		return
	}

	delay := nextBackoff(m.cfg.BackoffBase, m.cfg.BackoffMax, item.Attempts)
	nextAt := time.Now().UnixMilli() + delay.Milliseconds()
	if err := m.store.UpdateMutationRetry(item.ID, item.Attempts, nextAt, errMsg); err != nil {
		logging.Error("failed to persist mutation retry state", err, map[string]interface{}{
			"mutation_id": item.ID.String(),
		})
		return
	}

	logging.Debug("mutation scheduled for retry", map[string]interface{}{
		"mutation_id": item.ID.String(),
		"attempts":    item.Attempts,
		"retry_in":    delay.String(),
	})
}

// ForceSync triggers an immediate drain and waits for it to finish.
func (m *Manager) ForceSync(ctx context.Context) *DrainResult {
	return m.AttemptDrain(ctx)
}

// RunExclusive runs fn while no drain is in progress, waiting for an
// in-flight drain to complete first. Used to serialize clearAll against
// the drain loop.
func (m *Manager) RunExclusive(fn func() error) error {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	return fn()
}

// Status returns the externally visible sync state.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	inProgress := m.inProgress
	lastSync := m.lastSyncAt
	m.statusMu.RUnlock()

	st := Status{InProgress: inProgress}
	if !lastSync.IsZero() {
		t := lastSync
		st.LastSyncAt = &t
	}

	state, _ := m.monitor.Current()
	st.Connectivity = string(state)

	pending, err := m.store.PendingMutationCount()
	if err != nil {
		logging.Error("failed to count pending mutations", err)
	}
	st.PendingCount = pending

	return st
}

func (m *Manager) setInProgress(v bool) {
	m.statusMu.Lock()
	m.inProgress = v
	m.statusMu.Unlock()
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.hub != nil {
		m.hub.Publish(eventType, data)
	}
}
