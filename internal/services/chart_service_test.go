package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/astraldesk/chartcache/internal/db"
	"github.com/astraldesk/chartcache/internal/errors"
	"github.com/astraldesk/chartcache/internal/models"
	"github.com/astraldesk/chartcache/internal/netmon"
	"github.com/astraldesk/chartcache/internal/sync"
)

// okRemote accepts every mutation.
type okRemote struct{}

func (okRemote) Apply(context.Context, models.Action, models.UUID, json.RawMessage) (*sync.RemoteResult, error) {
	return &sync.RemoteResult{OK: true}, nil
}

// newTestService builds a service over a real temp-dir store. The monitor
// starts offline so enqueue side effects stay observable in the queue.
func newTestService(t *testing.T) (*ChartService, *db.Store, *netmon.Monitor) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	store := db.NewStore(database.DB)
	t.Cleanup(func() { store.Close() })

	monitor := netmon.NewMonitor(nil, 0)
	monitor.SetOnline(false)

	manager := sync.NewManager(store, okRemote{}, monitor, nil, sync.Config{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  time.Second,
	})

	return NewChartService(store, manager, monitor), store, monitor
}

func TestSaveRecordCreatesAndEnqueues(t *testing.T) {
	svc, store, _ := newTestService(t)

	id, err := svc.SaveRecord("user-1", []byte(`{"sign":"virgo"}`), nil)
	if err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	rec, err := store.GetRecord(id)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record persisted")
	}
	if rec.Synced {
		t.Error("new record must start unsynced")
	}
	if !rec.OriginatedOffline {
		t.Error("record saved while offline must be flagged")
	}

	items, err := store.ListAllMutations()
	if err != nil {
		t.Fatalf("ListAllMutations failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued mutation, got %d", len(items))
	}
	if items[0].Action != models.ActionCreate || items[0].RecordID != id {
		t.Errorf("unexpected mutation: %+v", items[0])
	}
}

func TestSaveRecordExistingEnqueuesUpdate(t *testing.T) {
	svc, store, _ := newTestService(t)

	id, err := svc.SaveRecord("user-1", []byte(`{"v":1}`), nil)
	if err != nil {
		t.Fatalf("first SaveRecord failed: %v", err)
	}

	if _, err := svc.SaveRecord("user-1", []byte(`{"v":2}`), &SaveOptions{ID: id}); err != nil {
		t.Fatalf("second SaveRecord failed: %v", err)
	}

	items, err := store.ListAllMutations()
	if err != nil {
		t.Fatalf("ListAllMutations failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 queued mutations, got %d", len(items))
	}
	if items[0].Action != models.ActionCreate || items[1].Action != models.ActionUpdate {
		t.Errorf("expected create then update, got %v then %v", items[0].Action, items[1].Action)
	}

	rec, _ := store.GetRecord(id)
	if string(rec.Payload) != `{"v":2}` {
		t.Errorf("expected overwritten payload, got %s", rec.Payload)
	}
}

func TestOnlineUpdateKeepsCreationFacts(t *testing.T) {
	svc, store, monitor := newTestService(t)

	// Created offline with an explicit priority.
	id, err := svc.SaveRecord("user-1", []byte(`{"v":1}`), &SaveOptions{Priority: models.PriorityMedium})
	if err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	// Updated online without restating the priority.
	monitor.SetOnline(true)
	if _, err := svc.SaveRecord("user-1", []byte(`{"v":2}`), &SaveOptions{ID: id}); err != nil {
		t.Fatalf("update SaveRecord failed: %v", err)
	}

	rec, err := store.GetRecord(id)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !rec.OriginatedOffline {
		t.Error("offline-created record lost its originated_offline flag on online update")
	}
	if rec.Priority != models.PriorityMedium {
		t.Errorf("expected stored priority preserved, got %s", rec.Priority)
	}
}

func TestUpdateCanChangePriority(t *testing.T) {
	svc, store, _ := newTestService(t)

	id, err := svc.SaveRecord("user-1", []byte(`{"v":1}`), &SaveOptions{Priority: models.PriorityMedium})
	if err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if _, err := svc.SaveRecord("user-1", []byte(`{"v":2}`), &SaveOptions{ID: id, Priority: models.PriorityLow}); err != nil {
		t.Fatalf("update SaveRecord failed: %v", err)
	}

	rec, err := store.GetRecord(id)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec.Priority != models.PriorityLow {
		t.Errorf("expected explicit priority override, got %s", rec.Priority)
	}
}

func TestSaveRecordDefaultMaxAttempts(t *testing.T) {
	svc, store, _ := newTestService(t)
	svc.SetDefaultMaxAttempts(5)

	if _, err := svc.SaveRecord("user-1", []byte(`{"n":1}`), nil); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if _, err := svc.SaveRecord("user-1", []byte(`{"n":2}`), &SaveOptions{MaxAttempts: 7}); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	items, err := store.ListAllMutations()
	if err != nil {
		t.Fatalf("ListAllMutations failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 queued mutations, got %d", len(items))
	}
	if items[0].MaxAttempts != 5 {
		t.Errorf("expected service default 5, got %d", items[0].MaxAttempts)
	}
	if items[1].MaxAttempts != 7 {
		t.Errorf("expected per-save override 7, got %d", items[1].MaxAttempts)
	}
}

func TestSaveRecordRejectsInvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.SaveRecord("", []byte(`{}`), nil); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty owner, got %v", err)
	}
	if _, err := svc.SaveRecord("user-1", nil, nil); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty payload, got %v", err)
	}
}

func TestOfflineSaveThenOnlineDrain(t *testing.T) {
	svc, store, monitor := newTestService(t)

	id, err := svc.SaveRecord("user-1", []byte(`{"sign":"libra"}`), nil)
	if err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	monitor.SetOnline(true)
	result := svc.ForceSyncNow(context.Background())
	if result.Skipped {
		t.Fatal("expected drain to run while online")
	}

	rec, err := store.GetRecord(id)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec == nil || !rec.Synced {
		t.Error("expected record synced after online drain")
	}
	pending, _ := store.PendingMutationCount()
	if pending != 0 {
		t.Errorf("expected empty queue after drain, got %d", pending)
	}
}

func TestDeleteUnsyncedDropsPendingCreate(t *testing.T) {
	svc, store, _ := newTestService(t)

	id, err := svc.SaveRecord("user-1", []byte(`{"sign":"aries"}`), nil)
	if err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	// The create never reached the remote; deleting locally must leave no
	// trace for the drain to act on.
	if err := svc.DeleteRecordAndSync(id); err != nil {
		t.Fatalf("DeleteRecordAndSync failed: %v", err)
	}

	rec, _ := store.GetRecord(id)
	if rec != nil {
		t.Error("expected record deleted locally")
	}
	pending, _ := store.PendingMutationCount()
	if pending != 0 {
		t.Errorf("expected empty queue, got %d pending", pending)
	}
}

func TestDeleteSyncedEnqueuesRemoteDelete(t *testing.T) {
	svc, store, _ := newTestService(t)

	id, err := svc.SaveRecord("user-1", []byte(`{"sign":"taurus"}`), nil)
	if err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	// Simulate a completed sync.
	if _, err := store.RemoveMutationsForRecord(id); err != nil {
		t.Fatalf("RemoveMutationsForRecord failed: %v", err)
	}
	if err := store.MarkRecordSynced(id, true); err != nil {
		t.Fatalf("MarkRecordSynced failed: %v", err)
	}

	if err := svc.DeleteRecordAndSync(id); err != nil {
		t.Fatalf("DeleteRecordAndSync failed: %v", err)
	}

	items, err := store.ListAllMutations()
	if err != nil {
		t.Fatalf("ListAllMutations failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued mutation, got %d", len(items))
	}
	if items[0].Action != models.ActionDelete || items[0].RecordID != id {
		t.Errorf("expected remote delete for %s, got %+v", id, items[0])
	}
}

func TestDeleteMissingRecordIsNoop(t *testing.T) {
	svc, store, _ := newTestService(t)

	if err := svc.DeleteRecordAndSync("no-such-id"); err != nil {
		t.Errorf("expected nil error for missing record, got %v", err)
	}
	pending, _ := store.PendingMutationCount()
	if pending != 0 {
		t.Errorf("expected empty queue, got %d", pending)
	}
}

func TestListUserRecords(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, payload := range []string{`{"n":1}`, `{"n":2}`} {
		if _, err := svc.SaveRecord("user-1", []byte(payload), nil); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}
	}
	if _, err := svc.SaveRecord("user-2", []byte(`{"n":3}`), nil); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	records, err := svc.ListUserRecords("user-1", false)
	if err != nil {
		t.Fatalf("ListUserRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records for user-1, got %d", len(records))
	}

	records, err = svc.ListUserRecords("user-3", false)
	if err != nil {
		t.Fatalf("ListUserRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records for unknown owner, got %d", len(records))
	}

	if _, err := svc.ListUserRecords("", false); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty owner, got %v", err)
	}
}

func TestGetSyncStatus(t *testing.T) {
	svc, _, monitor := newTestService(t)

	if _, err := svc.SaveRecord("user-1", []byte(`{"n":1}`), nil); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	st := svc.GetSyncStatus()
	if st.PendingCount != 1 {
		t.Errorf("expected 1 pending, got %d", st.PendingCount)
	}
	if st.Connectivity != string(netmon.StateOffline) {
		t.Errorf("expected offline, got %s", st.Connectivity)
	}

	monitor.SetOnline(true)
	st = svc.GetSyncStatus()
	if st.Connectivity != string(netmon.StateOnline) {
		t.Errorf("expected online, got %s", st.Connectivity)
	}
}

func TestClearAllLocalData(t *testing.T) {
	svc, store, _ := newTestService(t)

	if _, err := svc.SaveRecord("user-1", []byte(`{"n":1}`), nil); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	if err := svc.ClearAllLocalData(); err != nil {
		t.Fatalf("ClearAllLocalData failed: %v", err)
	}

	count, _ := store.CountRecords()
	pending, _ := store.PendingMutationCount()
	if count != 0 || pending != 0 {
		t.Errorf("expected everything wiped, got %d records and %d mutations", count, pending)
	}
}

func TestDegradedServicePassesThrough(t *testing.T) {
	monitor := netmon.NewMonitor(nil, 0)
	svc := NewChartService(nil, nil, monitor)

	if !svc.Degraded() {
		t.Fatal("expected degraded mode with nil store")
	}

	id, err := svc.SaveRecord("user-1", []byte(`{"n":1}`), nil)
	if err != nil {
		t.Fatalf("degraded SaveRecord failed: %v", err)
	}
	if id == "" {
		t.Error("expected generated id even without a store")
	}

	records, err := svc.ListUserRecords("user-1", false)
	if err != nil {
		t.Fatalf("degraded ListUserRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty list, got %d", len(records))
	}

	if err := svc.DeleteRecordAndSync("rec-1"); err != nil {
		t.Errorf("degraded delete failed: %v", err)
	}
	if err := svc.ClearAllLocalData(); err != nil {
		t.Errorf("degraded clear failed: %v", err)
	}

	result := svc.ForceSyncNow(context.Background())
	if !result.Skipped {
		t.Error("expected sync skipped in degraded mode")
	}

	st := svc.GetSyncStatus()
	if st.Connectivity != string(netmon.StateOnline) {
		t.Errorf("expected connectivity reported, got %q", st.Connectivity)
	}
}

func TestDegradedServiceKeepsCallerIDs(t *testing.T) {
	svc := NewChartService(nil, nil, netmon.NewMonitor(nil, 0))

	id, err := svc.SaveRecord("user-1", []byte(`{"n":1}`), &SaveOptions{ID: "caller-id"})
	if err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if id != "caller-id" {
		t.Errorf("expected caller id echoed back, got %s", id)
	}
}
