package models

import (
	"testing"
)

func TestPriorityWeight(t *testing.T) {
	cases := []struct {
		priority Priority
		want     int
	}{
		{PriorityLow, 1},
		{PriorityMedium, 2},
		{PriorityHigh, 3},
		{Priority("unknown"), 3},
		{Priority(""), 3},
	}
	for _, tc := range cases {
		if got := tc.priority.Weight(); got != tc.want {
			t.Errorf("Weight(%q) = %d, want %d", tc.priority, got, tc.want)
		}
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		if !p.Valid() {
			t.Errorf("expected %q valid", p)
		}
	}
	for _, p := range []Priority{"", "urgent", "HIGH"} {
		if p.Valid() {
			t.Errorf("expected %q invalid", p)
		}
	}
}

func TestActionValid(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
		if !a.Valid() {
			t.Errorf("expected %q valid", a)
		}
	}
	for _, a := range []Action{"", "upsert", "CREATE"} {
		if a.Valid() {
			t.Errorf("expected %q invalid", a)
		}
	}
}

func TestUUIDScan(t *testing.T) {
	var u UUID

	if err := u.Scan("abc-123"); err != nil {
		t.Fatalf("Scan string failed: %v", err)
	}
	if u != "abc-123" {
		t.Errorf("expected abc-123, got %s", u)
	}

	if err := u.Scan([]byte("def-456")); err != nil {
		t.Fatalf("Scan bytes failed: %v", err)
	}
	if u != "def-456" {
		t.Errorf("expected def-456, got %s", u)
	}

	if err := u.Scan(nil); err != nil {
		t.Fatalf("Scan nil failed: %v", err)
	}
	if u != "" {
		t.Errorf("expected empty after nil scan, got %s", u)
	}

	if err := u.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestMutationEligible(t *testing.T) {
	item := &MutationQueueItem{NextAttemptAt: 1000}

	if item.Eligible(999) {
		t.Error("expected not eligible before next_attempt_at")
	}
	if !item.Eligible(1000) {
		t.Error("expected eligible at next_attempt_at")
	}
	if !item.Eligible(2000) {
		t.Error("expected eligible after next_attempt_at")
	}
}

func TestRecordTouch(t *testing.T) {
	rec := &Record{UpdatedAt: 1000}
	rec.Touch()
	if rec.UpdatedAt <= 1000 {
		t.Errorf("expected UpdatedAt advanced, got %d", rec.UpdatedAt)
	}
}
