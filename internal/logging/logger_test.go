package logging

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"
)

func TestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "debug")

	lg.Info("record saved", map[string]interface{}{
		"record_id": "rec-1",
		"owner_id":  "user-1",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "record saved" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Errorf("unexpected level: %v", entry["level"])
	}
	if entry["record_id"] != "rec-1" || entry["owner_id"] != "user-1" {
		t.Errorf("context fields missing: %v", entry)
	}
}

func TestLoggerMergesContextMaps(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "debug")

	lg.Debug("drain tick",
		map[string]interface{}{"pending": 2},
		map[string]interface{}{"online": true},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["pending"] != float64(2) || entry["online"] != true {
		t.Errorf("merged fields missing: %v", entry)
	}
}

func TestLoggerAttachesError(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "debug")

	lg.Error("sync failed", stderrors.New("connection refused"))

	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("error not included in output: %s", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "warn")

	lg.Debug("invisible")
	lg.Info("also invisible")
	if buf.Len() != 0 {
		t.Errorf("expected below-level messages suppressed: %s", buf.String())
	}

	lg.Warn("visible")
	if buf.Len() == 0 {
		t.Error("expected warn message emitted")
	}
}

func TestLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "chatty")

	lg.Debug("suppressed at info")
	if buf.Len() != 0 {
		t.Errorf("expected debug suppressed at default level: %s", buf.String())
	}
	lg.Info("emitted")
	if buf.Len() == 0 {
		t.Error("expected info message emitted at default level")
	}
}
