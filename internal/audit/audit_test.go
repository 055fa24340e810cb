package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l := New(path, nil)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Record(Entry{Host: "203.0.113.5", Action: "print", Source: SourceRequest, Decision: "allow", Scope: "once", Reason: "allow-once"})
	l.Record(Entry{Host: "203.0.113.5", Source: SourceManagement, Decision: "deny", Scope: "permanent", Reason: "blacklist"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Fatalf("expected distinct ids, got %q and %q", entries[0].ID, entries[1].ID)
	}
	if entries[0].Timestamp != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected timestamp %q", entries[0].Timestamp)
	}
	if entries[1].Reason != "blacklist" || entries[1].Source != SourceManagement {
		t.Fatalf("unexpected second entry %#v", entries[1])
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var l *Log
	l.Record(Entry{Host: "x"})
	if New("", nil) != nil {
		t.Fatalf("expected empty path to disable the audit log")
	}
}
