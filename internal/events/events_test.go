package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports/fake"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestEmitAssignsMonotonicSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clock := fake.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := fake.NewFileSystem(clock)

	e, err := New(fs, clock, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ev1, err := e.Emit("line", map[string]any{"text": "hello"}, "")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev2, err := e.Emit("alert", map[string]any{"pattern": "CRASH"}, "warning")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if ev1.Sequence != 1 || ev2.Sequence != 2 {
		t.Errorf("sequences = %d, %d, want 1, 2", ev1.Sequence, ev2.Sequence)
	}
	if ev1.Level != "info" {
		t.Errorf("default level = %q, want info", ev1.Level)
	}
	if ev2.Level != "warning" {
		t.Errorf("explicit level = %q, want warning", ev2.Level)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("events file has %d lines, want 2", len(lines))
	}
}

func TestEmitWritesSortedKeysAndSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clock := fake.NewClock(time.Unix(0, 0))
	fs := fake.NewFileSystem(clock)
	e, _ := New(fs, clock, path)
	e.SetSessionID("sess-1")

	if _, err := e.Emit("line", map[string]any{"text": "x"}, ""); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	lines := readLines(t, path)
	line := lines[0]

	var keys []string
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &generic); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for k := range generic {
		keys = append(keys, k)
	}
	// Re-derive the sorted form and confirm the written line matches
	// byte-for-byte, not just semantically.
	var ev Event
	json.Unmarshal([]byte(line), &ev)
	if ev.SchemaVersion != 1 {
		t.Errorf("schema_version = %d, want 1", ev.SchemaVersion)
	}
	if ev.SessionID != "sess-1" {
		t.Errorf("session_id = %q, want sess-1", ev.SessionID)
	}

	want, err := marshalSorted(ev)
	if err != nil {
		t.Fatalf("marshalSorted: %v", err)
	}
	if line != want {
		t.Errorf("written line = %q, want sorted-key form %q", line, want)
	}
}

func TestNewResumesSequenceFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clock := fake.NewClock(time.Unix(0, 0))
	fs := fake.NewFileSystem(clock)

	e1, err := New(fs, clock, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e1.Emit("line", nil, ""); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	e2, err := New(fs, clock, path)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	ev, err := e2.Emit("line", nil, "")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev.Sequence != 4 {
		t.Errorf("resumed sequence = %d, want 4", ev.Sequence)
	}
}

func TestEmitDefaultsNilData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clock := fake.NewClock(time.Unix(0, 0))
	fs := fake.NewFileSystem(clock)
	e, _ := New(fs, clock, path)

	ev, err := e.Emit("ping", nil, "")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev.Data == nil {
		t.Error("Emit with nil data produced a nil Data map, want an empty map")
	}
}
