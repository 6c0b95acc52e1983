package pattern

import (
	"testing"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports/fake"
)

func TestCheckMatchesDefaultPatterns(t *testing.T) {
	clock := fake.NewClock(time.Unix(0, 0))
	m := New(clock, true)

	matches := m.Check("Guru Meditation Error: Core 0 panic'ed")
	var names []string
	for _, mt := range matches {
		names = append(names, mt.Pattern)
	}
	if !contains(names, "CRASH") {
		t.Errorf("Check() matched %v, want CRASH among them", names)
	}
	if !contains(names, "panic") {
		t.Errorf("Check() matched %v, want panic among them", names)
	}
}

func TestCheckIsCaseInsensitive(t *testing.T) {
	m := New(nil, false)
	if err := m.Add("FAIL", "fail", true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(m.Check("TEST FAILED")) != 1 {
		t.Error("Check() on uppercase line did not match a lowercase pattern")
	}
}

func TestAddLiteralQuotesMeta(t *testing.T) {
	m := New(nil, false)
	if err := m.Add("literal", "a.b", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(m.Check("a.b")) != 1 {
		t.Error("Check() did not match the literal pattern text")
	}
	if len(m.Check("axb")) != 0 {
		t.Error("Check() matched axb against a literal \"a.b\" pattern, want the dot treated literally")
	}
}

func TestAddRejectsInvalidRegex(t *testing.T) {
	m := New(nil, false)
	if err := m.Add("bad", "(unterminated", true); err == nil {
		t.Error("Add() with invalid regex returned nil error")
	}
}

func TestCountsAccumulateAndReset(t *testing.T) {
	m := New(nil, false)
	m.Add("FAIL", "fail", true)

	m.Check("fail once")
	m.Check("fail twice")
	if got := m.Counts()["FAIL"]; got != 2 {
		t.Errorf("Counts()[FAIL] = %d, want 2", got)
	}

	m.ResetCounts()
	if got := m.Counts()["FAIL"]; got != 0 {
		t.Errorf("Counts()[FAIL] after ResetCounts = %d, want 0", got)
	}
	if _, ok := m.patterns["FAIL"]; !ok {
		t.Error("ResetCounts removed the registered pattern, want it to survive")
	}
}

func TestRemovePreservesOrderOfSurvivors(t *testing.T) {
	m := New(nil, false)
	m.Add("a", "a", true)
	m.Add("b", "b", true)
	m.Add("c", "c", true)
	m.Remove("b")

	want := []string{"a", "c"}
	got := m.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAlertLoggerAppendsAndCounts(t *testing.T) {
	clock := fake.NewClock(time.Unix(0, 0))
	fs := fake.NewFileSystem(clock)
	logger := NewAlertLogger(fs, clock, "/run/alerts.txt")

	match := Match{Timestamp: clock.Now(), Pattern: "FAIL", Line: "it failed"}
	if err := logger.Log(match); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := logger.Log(match); err != nil {
		t.Fatalf("Log: %v", err)
	}

	if logger.Count() != 2 {
		t.Errorf("Count() = %d, want 2", logger.Count())
	}
	content, err := fs.ReadFile("/run/alerts.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := len(splitLines(content)); got != 2 {
		t.Errorf("alerts file has %d lines, want 2", got)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
