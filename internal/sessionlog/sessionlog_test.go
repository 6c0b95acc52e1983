package sessionlog

import (
	"compress/gzip"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports/fake"
)

func newLogger(t *testing.T, rotation RotationConfig) (*Logger, *fake.FileSystem, *fake.Clock) {
	t.Helper()
	clock := fake.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := fake.NewFileSystem(clock)
	return New(fs, clock, "/run/session", 10, rotation), fs, clock
}

func TestStartSessionWritesHeader(t *testing.T) {
	l, fs, _ := newLogger(t, DefaultRotationConfig())
	if err := l.StartSession("/dev/ttyUSB0", 115200); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	content, err := fs.ReadFile("/run/session/latest.log")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(content, "PORT: /dev/ttyUSB0") || !strings.Contains(content, "BAUD: 115200") {
		t.Errorf("header missing port/baud: %q", content)
	}
	if l.SessionID() == "" {
		t.Error("SessionID() empty after StartSession")
	}
}

func TestStartSessionArchivesPrevious(t *testing.T) {
	l, fs, _ := newLogger(t, RotationConfig{MaxSizeBytes: 1 << 30, MaxFiles: 5, Compress: false})
	if err := l.StartSession("/dev/ttyUSB0", 9600); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	l.LogLine("first session line")
	if err := l.StartSession("/dev/ttyUSB0", 9600); err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if !fs.FileExists("/run/session/latest.log.1") {
		t.Error("StartSession did not archive the previous latest.log to .1")
	}
	archived, _ := fs.ReadFile("/run/session/latest.log.1")
	if !strings.Contains(archived, "first session line") {
		t.Errorf("archived log missing prior content: %q", archived)
	}
}

func TestLogLineStripsAnsiAndUpdatesCounters(t *testing.T) {
	l, fs, _ := newLogger(t, DefaultRotationConfig())
	l.StartSession("/dev/ttyUSB0", 9600)

	if err := l.LogLine("\x1b[31mERROR\x1b[0m boom"); err != nil {
		t.Fatalf("LogLine: %v", err)
	}
	if l.LinesLogged() != 1 {
		t.Errorf("LinesLogged() = %d, want 1", l.LinesLogged())
	}
	content, _ := fs.ReadFile("/run/session/latest.log")
	if strings.Contains(content, "\x1b") {
		t.Errorf("log content still contains an escape byte: %q", content)
	}
	if !strings.Contains(content, "ERROR boom") {
		t.Errorf("log content missing stripped line: %q", content)
	}
}

func TestLogCommandUpdatesCounterAndMarksLine(t *testing.T) {
	l, fs, _ := newLogger(t, DefaultRotationConfig())
	l.StartSession("/dev/ttyUSB0", 9600)

	if err := l.LogCommand("reset"); err != nil {
		t.Fatalf("LogCommand: %v", err)
	}
	if l.CommandsSent() != 1 {
		t.Errorf("CommandsSent() = %d, want 1", l.CommandsSent())
	}
	content, _ := fs.ReadFile("/run/session/latest.log")
	if !strings.Contains(content, ">>> CMD: reset") {
		t.Errorf("log content missing command marker: %q", content)
	}
}

func TestRecentLinesRingBuffer(t *testing.T) {
	l, _, _ := newLogger(t, DefaultRotationConfig())
	l.StartSession("/dev/ttyUSB0", 9600)
	l.recentBufSize = 3

	for i := 0; i < 5; i++ {
		l.LogLine(strings.Repeat("x", 1) + string(rune('0'+i)))
	}
	recent := l.RecentLines(10)
	if len(recent) != 3 {
		t.Fatalf("RecentLines(10) returned %d lines, want 3 (buffer cap)", len(recent))
	}
	if !strings.HasSuffix(recent[2], "4") {
		t.Errorf("RecentLines last entry = %q, want it to end in the most recent line", recent[2])
	}
}

func TestEndSessionWritesFooterWithCounts(t *testing.T) {
	l, fs, clock := newLogger(t, DefaultRotationConfig())
	l.StartSession("/dev/ttyUSB0", 9600)
	l.LogLine("one")
	l.LogCommand("two")
	clock.Advance(90 * time.Second)

	if err := l.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	content, _ := fs.ReadFile("/run/session/latest.log")
	if !strings.Contains(content, "LINES LOGGED: 1") || !strings.Contains(content, "COMMANDS SENT: 1") {
		t.Errorf("footer missing expected counts: %q", content)
	}
	if !strings.Contains(content, "DURATION: 0h 1m 30s") {
		t.Errorf("footer duration wrong: %q", content)
	}
}

func TestRotationCompressesAndCapsFiles(t *testing.T) {
	l, fs, _ := newLogger(t, RotationConfig{MaxSizeBytes: 50, MaxFiles: 2, Compress: true})
	l.StartSession("/dev/ttyUSB0", 9600)

	for i := 0; i < 10; i++ {
		l.LogLine("a line long enough to trip rotation repeatedly")
	}

	if !fs.FileExists("/run/session/latest.log.1.gz") {
		t.Fatalf("expected latest.log.1.gz to exist after rotation, files: %v", listKeys(fs))
	}
	if fs.FileExists("/run/session/latest.log.3.gz") {
		t.Error("rotation kept more than MaxFiles archived generations")
	}

	raw, _ := fs.ReadFile("/run/session/latest.log.1.gz")
	gz, err := gzip.NewReader(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()
	decompressed, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("reading gzip stream: %v", err)
	}
	if !strings.Contains(string(decompressed), "a line long enough to trip rotation repeatedly") {
		t.Errorf("decompressed archive missing the most recently rotated line: %q", decompressed)
	}
}

func listKeys(fs *fake.FileSystem) []string {
	names, _ := fs.ListDir("/run/session")
	return names
}
