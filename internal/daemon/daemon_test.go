package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/config"
	"github.com/shanemmattner/embedded-agent-bridge/internal/ports/fake"
)

// newTestDaemon builds a Daemon against real ports but scoped entirely
// under t.TempDir()/EAB_RUN_DIR, so Start/Stop exercise the real
// singleton/portlock/filesystem code paths without touching actual
// hardware or the machine's shared run directory.
func newTestDaemon(t *testing.T, opts Options) *Daemon {
	t.Helper()
	t.Setenv("EAB_RUN_DIR", t.TempDir())
	if opts.BaseDir == "" {
		opts.BaseDir = t.TempDir()
	}
	return New(opts, fake.NewLogger())
}

func TestNewAppliesBaudAndBaseDirDefaults(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())
	d := New(Options{Port: "/dev/eab-test-bogus"}, fake.NewLogger())
	if d.opts.Baud != 115200 {
		t.Errorf("Baud = %d, want default 115200", d.opts.Baud)
	}
	if d.opts.BaseDir != "/var/run/eab/serial" {
		t.Errorf("BaseDir = %q, want the default run dir", d.opts.BaseDir)
	}
}

func TestStartFailsSoftOnBadPort(t *testing.T) {
	d := newTestDaemon(t, Options{
		Port:       filepath.Join(t.TempDir(), "does-not-exist-tty"),
		DeviceName: "test-device",
	})
	if d.Start() {
		t.Fatal("Start() on a nonexistent serial port returned true, want fail-soft false")
	}
	if d.running {
		t.Error("d.running = true after a failed Start()")
	}
}

func TestStartReleasesLocksOnFailedConnect(t *testing.T) {
	runDir := t.TempDir()
	t.Setenv("EAB_RUN_DIR", runDir)
	d := New(Options{
		Port:       filepath.Join(t.TempDir(), "does-not-exist-tty"),
		DeviceName: "lock-release-test",
		BaseDir:    t.TempDir(),
	}, fake.NewLogger())

	if d.Start() {
		t.Fatal("Start() unexpectedly succeeded against a bogus port")
	}

	// A second daemon for the same device must be able to acquire the
	// singleton lock immediately: Start() releases it on failure.
	d2 := New(Options{
		Port:       filepath.Join(t.TempDir(), "still-bogus"),
		DeviceName: "lock-release-test",
		BaseDir:    t.TempDir(),
	}, fake.NewLogger())
	if d2.Start() {
		t.Fatal("second Start() unexpectedly succeeded against a bogus port")
	}
}

func TestResolvePortReturnsExplicitPortWhenNotAuto(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())
	d := New(Options{Port: "/dev/ttyUSB5", BaseDir: t.TempDir()}, fake.NewLogger())
	if got := d.resolvePort(); got != "/dev/ttyUSB5" {
		t.Errorf("resolvePort() = %q, want the explicit port unchanged", got)
	}
}

func TestResolvePortFallsBackWhenAutoDetectOffEvenForAuto(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())
	d := New(Options{Port: "auto", AutoDetect: false, BaseDir: t.TempDir()}, fake.NewLogger())
	if got := d.resolvePort(); got != "auto" {
		t.Errorf("resolvePort() = %q, want \"auto\" echoed back since AutoDetect is false", got)
	}
}

func TestOnReconnectAndOnDisconnectUpdateStatus(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.onDisconnect()
	d.onReconnect()
	// Exercise only for panics/side effects; status.Manager's own
	// behavior is covered by its package tests.

	events := readEventTypes(t, d)
	if !containsEvent(events, "usb_disconnect") {
		t.Errorf("events.jsonl = %v, want a usb_disconnect event", events)
	}
	if !containsEvent(events, "reconnect") {
		t.Errorf("events.jsonl = %v, want a reconnect event", events)
	}
}

func TestOnChipStateChangeLogsAndWritesSessionLine(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)
	d.onChipStateChange("Unknown", "Booting")
	// No panic, no assertion on internal log content: sessionlog's own
	// tests cover formatting.
}

func TestOnResetRequestedDoesNotPanicForAnyReason(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.onResetRequested("clean_shutdown")
	d.onResetRequested("crash_loop")
	// devicecontrol.Reset against the never-opened serial port fails at
	// its first modem-line step and just logs an error;
	// the point here is that onResetRequested never panics regardless
	// of reason.
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q, want unchanged", got)
	}
	if got := truncate("a very long line", 6); got != "a very" {
		t.Errorf("truncate(long) = %q, want first 6 bytes", got)
	}
}

func TestProcessLineUpdatesStatusAndDetectsReset(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus", Config: config.Default()})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)
	d.statusMgr.StartSession("sess", "/dev/eab-bogus", 115200)

	d.processLine("rst:0x1 (POWERON_RESET),boot:0x13 (SPI_FAST_FLASH_BOOT)")

	stats := d.resets.GetStatistics()
	if stats.Total == 0 {
		t.Error("processLine with a reset-banner line did not update reset statistics")
	}
}

func TestSendCommandSpecialCommandDoesNotPanic(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)

	d.sendCommand("!RESET")
	// No assertion beyond "it doesn't panic": device.HandleCommand's
	// own behavior is covered in devicecontrol's tests, and which path
	// sendCommand took is not checked here.
}

func TestSendCommandEmitsCommandSentEvent(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)

	d.sendCommand("help")

	events := readEventTypes(t, d)
	if !containsEvent(events, "command_sent") {
		t.Errorf("events.jsonl = %v, want a command_sent event", events)
	}
}

func TestDaemonStartedEmittedAfterSessionStartIsFirstEvent(t *testing.T) {
	d := newTestDaemon(t, Options{Port: filepath.Join(t.TempDir(), "does-not-exist-tty"), DeviceName: "event-seq-test"})
	// Start() fails against a bogus port before reaching the
	// emit call; exercise the emission directly the way Start() does,
	// against a daemon whose session has already begun.
	d.statusMgr.StartSession("sess", "/dev/eab-bogus", 115200)
	if d.emitter != nil {
		d.emitter.SetSessionID("sess")
	}
	d.running = true
	if d.emitter != nil {
		d.emitter.Emit("daemon_started", map[string]any{"port": d.portName}, "info")
	}

	events := readEventTypes(t, d)
	if len(events) == 0 || events[0] != "daemon_started" {
		t.Fatalf("first event = %v, want [daemon_started, ...]", events)
	}
}

func TestProcessLineActivatesStreamOnMarker(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus", BaseDir: t.TempDir()})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)
	d.streamEnabled = true
	d.streamMarker = "===START==="

	d.processLine("boot ===START===")

	if !d.streamActive {
		t.Error("stream did not activate after a line containing the marker")
	}
	if !containsEvent(readEventTypes(t, d), "stream_started") {
		t.Error("events.jsonl missing stream_started after marker activation")
	}
}

// readEventTypes reads every "type" field recorded in d's events.jsonl
// in order.
func readEventTypes(t *testing.T, d *Daemon) []string {
	t.Helper()
	path := filepath.Join(d.opts.BaseDir, "events.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad events.jsonl line %q: %v", line, err)
		}
		types = append(types, ev.Type)
	}
	return types
}

func containsEvent(types []string, want string) bool {
	for _, ty := range types {
		if ty == want {
			return true
		}
	}
	return false
}

func TestCheckCommandsDrainsCmdFile(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)
	d.cmdPath = filepath.Join(t.TempDir(), "cmd.txt")
	if err := os.WriteFile(d.cmdPath, []byte("ping\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d.checkCommands()

	data, err := os.ReadFile(d.cmdPath)
	if err != nil {
		t.Fatalf("ReadFile after checkCommands: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("cmd.txt not drained, still contains %q", data)
	}
}

func TestStopIsSafeBeforeStart(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)
	d.statusMgr.StartSession("sess", "/dev/eab-bogus", 115200)
	// portLock and singleton are both nil before a successful Start();
	// Stop must tolerate that rather than panicking on a nil deref.
	d.Stop()
	if d.running {
		t.Error("d.running = true after Stop()")
	}
}

func TestRunExitsPromptlyWhenContextCancelled(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	d.sessionLog.StartSession("/dev/eab-bogus", 115200)
	d.statusMgr.StartSession("sess", "/dev/eab-bogus", 115200)
	d.running = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return within 2s of an already-cancelled context")
	}
}

func TestStartWatcherAndStopWatcherAreIdempotent(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus", BaseDir: t.TempDir()})
	d.startWatcher()
	d.stopWatcher()
	d.stopWatcher() // must not panic on a second close
}

func TestDrainWatcherEventsFalseWithNoWatcher(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus"})
	if d.drainWatcherEvents(time.Millisecond) {
		t.Error("drainWatcherEvents() with no watcher returned true")
	}
}

func TestDrainWatcherEventsSeesFileWrite(t *testing.T) {
	d := newTestDaemon(t, Options{Port: "/dev/eab-bogus", BaseDir: t.TempDir()})
	d.startWatcher()
	if d.watcher == nil {
		t.Skip("fsnotify watcher unavailable in this sandbox")
	}
	defer d.stopWatcher()

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(filepath.Join(d.opts.BaseDir, "cmd.txt"), []byte("x"), 0o644)
	}()

	if !d.drainWatcherEvents(time.Second) {
		t.Error("drainWatcherEvents() did not observe a write within 1s")
	}
}
