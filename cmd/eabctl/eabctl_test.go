package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// withBaseDir points the package-level baseDirFlag at dir for the
// duration of a test, restoring the previous value afterward so tests
// can run in any order.
func withBaseDir(t *testing.T, dir string) {
	t.Helper()
	prev := baseDirFlag
	baseDirFlag = dir
	t.Cleanup(func() { baseDirFlag = prev })
}

func TestCmdCmdAppendsToCmdFile(t *testing.T) {
	dir := t.TempDir()
	withBaseDir(t, dir)

	cmd := cmdCmd()
	if err := cmd.RunE(cmd, []string{"ping", "device"}); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cmd.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "ping device" {
		t.Errorf("cmd.txt = %q, want %q", got, "ping device")
	}
}

func TestResetCmdQueuesPlainResetByDefault(t *testing.T) {
	dir := t.TempDir()
	withBaseDir(t, dir)

	cmd := resetCmd()
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cmd.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "!RESET" {
		t.Errorf("cmd.txt = %q, want !RESET with no sequence flag set", got)
	}
}

func TestResetCmdAppendsSequenceName(t *testing.T) {
	dir := t.TempDir()
	withBaseDir(t, dir)

	cmd := resetCmd()
	if err := cmd.Flags().Set("sequence", "bootloader"); err != nil {
		t.Fatalf("Set sequence flag: %v", err)
	}
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cmd.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "!RESET:bootloader" {
		t.Errorf("cmd.txt = %q, want !RESET:bootloader", got)
	}
}

func TestPauseCmdWritesDeadline(t *testing.T) {
	dir := t.TempDir()
	withBaseDir(t, dir)

	cmd := pauseCmd()
	if err := cmd.Flags().Set("seconds", "10"); err != nil {
		t.Fatalf("Set seconds flag: %v", err)
	}
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "pause.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err != nil {
		t.Errorf("pause.txt content %q is not a float deadline: %v", data, err)
	}
}

func TestPauseCmdRejectsNonPositiveSeconds(t *testing.T) {
	dir := t.TempDir()
	withBaseDir(t, dir)

	cmd := pauseCmd()
	if err := cmd.Flags().Set("seconds", "0"); err != nil {
		t.Fatalf("Set seconds flag: %v", err)
	}
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Error("RunE with --seconds=0 returned nil error, want a validation error")
	}
}

func TestResumeCmdRemovesPauseFile(t *testing.T) {
	dir := t.TempDir()
	withBaseDir(t, dir)
	pausePath := filepath.Join(dir, "pause.txt")
	if err := os.WriteFile(pausePath, []byte("123.0"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := resumeCmd()
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}
	if _, err := os.Stat(pausePath); !os.IsNotExist(err) {
		t.Error("pause.txt still exists after resume")
	}
}

func TestResumeCmdToleratesMissingPauseFile(t *testing.T) {
	withBaseDir(t, t.TempDir())
	cmd := resumeCmd()
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Errorf("RunE with no pause.txt present returned %v, want nil", err)
	}
}

func TestStatusCmdReadsAndFormatsStatusJSON(t *testing.T) {
	dir := t.TempDir()
	withBaseDir(t, dir)
	doc := `{
		"session": {"id": "serial_test"},
		"connection": {"port": "/dev/ttyUSB0", "baud": 115200, "status": "connected"},
		"health": {"status": "healthy", "idle_seconds": 1.5},
		"counters": {"lines_logged": 3, "bytes_received": 42, "commands_sent": 1, "alerts_triggered": 0}
	}`
	if err := os.WriteFile(filepath.Join(dir, "status.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := statusCmd()
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}
}

func TestStatusCmdMissingFileReturnsError(t *testing.T) {
	withBaseDir(t, t.TempDir())
	cmd := statusCmd()
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Error("RunE with no status.json present returned nil error")
	}
}

func TestStopCmdRequiresDeviceName(t *testing.T) {
	cmd := stopCmd()
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Error("RunE with no --device-name returned nil error")
	}
}

func TestStopCmdNoExistingDaemonIsNotAnError(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())
	cmd := stopCmd()
	if err := cmd.Flags().Set("device-name", "device-with-no-recorded-daemon"); err != nil {
		t.Fatalf("Set device-name flag: %v", err)
	}
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Errorf("RunE for an unregistered device returned %v, want nil", err)
	}
}
