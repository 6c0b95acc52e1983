// Package singleton enforces at most one daemon per session directory
// via an exclusively-locked daemon.pid file plus a daemon.info sidecar.
// Grounded on _examples/original_source/eab/singleton.py.
package singleton

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// Existing describes a daemon discovered via its PID/info files.
type Existing struct {
	PID        int
	IsAlive    bool
	Port       string
	BaseDir    string
	Started    string
	DeviceName string
	DeviceType string
	Chip       string
}

// DevicesDir returns the run-root for per-device session directories,
// honoring EAB_RUN_DIR.
func DevicesDir() string {
	return filepath.Join(runDir(), "eab-devices")
}

func runDir() string {
	if d := os.Getenv("EAB_RUN_DIR"); d != "" {
		return d
	}
	return "/tmp"
}

// Daemon is the per-device singleton lock.
type Daemon struct {
	logger     ports.Logger
	deviceName string
	pidFile    string
	infoFile   string

	lockFile *os.File
	ownsLock bool
}

// New constructs a Daemon for deviceName. deviceName must be non-empty:
// this module only implements the per-device session-dir mode; the
// legacy global `/tmp/eab-daemon.pid` singleton is superseded by
// per-device session directories in every caller in this repository.
func New(deviceName string, logger ports.Logger) *Daemon {
	dir := filepath.Join(DevicesDir(), deviceName)
	return &Daemon{
		logger:     logger,
		deviceName: deviceName,
		pidFile:    filepath.Join(dir, "daemon.pid"),
		infoFile:   filepath.Join(dir, "daemon.info"),
	}
}

func (d *Daemon) log(msg string)  { if d.logger != nil { d.logger.Info("[Singleton] " + msg) } }
func (d *Daemon) warn(msg string) { if d.logger != nil { d.logger.Warn("[Singleton] " + msg) } }
func (d *Daemon) err(msg string)  { if d.logger != nil { d.logger.Error("[Singleton] " + msg) } }

// GetExisting reports the daemon currently recorded for this device, if any.
func (d *Daemon) GetExisting() *Existing {
	b, err := os.ReadFile(d.pidFile)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return nil
	}

	existing := &Existing{
		PID:        pid,
		IsAlive:    isProcessAlive(pid),
		Port:       "unknown",
		BaseDir:    "unknown",
		Started:    "unknown",
		DeviceName: d.deviceName,
		DeviceType: "serial",
	}

	if info, err := parseInfoFile(d.infoFile); err == nil {
		if v, ok := info["port"]; ok {
			existing.Port = v
		}
		if v, ok := info["base_dir"]; ok {
			existing.BaseDir = v
		}
		if v, ok := info["started"]; ok {
			existing.Started = v
		}
		if v, ok := info["device_name"]; ok {
			existing.DeviceName = v
		}
		if v, ok := info["type"]; ok {
			existing.DeviceType = v
		}
		if v, ok := info["chip"]; ok {
			existing.Chip = v
		}
	}
	return existing
}

func parseInfoFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "=", 2)
		if len(parts) != 2 {
			continue
		}
		result[parts[0]] = parts[1]
	}
	return result, nil
}

func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil || err == unix.EPERM {
		return true
	}
	return false
}

func killProcess(pid int, timeout time.Duration) bool {
	if !isProcessAlive(pid) {
		return true
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return true
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	unix.Kill(pid, unix.SIGKILL)
	time.Sleep(500 * time.Millisecond)
	return !isProcessAlive(pid)
}

// AcquireOptions configure Acquire.
type AcquireOptions struct {
	KillExisting bool
	Port         string
	BaseDir      string
	DeviceType   string
	Chip         string
}

// Acquire acquires the singleton lock for this device, optionally
// killing an existing live daemon first.
func (d *Daemon) Acquire(opts AcquireOptions) bool {
	if existing := d.GetExisting(); existing != nil {
		if existing.IsAlive {
			if opts.KillExisting {
				d.warn(fmt.Sprintf("killing existing daemon (PID %d)...", existing.PID))
				if !killProcess(existing.PID, 5*time.Second) {
					d.err(fmt.Sprintf("could not kill existing daemon (PID %d)", existing.PID))
					return false
				}
				d.log("killed existing daemon")
			} else {
				d.err(fmt.Sprintf(
					"another EAB daemon is already running: PID=%d port=%s base_dir=%s started=%s (use --force to take over)",
					existing.PID, existing.Port, existing.BaseDir, existing.Started))
				return false
			}
		} else {
			d.log(fmt.Sprintf("removing stale PID file (PID %d not running)", existing.PID))
			os.Remove(d.pidFile)
		}
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0o755); err != nil {
		d.err(fmt.Sprintf("could not create session dir: %v", err))
		return false
	}

	f, err := os.OpenFile(d.pidFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		d.err(fmt.Sprintf("could not open pid file: %v", err))
		return false
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		d.err(fmt.Sprintf("could not acquire lock: %v", err))
		return false
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return false
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return false
	}
	f.Sync()

	if err := d.writeInfo(opts); err != nil {
		d.warn(fmt.Sprintf("could not write info file: %v", err))
	}

	d.lockFile = f
	d.ownsLock = true
	d.log(fmt.Sprintf("acquired singleton lock (PID %d)", os.Getpid()))
	return true
}

func (d *Daemon) writeInfo(opts AcquireOptions) error {
	deviceType := opts.DeviceType
	if deviceType == "" {
		deviceType = "serial"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "pid=%d\n", os.Getpid())
	fmt.Fprintf(&sb, "port=%s\n", opts.Port)
	fmt.Fprintf(&sb, "base_dir=%s\n", opts.BaseDir)
	fmt.Fprintf(&sb, "started=%s\n", time.Now().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "device_name=%s\n", d.deviceName)
	fmt.Fprintf(&sb, "type=%s\n", deviceType)
	fmt.Fprintf(&sb, "chip=%s\n", opts.Chip)
	return os.WriteFile(d.infoFile, []byte(sb.String()), 0o644)
}

// Release releases the lock and removes both files. Safe to call even
// if Acquire was never called or already failed.
func (d *Daemon) Release() {
	if !d.ownsLock {
		return
	}
	d.ownsLock = false

	os.Remove(d.infoFile)
	if d.lockFile != nil {
		unix.Flock(int(d.lockFile.Fd()), unix.LOCK_UN)
		d.lockFile.Close()
		d.lockFile = nil
	}
	os.Remove(d.pidFile)
	d.log("released singleton lock")
}

// Check is a package-level convenience matching the original's
// check_singleton(): construct a Daemon and immediately read its state.
func Check(deviceName string) *Existing {
	return New(deviceName, nil).GetExisting()
}

// KillExisting kills any existing daemon recorded for deviceName,
// cleaning up stale files if it's already dead.
func KillExisting(deviceName string, timeout time.Duration) bool {
	d := New(deviceName, nil)
	existing := d.GetExisting()
	if existing == nil {
		return true
	}
	if !existing.IsAlive {
		os.Remove(d.pidFile)
		os.Remove(d.infoFile)
		return true
	}
	return killProcess(existing.PID, timeout)
}
