// Package portlock implements an advisory, file-backed lock on a
// serial device path, with owner metadata and stale-owner recovery.
// Grounded on _examples/original_source/eab/port_lock.py.
package portlock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// Owner describes the current holder of a PortLock.
type Owner struct {
	PID         int       `json:"pid"`
	ProcessName string    `json:"process_name"`
	Started     time.Time `json:"started"`
	Port        string    `json:"port"`
	LockFile    string    `json:"-"`
}

// Lock is a file-backed advisory lock on one serial device path.
type Lock struct {
	port      string
	logger    ports.Logger
	lockPath  string
	infoPath  string
	lockFile  *os.File
	processNm string
}

// LockDir returns the directory holding all PortLock files, honoring
// EAB_RUN_DIR the same way the original implementation does.
func LockDir() string {
	return filepath.Join(runDir(), "eab-locks")
}

func runDir() string {
	if d := os.Getenv("EAB_RUN_DIR"); d != "" {
		return d
	}
	return "/tmp"
}

// New creates a PortLock for the given device path. The lock directory
// is created eagerly, matching the original's constructor behavior.
func New(port string, logger ports.Logger) (*Lock, error) {
	dir := LockDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lockPath := lockPathFor(port)
	return &Lock{
		port:      port,
		logger:    logger,
		lockPath:  lockPath,
		infoPath:  lockPath + ".info",
		processNm: processName(),
	}, nil
}

func lockPathFor(port string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(port)
	return filepath.Join(LockDir(), safe+".lock")
}

func (l *Lock) log(msg string) {
	if l.logger != nil {
		l.logger.Info(msg)
	}
}

func (l *Lock) logWarn(msg string) {
	if l.logger != nil {
		l.logger.Warn(msg)
	}
}

// Acquire attempts a non-blocking exclusive lock, retrying for up to
// timeout if it is held. If force is true and the current owner's PID
// is provably dead, the stale lock is reclaimed.
func (l *Lock) Acquire(timeout time.Duration, force bool) bool {
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return false
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()

			owner := l.GetOwner()
			if owner != nil && force && !isProcessAlive(owner.PID) {
				l.logWarn(fmt.Sprintf("stealing lock from dead process %d", owner.PID))
				l.cleanupStale()
				continue
			}

			if timeout > 0 && time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			if owner != nil {
				l.logWarn(fmt.Sprintf("port %s locked by PID %d (%s) since %s",
					l.port, owner.PID, owner.ProcessName, owner.Started.Format(time.RFC3339)))
			} else {
				l.logWarn(fmt.Sprintf("port %s locked by unknown process", l.port))
			}
			return false
		}

		l.lockFile = f
		if err := l.writeOwnerInfo(); err != nil {
			l.logWarn(fmt.Sprintf("failed to write lock info: %v", err))
		}
		l.log(fmt.Sprintf("acquired lock for %s", l.port))
		return true
	}
}

// Release releases the lock and removes the info sidecar.
func (l *Lock) Release() {
	if l.lockFile != nil {
		unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
		l.lockFile.Close()
		l.lockFile = nil
	}
	os.Remove(l.infoPath)
	l.log(fmt.Sprintf("released lock for %s", l.port))
}

// GetOwner reads the info sidecar, returning nil if absent or corrupt.
func (l *Lock) GetOwner() *Owner {
	b, err := os.ReadFile(l.infoPath)
	if err != nil {
		return nil
	}
	var raw struct {
		PID         int    `json:"pid"`
		ProcessName string `json:"process_name"`
		Started     string `json:"started"`
		Port        string `json:"port"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	started, err := time.Parse(time.RFC3339, raw.Started)
	if err != nil {
		started, err = time.Parse(time.RFC3339Nano, raw.Started)
		if err != nil {
			return nil
		}
	}
	return &Owner{
		PID:         raw.PID,
		ProcessName: raw.ProcessName,
		Started:     started,
		Port:        raw.Port,
		LockFile:    l.lockPath,
	}
}

func (l *Lock) writeOwnerInfo() error {
	info := struct {
		PID         int    `json:"pid"`
		ProcessName string `json:"process_name"`
		Started     string `json:"started"`
		Port        string `json:"port"`
	}{
		PID:         os.Getpid(),
		ProcessName: l.processNm,
		Started:     time.Now().Format(time.RFC3339Nano),
		Port:        l.port,
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", l.infoPath, os.Getpid())
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.infoPath)
}

func (l *Lock) cleanupStale() {
	os.Remove(l.lockPath)
	os.Remove(l.infoPath)
}

func processName() string {
	if len(os.Args) == 0 {
		return fmt.Sprintf("go:%d", os.Getpid())
	}
	parts := os.Args
	if len(parts) > 3 {
		parts = parts[:3]
	}
	name := strings.Join(parts, " ")
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

// isProcessAlive reports whether pid refers to a live process.
// EPERM is treated as "alive" — sandboxed environments can disallow
// signaling even existing processes, and misclassifying that as dead
// would permit unsafe lock reclamation. See spec.md §9.
func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == unix.EPERM {
		return true
	}
	return false
}

// ListAllLocks walks the lock directory and returns every lock whose
// recorded owner PID is currently alive.
func ListAllLocks() []Owner {
	var out []Owner
	entries, err := os.ReadDir(LockDir())
	if err != nil {
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".lock.info") {
			continue
		}
		infoPath := filepath.Join(LockDir(), name)
		b, err := os.ReadFile(infoPath)
		if err != nil {
			continue
		}
		var raw struct {
			PID         int    `json:"pid"`
			ProcessName string `json:"process_name"`
			Started     string `json:"started"`
			Port        string `json:"port"`
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			continue
		}
		started, err := time.Parse(time.RFC3339Nano, raw.Started)
		if err != nil {
			continue
		}
		if !isProcessAlive(raw.PID) {
			continue
		}
		out = append(out, Owner{
			PID:         raw.PID,
			ProcessName: raw.ProcessName,
			Started:     started,
			Port:        raw.Port,
			LockFile:    strings.TrimSuffix(infoPath, ".info"),
		})
	}
	return out
}

// CleanupResult summarizes a CleanupDeadLocks pass.
type CleanupResult struct {
	RemovedInfo  int
	RemovedLock  int
	CorruptInfo  int
	DeadPIDs     []int
}

// CleanupDeadLocks removes lock artifacts for dead processes. A
// `.lock` file is only ever removed once its owner's PID is proven
// dead; if `.info` cannot be parsed, only `.info` is removed, since a
// live flock holder could still own the `.lock` file. See spec.md §9.
func CleanupDeadLocks(logger ports.Logger) CleanupResult {
	var result CleanupResult
	entries, err := os.ReadDir(LockDir())
	if err != nil {
		return result
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".lock.info") {
			continue
		}
		infoPath := filepath.Join(LockDir(), name)
		lockPath := strings.TrimSuffix(infoPath, ".info")

		b, err := os.ReadFile(infoPath)
		if err != nil {
			continue
		}
		var raw struct {
			PID int `json:"pid"`
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			result.CorruptInfo++
			if os.Remove(infoPath) == nil {
				result.RemovedInfo++
				if logger != nil {
					logger.Info(fmt.Sprintf("removed corrupt lock info: %s", infoPath))
				}
			}
			continue
		}

		if raw.PID > 0 && !isProcessAlive(raw.PID) {
			result.DeadPIDs = append(result.DeadPIDs, raw.PID)
			if os.Remove(infoPath) == nil {
				result.RemovedInfo++
			}
			if os.Remove(lockPath) == nil {
				result.RemovedLock++
			}
		}
	}
	return result
}
