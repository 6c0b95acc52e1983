package portlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireExclusivity(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())

	a, err := New("/dev/ttyUSB0", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Acquire(0, false) {
		t.Fatal("first Acquire failed, want success")
	}
	defer a.Release()

	b, err := New("/dev/ttyUSB0", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Acquire(0, false) {
		t.Fatal("second Acquire on the same port succeeded, want refusal")
	}

	owner := b.GetOwner()
	if owner == nil || owner.PID != os.Getpid() {
		t.Errorf("GetOwner() = %+v, want this process's PID", owner)
	}
}

func TestAcquireDifferentPortsIndependent(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())

	a, _ := New("/dev/ttyUSB0", nil)
	b, _ := New("/dev/ttyUSB1", nil)
	if !a.Acquire(0, false) {
		t.Fatal("Acquire for ttyUSB0 failed")
	}
	defer a.Release()
	if !b.Acquire(0, false) {
		t.Fatal("Acquire for ttyUSB1 failed, want independent lock")
	}
	defer b.Release()
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())

	a, _ := New("/dev/ttyUSB0", nil)
	if !a.Acquire(0, false) {
		t.Fatal("Acquire failed")
	}
	a.Release()

	if owner := a.GetOwner(); owner != nil {
		t.Errorf("GetOwner() after Release = %+v, want nil", owner)
	}

	b, _ := New("/dev/ttyUSB0", nil)
	if !b.Acquire(0, false) {
		t.Fatal("Acquire after Release failed, want success")
	}
	b.Release()
}

func TestAcquireTimeoutExpires(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())

	a, _ := New("/dev/ttyUSB0", nil)
	if !a.Acquire(0, false) {
		t.Fatal("Acquire failed")
	}
	defer a.Release()

	b, _ := New("/dev/ttyUSB0", nil)
	start := time.Now()
	if b.Acquire(200*time.Millisecond, false) {
		t.Fatal("Acquire with timeout succeeded against a held lock, want refusal")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Acquire returned after %v, want at least the 200ms timeout", elapsed)
	}
}

func TestForceDoesNotStealFromLiveOwner(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())

	a, _ := New("/dev/ttyUSB0", nil)
	if !a.Acquire(0, false) {
		t.Fatal("Acquire failed")
	}

	// The info sidecar records this process as the owner, and a's flock
	// is still held by this process's fd.
	owner := a.GetOwner()
	if owner == nil {
		t.Fatal("GetOwner() after Acquire = nil")
	}

	b, _ := New("/dev/ttyUSB0", nil)
	// force cannot steal while the real holder (this process) is alive,
	// since isProcessAlive(os.Getpid()) is always true.
	if b.Acquire(0, true) {
		t.Fatal("force Acquire stole a lock held by a live process")
	}
	a.Release()
}

func TestListAllLocksReflectsLiveOwner(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())

	a, _ := New("/dev/ttyUSB0", nil)
	if !a.Acquire(0, false) {
		t.Fatal("Acquire failed")
	}
	defer a.Release()

	locks := ListAllLocks()
	if len(locks) != 1 {
		t.Fatalf("ListAllLocks() = %v, want 1 entry", locks)
	}
	if locks[0].Port != "/dev/ttyUSB0" || locks[0].PID != os.Getpid() {
		t.Errorf("ListAllLocks()[0] = %+v, want port ttyUSB0 owned by this PID", locks[0])
	}
}

func TestCleanupDeadLocksRemovesCorruptInfo(t *testing.T) {
	t.Setenv("EAB_RUN_DIR", t.TempDir())

	dir := LockDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	infoPath := filepath.Join(dir, "bogus.lock.info")
	if err := os.WriteFile(infoPath, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	result := CleanupDeadLocks(nil)
	if result.CorruptInfo != 1 || result.RemovedInfo != 1 {
		t.Errorf("CleanupDeadLocks() = %+v, want 1 corrupt info removed", result)
	}
	if _, err := os.Stat(infoPath); !os.IsNotExist(err) {
		t.Errorf("corrupt info file %s still exists after cleanup", infoPath)
	}
}
