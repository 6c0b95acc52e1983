package chiprecovery

import (
	"testing"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports/fake"
)

func newMachine(t *testing.T, cfg Config, cb Callbacks) (*Machine, *fake.Clock) {
	t.Helper()
	clock := fake.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clock, fake.NewLogger(), cfg, cb), clock
}

func TestOnLineDetectsBootBanner(t *testing.T) {
	m, _ := newMachine(t, Config{}, Callbacks{})
	state := m.OnLine("ESP-ROM:esp32s3-20210327")
	if state != Booting {
		t.Errorf("State after boot banner = %v, want Booting", state)
	}
}

func TestBootSettlesToRunningAfterEnoughLines(t *testing.T) {
	m, _ := newMachine(t, Config{BootSettleLines: 3, BootSettleTime: time.Hour}, Callbacks{})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	m.OnLine("ordinary output line 1")
	m.OnLine("ordinary output line 2")
	state := m.OnLine("ordinary output line 3")
	if state != Running {
		t.Errorf("State after %d settle lines = %v, want Running", 3, state)
	}
}

func TestBootSettlesToRunningAfterSettleTime(t *testing.T) {
	m, clock := newMachine(t, Config{BootSettleLines: 1000, BootSettleTime: time.Second}, Callbacks{})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	clock.Advance(2 * time.Second)
	state := m.OnLine("still booting-ish but time elapsed")
	if state != Running {
		t.Errorf("State after settle-time elapsed = %v, want Running", state)
	}
}

func TestCrashDetectionInRunningState(t *testing.T) {
	var crashTrigger string
	m, _ := newMachine(t, Config{BootSettleLines: 1}, Callbacks{
		OnCrashDetected: func(line string) { crashTrigger = line },
	})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	m.OnLine("settle")
	state := m.OnLine("Guru Meditation Error: Core 0 panic'ed")
	if state != Crashed {
		t.Errorf("State after crash signature = %v, want Crashed", state)
	}
	if crashTrigger == "" {
		t.Error("OnCrashDetected callback was not invoked")
	}
}

func TestCrashTriggersResetUpToMaxAttempts(t *testing.T) {
	var resetReasons []string
	m, clock := newMachine(t, Config{BootSettleLines: 1, MaxRecoveryAttempts: 2, CrashRecoveryDelay: time.Second}, Callbacks{
		OnResetRequested: func(reason string) { resetReasons = append(resetReasons, reason) },
	})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	m.OnLine("settle")

	m.OnLine("panic: something broke")
	m.OnLine("panic: something broke again")
	m.OnLine("panic: third time")

	if len(resetReasons) != 0 {
		t.Fatalf("reset requests fired synchronously from OnLine = %v, want none until Tick()", resetReasons)
	}

	clock.Advance(time.Second)
	m.Tick()

	if len(resetReasons) != 1 {
		t.Fatalf("reset requests after one Tick() past the delay = %v, want exactly 1 (later crashes re-arm the same single pending reset)", resetReasons)
	}
	if m.RecoveryAttempts() != 2 {
		t.Errorf("RecoveryAttempts() = %d, want 2", m.RecoveryAttempts())
	}
}

func TestOnCrashDoesNotBlockTheCallingGoroutine(t *testing.T) {
	m, _ := newMachine(t, Config{BootSettleLines: 1, CrashRecoveryDelay: time.Hour}, Callbacks{})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	m.OnLine("settle")

	start := time.Now()
	m.OnLine("panic: should not block")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("OnLine took %v to return after a crash line, want it to return immediately regardless of CrashRecoveryDelay", elapsed)
	}
}

func TestTickFiresArmedRecoveryOnceDelayElapses(t *testing.T) {
	var resetReasons []string
	m, clock := newMachine(t, Config{BootSettleLines: 1, CrashRecoveryDelay: 2 * time.Second}, Callbacks{
		OnResetRequested: func(reason string) { resetReasons = append(resetReasons, reason) },
	})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	m.OnLine("settle")
	m.OnLine("panic: boom")

	clock.Advance(time.Second)
	m.Tick()
	if len(resetReasons) != 0 {
		t.Fatalf("reset fired before CrashRecoveryDelay elapsed: %v", resetReasons)
	}

	clock.Advance(2 * time.Second)
	m.Tick()
	if len(resetReasons) != 1 || resetReasons[0] != "crash_recovery" {
		t.Fatalf("reset requests after delay elapsed = %v, want exactly [crash_recovery]", resetReasons)
	}

	m.Tick()
	if len(resetReasons) != 1 {
		t.Fatalf("reset fired a second time on a later Tick(): %v, want the armed deadline to clear after firing once", resetReasons)
	}
}

func TestResetRecoveryAttemptsClearsCounter(t *testing.T) {
	m, _ := newMachine(t, Config{BootSettleLines: 1}, Callbacks{})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	m.OnLine("settle")
	m.OnLine("panic!")
	if m.RecoveryAttempts() == 0 {
		t.Fatal("RecoveryAttempts() = 0 after a crash, want nonzero")
	}
	m.ResetRecoveryAttempts()
	if m.RecoveryAttempts() != 0 {
		t.Errorf("RecoveryAttempts() after reset = %d, want 0", m.RecoveryAttempts())
	}
}

func TestTickDetectsStuckChip(t *testing.T) {
	m, clock := newMachine(t, Config{StuckTimeout: 30 * time.Second, BootSettleLines: 1}, Callbacks{})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	m.OnLine("settle")
	if state := m.Tick(); state != Running {
		t.Fatalf("Tick() before timeout = %v, want Running", state)
	}

	clock.Advance(31 * time.Second)
	if state := m.Tick(); state != Stuck {
		t.Errorf("Tick() after StuckTimeout = %v, want Stuck", state)
	}
}

func TestTickIgnoresUnknownState(t *testing.T) {
	m, clock := newMachine(t, Config{StuckTimeout: time.Second}, Callbacks{})
	clock.Advance(time.Hour)
	if state := m.Tick(); state != Unknown {
		t.Errorf("Tick() from Unknown = %v, want it to stay Unknown", state)
	}
}

func TestBootLoopDetection(t *testing.T) {
	var gotLoop bool
	m, clock := newMachine(t, Config{BootLoopThreshold: 3, BootLoopWindow: time.Minute}, Callbacks{
		OnStateChange: func(from, to State) {
			if to == BootLooping {
				gotLoop = true
			}
		},
	})
	for i := 0; i < 3; i++ {
		m.OnLine("ESP-ROM:esp32s3-20210327")
		clock.Advance(time.Second)
	}
	if !gotLoop {
		t.Error("3 boot banners within the window did not transition to BootLooping")
	}
}

func TestBootLoopWindowExpiresOldBanners(t *testing.T) {
	var gotLoop bool
	m, clock := newMachine(t, Config{BootLoopThreshold: 2, BootLoopWindow: 5 * time.Second}, Callbacks{
		OnStateChange: func(from, to State) {
			if to == BootLooping {
				gotLoop = true
			}
		},
	})
	m.OnLine("ESP-ROM:esp32s3-20210327")
	clock.Advance(10 * time.Second)
	m.OnLine("ESP-ROM:esp32s3-20210327")
	if gotLoop {
		t.Error("boot banners outside the window counted toward BootLooping")
	}
}

func TestCleanShutdownRequestsReset(t *testing.T) {
	var reason string
	m, _ := newMachine(t, Config{}, Callbacks{OnResetRequested: func(r string) { reason = r }})
	m.CleanShutdown()
	if reason != "clean_shutdown" {
		t.Errorf("CleanShutdown reset reason = %q, want clean_shutdown", reason)
	}
}
