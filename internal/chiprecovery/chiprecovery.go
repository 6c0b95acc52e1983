// Package chiprecovery implements the chip-state finite state machine
// over the incoming serial line stream: boot detection, crash
// detection, stuck detection, boot-loop detection, and capped
// automatic reset recovery. Authored directly from spec.md §4.K: no
// corresponding module exists in the original Python implementation's
// source tree to translate.
package chiprecovery

import (
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
	"github.com/shanemmattner/embedded-agent-bridge/internal/resetreason"
)

// State is one of the chip's lifecycle states.
type State string

const (
	Unknown     State = "unknown"
	Booting     State = "booting"
	Running     State = "running"
	Crashed     State = "crashed"
	Stuck       State = "stuck"
	BootLooping State = "boot_looping"
)

var crashSignatures = []string{
	"stack dump",
	"guru meditation",
	"panic",
	"hardfault",
	"hard fault",
	"assert failed",
	"assertion failed",
	"***** booting zephyr *****", // Zephyr banner in its five-asterisk form
}

// Config tunes the state machine's thresholds.
type Config struct {
	StuckTimeout         time.Duration // default 120s
	BootSettleLines      int           // boot-banner-free lines to settle Booting -> Running; default 5
	BootSettleTime       time.Duration // alternative settle trigger; default 3s
	BootLoopThreshold    int           // boot banners within BootLoopWindow to call it a loop; default 5
	BootLoopWindow       time.Duration // default 60s
	CrashRecoveryDelay   time.Duration // default 2s
	MaxRecoveryAttempts  int           // default 3
}

func (c *Config) applyDefaults() {
	if c.StuckTimeout == 0 {
		c.StuckTimeout = 120 * time.Second
	}
	if c.BootSettleLines == 0 {
		c.BootSettleLines = 5
	}
	if c.BootSettleTime == 0 {
		c.BootSettleTime = 3 * time.Second
	}
	if c.BootLoopThreshold == 0 {
		c.BootLoopThreshold = 5
	}
	if c.BootLoopWindow == 0 {
		c.BootLoopWindow = 60 * time.Second
	}
	if c.CrashRecoveryDelay == 0 {
		c.CrashRecoveryDelay = 2 * time.Second
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = 3
	}
}

// Callbacks are optional hooks fired on state transitions and recovery
// events.
type Callbacks struct {
	OnStateChange    func(from, to State)
	OnCrashDetected  func(triggerLine string)
	OnResetRequested func(reason string)
}

// Machine runs the chip-state FSM, fed one line at a time.
type Machine struct {
	clock     ports.Clock
	logger    ports.Logger
	cfg       Config
	callbacks Callbacks

	state           State
	lastLineTime    time.Time
	bootBannerFree  int
	bootEnteredAt   time.Time
	bootBannerTimes []time.Time
	recoveryAttempts int
	lastRecoveryAt  time.Time
	recoverAt       time.Time // zero when no recovery is pending
}

// New constructs a Machine in the Unknown state.
func New(clock ports.Clock, logger ports.Logger, cfg Config, callbacks Callbacks) *Machine {
	cfg.applyDefaults()
	return &Machine{
		clock:        clock,
		logger:       logger,
		cfg:          cfg,
		callbacks:    callbacks,
		state:        Unknown,
		lastLineTime: clock.Now(),
	}
}

// State returns the current chip state.
func (m *Machine) State() State { return m.state }

func (m *Machine) transition(to State) {
	if to == m.state {
		return
	}
	from := m.state
	m.state = to
	if m.logger != nil {
		m.logger.Info("chip state: " + string(from) + " -> " + string(to))
	}
	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(from, to)
	}
}

func containsCrashSignature(lineLower string) bool {
	for _, sig := range crashSignatures {
		if containsFold(lineLower, sig) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return len(needle) <= len(haystack) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	h := []rune(haystack)
	n := []rune(needle)
	if len(n) == 0 {
		return 0
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if toLower(h[i+j]) != toLower(n[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// OnLine feeds one serial line into the state machine, returning the
// resulting state.
func (m *Machine) OnLine(line string) State {
	now := m.clock.Now()
	m.lastLineTime = now

	if resetreason.IsBootLine(line) {
		m.recordBootBanner(now)
		m.transition(Booting)
		return m.state
	}

	switch m.state {
	case Booting:
		m.bootBannerFree++
		if m.bootBannerFree >= m.cfg.BootSettleLines || now.Sub(m.bootEnteredAt) >= m.cfg.BootSettleTime {
			m.transition(Running)
		}
	case Running, Crashed, Stuck:
		if containsCrashSignature(toLowerString(line)) {
			m.onCrash(line)
		}
	}

	return m.state
}

func toLowerString(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = append(out, toLower(r))
	}
	return string(out)
}

func (m *Machine) recordBootBanner(now time.Time) {
	if m.state != Booting {
		m.bootEnteredAt = now
		m.bootBannerFree = 0
		m.bootBannerTimes = nil
	}
	m.bootBannerTimes = append(m.bootBannerTimes, now)

	cutoff := now.Add(-m.cfg.BootLoopWindow)
	kept := m.bootBannerTimes[:0]
	for _, t := range m.bootBannerTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.bootBannerTimes = kept

	if len(m.bootBannerTimes) >= m.cfg.BootLoopThreshold {
		m.transition(BootLooping)
	}
}

// onCrash records the crash and arms a recovery deadline rather than
// blocking the caller (which runs inline on the main serial-read
// loop): the actual reset request fires from Tick() once
// CrashRecoveryDelay has elapsed, keeping every loop iteration's
// wall-clock bounded.
func (m *Machine) onCrash(triggerLine string) {
	m.transition(Crashed)
	if m.callbacks.OnCrashDetected != nil {
		m.callbacks.OnCrashDetected(triggerLine)
	}

	if m.recoveryAttempts >= m.cfg.MaxRecoveryAttempts {
		if m.logger != nil {
			m.logger.Warn("chip recovery: max recovery attempts reached, staying crashed")
		}
		return
	}

	m.recoveryAttempts++
	m.lastRecoveryAt = m.clock.Now()
	m.recoverAt = m.lastRecoveryAt.Add(m.cfg.CrashRecoveryDelay)
}

// Tick should be called periodically (e.g. from the main loop) to
// detect a stuck chip (no lines received for StuckTimeout) and to
// fire any recovery reset armed by onCrash once its delay elapses.
func (m *Machine) Tick() State {
	if m.state == Unknown {
		return m.state
	}

	now := m.clock.Now()

	if !m.recoverAt.IsZero() && !now.Before(m.recoverAt) {
		m.recoverAt = time.Time{}
		if m.callbacks.OnResetRequested != nil {
			m.callbacks.OnResetRequested("crash_recovery")
		}
	}

	if now.Sub(m.lastLineTime) > m.cfg.StuckTimeout {
		m.transition(Stuck)
	}
	return m.state
}

// RecoveryAttempts returns the count of automatic resets scheduled
// since the Machine was built or ResetRecoveryAttempts last ran.
func (m *Machine) RecoveryAttempts() int { return m.recoveryAttempts }

// ResetRecoveryAttempts clears the recovery-attempt counter. The
// daemon does not call it, so once MaxRecoveryAttempts resets have
// been scheduled no further automatic reset is scheduled.
func (m *Machine) ResetRecoveryAttempts() { m.recoveryAttempts = 0 }

// CleanShutdown should be called before daemon exit; it requests a
// soft reset so the target is left in a known state.
func (m *Machine) CleanShutdown() {
	if m.callbacks.OnResetRequested != nil {
		m.callbacks.OnResetRequested("clean_shutdown")
	}
}
