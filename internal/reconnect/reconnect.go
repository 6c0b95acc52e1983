// Package reconnect manages serial port connection lifecycle with
// automatic reconnection, multiplicative backoff, and proactive USB
// disconnect detection. Grounded on
// _examples/original_source/eab/reconnection.py, with the backoff
// struct shape adapted from internal/ws/backoff.go.
package reconnect

import (
	"os"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// Backoff tracks a multiplicative retry delay, capped at Max. Unlike
// internal/ws/backoff.go's power-of-two doubling, this multiplies by
// an arbitrary Factor to match the original manager's
// current_delay * backoff_factor semantics (e.g. a 1.5x factor for
// gentler ramp-up).
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Factor  float64
	current time.Duration
}

// NewBackoff constructs a Backoff starting at base, multiplying by
// factor each call to Next up to max.
func NewBackoff(base, max time.Duration, factor float64) *Backoff {
	return &Backoff{Base: base, Max: max, Factor: factor, current: base}
}

// Current returns the delay that the next call to Next would return,
// without advancing the sequence.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Next advances the backoff sequence, returning the delay that was in
// effect before advancing.
func (b *Backoff) Next() time.Duration {
	d := b.current
	scaled := time.Duration(float64(b.current) * b.Factor)
	if scaled > b.Max {
		scaled = b.Max
	}
	b.current = scaled
	return d
}

// Reset returns the backoff to its base delay, called on every
// successful connect.
func (b *Backoff) Reset() {
	b.current = b.Base
}

// Callbacks are optional hooks into connection lifecycle events.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnReconnect  func()
}

// Manager owns a serial port's connection lifecycle: initial connect
// with bounded or infinite retries, and periodic check-and-reconnect
// for the main loop to call every tick.
type Manager struct {
	serial  ports.Serial
	clock   ports.Clock
	logger  ports.Logger
	port    string
	baud    int

	maxRetries int // 0 = infinite
	backoff    *Backoff
	callbacks  Callbacks

	state          ports.ConnectionState
	reconnectCount int
	wasConnected   bool
}

// Config configures a Manager.
type Config struct {
	Port          string
	Baud          int
	MaxRetries    int // 0 = infinite
	RetryDelay    time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Callbacks     Callbacks
}

// New constructs a reconnection Manager.
func New(serial ports.Serial, clock ports.Clock, logger ports.Logger, cfg Config) *Manager {
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Manager{
		serial:     serial,
		clock:      clock,
		logger:     logger,
		port:       cfg.Port,
		baud:       cfg.Baud,
		maxRetries: cfg.MaxRetries,
		backoff:    NewBackoff(cfg.RetryDelay, cfg.MaxDelay, cfg.BackoffFactor),
		callbacks:  cfg.Callbacks,
		state:      ports.Disconnected,
	}
}

func (m *Manager) State() ports.ConnectionState { return m.state }
func (m *Manager) ReconnectCount() int          { return m.reconnectCount }
func (m *Manager) CurrentDelay() time.Duration  { return m.backoff.Current() }
func (m *Manager) Port() string                 { return m.port }

// SetPort retargets the manager at a different device path, used
// after pause/resume auto-detects a new port name (e.g. the ESP32
// enumerated under a different /dev entry after a reset).
func (m *Manager) SetPort(port string) { m.port = port }

// Connect attempts to open the serial port, retrying with backoff
// until success or retries are exhausted (maxRetries == 0 means
// retry forever).
func (m *Manager) Connect() bool {
	m.state = ports.Connecting
	m.logger.Info("connecting to " + m.port)
	m.backoff.Reset()

	attempt := 0
	for {
		attempt++

		if m.serial.Open(m.port, m.baud, 0) {
			m.state = ports.Connected
			m.wasConnected = true
			m.backoff.Reset()
			m.logger.Info("connected to " + m.port)
			if m.callbacks.OnConnect != nil {
				m.callbacks.OnConnect()
			}
			return true
		}

		m.logger.Warn("connection attempt failed")

		if m.maxRetries > 0 && attempt >= m.maxRetries {
			m.state = ports.ErrorState
			m.logger.Error("failed to connect after exhausting retries")
			return false
		}

		delay := m.backoff.Next()
		m.clock.Sleep(delay)
	}
}

// PortExists reports whether the port device file still exists on
// disk, used for proactive USB-disconnect detection.
func (m *Manager) PortExists() bool {
	_, err := os.Stat(m.port)
	return err == nil
}

// CheckAndReconnect should be called periodically from the main loop.
// It detects a vanished device file or a closed serial handle and
// attempts to reconnect, returning true if connected afterward.
func (m *Manager) CheckAndReconnect() bool {
	if !m.PortExists() && m.state == ports.Connected {
		m.state = ports.Reconnecting
		m.logger.Warn("port " + m.port + " disappeared (USB disconnected?)")
		if m.serial.IsOpen() {
			m.serial.Close()
		}
		if m.callbacks.OnDisconnect != nil {
			m.callbacks.OnDisconnect()
		}
	}

	if m.serial.IsOpen() {
		return true
	}

	if m.state == ports.Connected {
		m.state = ports.Reconnecting
		m.logger.Warn("connection lost to " + m.port)
		if m.callbacks.OnDisconnect != nil {
			m.callbacks.OnDisconnect()
		}
	}

	m.logger.Info("reconnecting...")

	if m.serial.Open(m.port, m.baud, 0) {
		m.reconnectCount++
		m.state = ports.Connected
		m.backoff.Reset()
		m.logger.Info("reconnected to " + m.port)
		if m.callbacks.OnReconnect != nil {
			m.callbacks.OnReconnect()
		}
		return true
	}

	return false
}

// Disconnect gracefully closes the serial port.
func (m *Manager) Disconnect() {
	if m.serial.IsOpen() {
		m.serial.Close()
	}
	m.state = ports.Disconnected
	m.logger.Info("disconnected from " + m.port)
}
