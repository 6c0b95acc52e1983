// Package status maintains status.json, a single atomically-written
// file an agent can poll to learn connection state, counters, and
// health without touching the daemon. Grounded on
// _examples/original_source/eab/status_manager.py.
package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// ConnectionState is an alias of internal/ports.ConnectionState, so
// both packages share the one type.
type ConnectionState = ports.ConnectionState

// Stream describes the streaming sub-protocol's current configuration,
// set by whichever component owns the stream mode (devicecontrol).
type Stream struct {
	Enabled         bool    `json:"enabled"`
	Active          bool    `json:"active"`
	Mode            string  `json:"mode"`
	ChunkSize       int     `json:"chunk_size"`
	Marker          *string `json:"marker"`
	PatternMatching bool    `json:"pattern_matching"`
}

// Manager owns status.json and every counter that feeds it.
type Manager struct {
	fs         ports.FileSystem
	clock      ports.Clock
	statusPath string

	sessionID       string
	started         time.Time
	port            string
	baud            int
	state           ConnectionState
	reconnectCount  int
	linesLogged     int
	bytesReceived   int64
	commandsSent    int
	alertsTriggered int
	patternCounts   map[string]int
	stream          Stream

	lastActivity    time.Time
	bytesLastMinute int64
	bytesMinuteStart time.Time
	readErrors      int
	usbDisconnects  int
	resetStats      map[string]any
	starting        bool
}

// New constructs a Manager writing to statusPath via fs.
func New(fs ports.FileSystem, clock ports.Clock, statusPath string) *Manager {
	return &Manager{
		fs:            fs,
		clock:         clock,
		statusPath:    statusPath,
		state:         ports.Disconnected,
		patternCounts: make(map[string]int),
		stream:        Stream{Mode: "raw", PatternMatching: true},
		resetStats:    make(map[string]any),
	}
}

// StartSession resets per-session counters and writes the new state.
func (m *Manager) StartSession(sessionID, port string, baud int) {
	m.sessionID = sessionID
	m.port = port
	m.baud = baud
	m.started = m.clock.Now()
	m.state = ports.Connecting
	m.reconnectCount = 0
	m.linesLogged = 0
	m.bytesReceived = 0
	m.commandsSent = 0
	m.alertsTriggered = 0
	m.patternCounts = make(map[string]int)
	m.starting = true
	m.Update()
}

// SetStarting overrides health to "starting" (cold start, before the
// first serial line has been read) or clears the override.
func (m *Manager) SetStarting(starting bool) {
	m.starting = starting
	m.Update()
}

func (m *Manager) SetConnectionState(state ConnectionState) {
	m.state = state
	m.Update()
}

func (m *Manager) RecordReconnect() {
	m.reconnectCount++
	m.Update()
}

func (m *Manager) RecordLine() {
	m.linesLogged++
	m.starting = false
}
func (m *Manager) RecordBytes(n int)      { m.bytesReceived += int64(n) }
func (m *Manager) RecordCommand()         { m.commandsSent++ }

func (m *Manager) RecordAlert(pattern string) {
	m.alertsTriggered++
	m.patternCounts[pattern]++
}

// RecordActivity marks serial activity, tracking a rolling
// bytes-per-minute window for throughput reporting.
func (m *Manager) RecordActivity(byteCount int) {
	now := m.clock.Now()
	m.lastActivity = now

	switch {
	case m.bytesMinuteStart.IsZero():
		m.bytesMinuteStart = now
		m.bytesLastMinute = int64(byteCount)
	case now.Sub(m.bytesMinuteStart) >= time.Minute:
		m.bytesMinuteStart = now
		m.bytesLastMinute = int64(byteCount)
	default:
		m.bytesLastMinute += int64(byteCount)
	}
}

func (m *Manager) SetStreamState(s Stream) {
	m.stream = s
	m.Update()
}

func (m *Manager) RecordReadError() {
	m.readErrors++
	m.Update()
}

func (m *Manager) RecordUSBDisconnect() {
	m.usbDisconnects++
	m.Update()
}

// SetResetStatistics stores reset-tracking data for inclusion in the
// next status write, owned by internal/resetreason.
func (m *Manager) SetResetStatistics(stats map[string]any) {
	m.resetStats = stats
}

type statusDoc struct {
	Session struct {
		ID            string  `json:"id"`
		Started       *string `json:"started"`
		UptimeSeconds int64   `json:"uptime_seconds"`
	} `json:"session"`
	Connection struct {
		Port       string `json:"port"`
		Baud       int    `json:"baud"`
		Status     string `json:"status"`
		Reconnects int    `json:"reconnects"`
	} `json:"connection"`
	Counters struct {
		LinesLogged     int   `json:"lines_logged"`
		BytesReceived   int64 `json:"bytes_received"`
		CommandsSent    int   `json:"commands_sent"`
		AlertsTriggered int   `json:"alerts_triggered"`
	} `json:"counters"`
	Health struct {
		LastActivity    *string `json:"last_activity"`
		IdleSeconds     int64   `json:"idle_seconds"`
		BytesLastMinute int64   `json:"bytes_last_minute"`
		ReadErrors      int     `json:"read_errors"`
		USBDisconnects  int     `json:"usb_disconnects"`
		Status          string  `json:"status"`
	} `json:"health"`
	Patterns    map[string]int `json:"patterns"`
	Resets      map[string]any `json:"resets"`
	Stream      Stream         `json:"stream"`
	LastUpdated string         `json:"last_updated"`
}

// Update writes the current status to disk atomically.
func (m *Manager) Update() error {
	now := m.clock.Now()
	var uptime float64
	if !m.started.IsZero() {
		uptime = now.Sub(m.started).Seconds()
	}

	var idleSeconds float64
	if !m.lastActivity.IsZero() {
		idleSeconds = now.Sub(m.lastActivity).Seconds()
	} else {
		idleSeconds = uptime
	}

	doc := statusDoc{
		Patterns: m.patternCounts,
		Resets:   m.resetStats,
		Stream:   m.stream,
	}
	doc.Session.ID = m.sessionID
	if !m.started.IsZero() {
		s := m.started.Format(time.RFC3339Nano)
		doc.Session.Started = &s
	}
	doc.Session.UptimeSeconds = int64(uptime)

	doc.Connection.Port = m.port
	doc.Connection.Baud = m.baud
	doc.Connection.Status = string(m.state)
	doc.Connection.Reconnects = m.reconnectCount

	doc.Counters.LinesLogged = m.linesLogged
	doc.Counters.BytesReceived = m.bytesReceived
	doc.Counters.CommandsSent = m.commandsSent
	doc.Counters.AlertsTriggered = m.alertsTriggered

	if !m.lastActivity.IsZero() {
		s := m.lastActivity.Format(time.RFC3339Nano)
		doc.Health.LastActivity = &s
	}
	doc.Health.IdleSeconds = int64(idleSeconds)
	doc.Health.BytesLastMinute = m.bytesLastMinute
	doc.Health.ReadErrors = m.readErrors
	doc.Health.USBDisconnects = m.usbDisconnects
	doc.Health.Status = m.computeHealthStatus(idleSeconds)

	doc.LastUpdated = now.Format(time.RFC3339Nano)

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return m.atomicWrite(b)
}

func (m *Manager) computeHealthStatus(idleSeconds float64) string {
	if m.starting {
		return "starting"
	}
	if m.state == ports.Disconnected {
		return "disconnected"
	}
	if idleSeconds > 30 {
		return "stuck"
	}
	if idleSeconds > 10 {
		return "idle"
	}
	if m.readErrors > 10 {
		return "degraded"
	}
	return "healthy"
}

// atomicWrite writes to a same-directory temp file then renames it
// into place, so a concurrent reader never observes a partial write.
// Falls back to a direct write through the FileSystem port if the
// temp-file dance fails for any reason (e.g. the fake filesystem used
// in tests, which has no real directory to create temp files in).
func (m *Manager) atomicWrite(content []byte) error {
	dir := filepath.Dir(m.statusPath)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "status_*.tmp")
	if err != nil {
		return m.fs.WriteFile(m.statusPath, string(content), false)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return m.fs.WriteFile(m.statusPath, string(content), false)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return m.fs.WriteFile(m.statusPath, string(content), false)
	}

	if err := os.Rename(tmpPath, m.statusPath); err != nil {
		os.Remove(tmpPath)
		return m.fs.WriteFile(m.statusPath, string(content), false)
	}
	return nil
}
