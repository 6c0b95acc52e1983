// Package resetreason detects and tracks device reset reasons across
// ESP32, Zephyr nRF5340, and Zephyr STM32 boot banners, surfacing
// statistics for status.json and alerting on unexpected resets.
// Grounded on _examples/original_source/eab/reset_reason.py.
package resetreason

import (
	"regexp"
	"strings"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

var (
	esp32Pattern      = regexp.MustCompile(`(?i)rst:0x[0-9a-fA-F]+\s*\(([^)]+)\)`)
	zephyrNRFPattern  = regexp.MustCompile(`(?i)Reset\s+reason:\s*0x[0-9a-fA-F]+\s*\(([^)]+)\)`)
	zephyrSTM32Pattern = regexp.MustCompile(`(?i)Reset\s+cause:\s*([A-Z_]+)(?:\s*\(RCC_CSR\s*=\s*0x[0-9a-fA-F]+\)|\s*$)`)
	genericPattern    = regexp.MustCompile(`(?i)(?:Reset|Boot)\s+(?:cause|reason):\s*([^(]+?)(?:\s*\(|$)`)

	zephyrBootBanner = regexp.MustCompile(`(?i)\*\*\*\s+Booting\s+(?:Zephyr|nRF Connect SDK)`)
	esp32BootBanner  = regexp.MustCompile(`(?i)(?:ESP-ROM:|rst:0x|configsip:)`)
)

// alertReasons triggers a health alert when the normalized reset
// reason matches or contains one of these tokens.
var alertReasons = []string{
	"WATCHDOG", "WDT", "TG0WDT_SYS_RESET", "TG1WDT_SYS_RESET",
	"RTCWDT_RTC_RESET", "INT_WDT", "TASK_WDT",
	"BROWNOUT", "BROWNOUT_RESET",
	"PANIC", "SW_CPU_RESET", "EXCEPTION", "DEEPSLEEP_RESET",
	"LOCKUP", "SYSRESETREQ",
}

// Event is a single detected reset, with the raw line it was parsed from.
type Event struct {
	Timestamp time.Time
	Reason    string
	RawLine   string
}

// Tracker accumulates reset events across a daemon's lifetime.
type Tracker struct {
	clock      ports.Clock
	history    []Event
	counts     map[string]int
	lastReason string
	lastTime   time.Time
}

// New constructs a Tracker.
func New(clock ports.Clock) *Tracker {
	return &Tracker{clock: clock, counts: make(map[string]int)}
}

// CheckLine tries each target's reset-reason pattern in order of
// specificity, returning the detected Event, or nil if line doesn't
// describe a reset.
func (t *Tracker) CheckLine(line string) *Event {
	var reason string

	if m := esp32Pattern.FindStringSubmatch(line); m != nil {
		reason = m[1]
	} else if m := zephyrNRFPattern.FindStringSubmatch(line); m != nil {
		reason = m[1]
	} else if m := zephyrSTM32Pattern.FindStringSubmatch(line); m != nil {
		reason = m[1]
	} else if m := genericPattern.FindStringSubmatch(line); m != nil {
		reason = m[1]
	}

	if reason == "" {
		return nil
	}

	reason = strings.ToUpper(strings.TrimSpace(reason))
	ev := Event{
		Timestamp: t.clock.Now(),
		Reason:    reason,
		RawLine:   strings.TrimSpace(line),
	}
	t.record(ev)
	return &ev
}

// IsBootLine reports whether line is a Zephyr or ESP32 boot banner,
// for detecting boot cycles even when no explicit reset reason prints.
func (t *Tracker) IsBootLine(line string) bool {
	return IsBootLine(line)
}

// IsBootLine reports whether line is a Zephyr or ESP32 boot banner.
// Stateless; exposed at package level so callers that don't otherwise
// need a Tracker (e.g. the chip-state FSM) can reuse the detection.
func IsBootLine(line string) bool {
	return zephyrBootBanner.MatchString(line) || esp32BootBanner.MatchString(line)
}

func (t *Tracker) record(ev Event) {
	t.history = append(t.history, ev)
	t.lastReason = ev.Reason
	t.lastTime = ev.Timestamp
	t.counts[ev.Reason]++
}

// IsUnexpectedReset reports whether reason should trigger an alert
// (watchdog, brownout, panic, lockup, ...), matching either an exact
// alert reason or a substring of one (for compound reasons like
// "TASK_WDT_RESET_CPU").
func IsUnexpectedReset(reason string) bool {
	upper := strings.ToUpper(reason)
	for _, alert := range alertReasons {
		if upper == alert || strings.Contains(upper, alert) {
			return true
		}
	}
	return false
}

// Statistics is the status.json-ready summary of reset tracking.
type Statistics struct {
	LastReason string         `json:"last_reason"`
	LastTime   string         `json:"last_time,omitempty"`
	History    map[string]int `json:"history"`
	Total      int            `json:"total"`
}

// GetStatistics returns the current reset statistics for status.json.
func (t *Tracker) GetStatistics() Statistics {
	counts := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}
	stats := Statistics{LastReason: t.lastReason, History: counts, Total: len(t.history)}
	if !t.lastTime.IsZero() {
		stats.LastTime = t.lastTime.Format(time.RFC3339Nano)
	}
	return stats
}

// AsMap converts Statistics to a generic map, for plumbing into
// status.Manager.SetResetStatistics without an import cycle.
func (s Statistics) AsMap() map[string]any {
	return map[string]any{
		"last_reason": s.LastReason,
		"last_time":   s.LastTime,
		"history":     s.History,
		"total":       s.Total,
	}
}

// RecentEvent is the JSON-ready shape of one history entry.
type RecentEvent struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	RawLine   string `json:"raw_line"`
}

// GetRecentResets returns up to count of the most recent resets,
// newest first.
func (t *Tracker) GetRecentResets(count int) []RecentEvent {
	history := t.history
	if len(history) > count {
		history = history[len(history)-count:]
	}
	out := make([]RecentEvent, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		out = append(out, RecentEvent{
			Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
			Reason:    ev.Reason,
			RawLine:   ev.RawLine,
		})
	}
	return out
}

// ResetStatistics clears all reset history and statistics.
func (t *Tracker) ResetStatistics() {
	t.history = nil
	t.counts = make(map[string]int)
	t.lastReason = ""
	t.lastTime = time.Time{}
}
