// Package pattern matches configurable regular expressions against
// serial output lines and logs alerts to a sidecar file. Grounded on
// _examples/original_source/eab/pattern_matcher.py.
package pattern

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// DefaultPatterns mirrors the original's ESP32-focused default set.
// Callers needing different hardware targets can register their own
// with Matcher.Add and skip these.
var DefaultPatterns = map[string]string{
	"ERROR":      `\bE\s*\(\d+\)|error`,
	"FAIL":       `fail`,
	"DISCONNECT": `disconnect`,
	"TIMEOUT":    `timeout|timed?\s*out`,
	"CRASH":      `crash|guru\s*meditation|Backtrace:`,
	"panic":      `panic|abort\(\)|Rebooting\.\.\.`,
	"assert":     `assert\s*failed|ESP_ERROR_CHECK`,
	"MEMORY":     `heap|out\s*of\s*memory|alloc\s*failed|stack\s*overflow`,
	"WATCHDOG":   `wdt|watchdog|Task\s+watchdog`,
	"BOOT":       `rst:0x|boot:0x|flash\s*read\s*err`,
	"WIFI":       `wifi:.*fail|WIFI_EVENT_STA_DISCONNECTED`,
	"BLE":        `BLE.*error|GAP.*fail|GATT.*fail`,
}

// Match is one pattern hit against one line of serial output.
type Match struct {
	Timestamp time.Time
	Pattern   string
	Line      string
}

// Matcher holds a named set of compiled patterns and per-pattern hit
// counts.
type Matcher struct {
	clock    ports.Clock
	patterns map[string]*regexp.Regexp
	order    []string
	counts   map[string]int
}

// New constructs an empty Matcher. If loadDefaults is true, every
// entry in DefaultPatterns is registered.
func New(clock ports.Clock, loadDefaults bool) *Matcher {
	m := &Matcher{
		clock:    clock,
		patterns: make(map[string]*regexp.Regexp),
		counts:   make(map[string]int),
	}
	if loadDefaults {
		for name, pat := range DefaultPatterns {
			m.Add(name, pat, true)
		}
	}
	return m
}

// Add registers a pattern under name. If isRegex is false, pattern is
// treated as a literal string. Matching is always case-insensitive.
func (m *Matcher) Add(name, pattern string, isRegex bool) error {
	if !isRegex {
		pattern = regexp.QuoteMeta(pattern)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", name, err)
	}
	if _, exists := m.patterns[name]; !exists {
		m.order = append(m.order, name)
	}
	m.patterns[name] = re
	m.counts[name] = 0
	return nil
}

// Remove deletes a pattern by name.
func (m *Matcher) Remove(name string) {
	if _, ok := m.patterns[name]; !ok {
		return
	}
	delete(m.patterns, name)
	delete(m.counts, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Names returns the registered pattern names in registration order.
func (m *Matcher) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Check runs line against every registered pattern, incrementing hit
// counts and returning one Match per pattern that matched.
func (m *Matcher) Check(line string) []Match {
	var ts time.Time
	if m.clock != nil {
		ts = m.clock.Now()
	} else {
		ts = time.Now()
	}

	var matches []Match
	for _, name := range m.order {
		if m.patterns[name].MatchString(line) {
			m.counts[name]++
			matches = append(matches, Match{Timestamp: ts, Pattern: name, Line: line})
		}
	}
	return matches
}

// Counts returns a copy of the per-pattern hit counts.
func (m *Matcher) Counts() map[string]int {
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// ResetCounts zeroes every pattern's hit count without removing the
// patterns themselves.
func (m *Matcher) ResetCounts() {
	for name := range m.counts {
		m.counts[name] = 0
	}
}

// AlertLogger appends matched alerts to a dedicated alerts file, one
// line per alert: "[HH:MM:SS.mmm] [PATTERN] line".
type AlertLogger struct {
	fs         ports.FileSystem
	clock      ports.Clock
	alertsPath string
	count      int
}

// NewAlertLogger constructs an AlertLogger writing to alertsPath via fs.
func NewAlertLogger(fs ports.FileSystem, clock ports.Clock, alertsPath string) *AlertLogger {
	return &AlertLogger{fs: fs, clock: clock, alertsPath: alertsPath}
}

// Count returns the total number of alerts logged so far.
func (a *AlertLogger) Count() int { return a.count }

// Log appends match to the alerts file.
func (a *AlertLogger) Log(match Match) error {
	line := fmt.Sprintf("[%s] [%s] %s\n", match.Timestamp.Format("15:04:05.000"), match.Pattern, match.Line)
	if err := a.fs.WriteFile(a.alertsPath, line, true); err != nil {
		return err
	}
	a.count++
	return nil
}
