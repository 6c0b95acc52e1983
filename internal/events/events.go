// Package events emits an append-only JSONL event stream so agents
// and other processes can tail daemon activity without sockets.
// Grounded on _examples/original_source/eab/event_emitter.py.
package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

const schemaVersion = 1

// Event is one emitted JSONL record.
type Event struct {
	SchemaVersion int            `json:"schema_version"`
	Sequence      int64          `json:"sequence"`
	Timestamp     string         `json:"timestamp"`
	Type          string         `json:"type"`
	Level         string         `json:"level"`
	SessionID     string         `json:"session_id,omitempty"`
	Data          map[string]any `json:"data"`
}

// Emitter appends Events to a JSONL file, tracking a monotonic
// sequence number that survives restarts by reading the file's last
// line at startup.
type Emitter struct {
	fs         ports.FileSystem
	clock      ports.Clock
	eventsPath string
	sequence   int64
	sessionID  string
}

// New constructs an Emitter, ensuring the events directory exists and
// resuming sequence numbering from the file's last recorded event.
func New(fs ports.FileSystem, clock ports.Clock, eventsPath string) (*Emitter, error) {
	dir := filepath.Dir(eventsPath)
	if dir == "" {
		dir = "."
	}
	if err := fs.EnsureDir(dir); err != nil {
		return nil, err
	}

	e := &Emitter{fs: fs, clock: clock, eventsPath: eventsPath}
	e.sequence = loadLastSequence(eventsPath)
	return e, nil
}

// SetSessionID tags every subsequently emitted event with sessionID.
func (e *Emitter) SetSessionID(sessionID string) {
	e.sessionID = sessionID
}

// Emit appends a new event of type eventType with the given data and
// level ("info" if level is empty), returning the payload written.
func (e *Emitter) Emit(eventType string, data map[string]any, level string) (Event, error) {
	if level == "" {
		level = "info"
	}
	if data == nil {
		data = map[string]any{}
	}
	e.sequence++
	ev := Event{
		SchemaVersion: schemaVersion,
		Sequence:      e.sequence,
		Timestamp:     e.clock.Now().Format("2006-01-02T15:04:05.000000000Z07:00"),
		Type:          eventType,
		Level:         level,
		SessionID:     e.sessionID,
		Data:          data,
	}

	line, err := marshalSorted(ev)
	if err != nil {
		return ev, err
	}
	return ev, e.appendLine(line)
}

// appendLine appends content (plus a trailing newline if missing) to
// the events file under an exclusive advisory lock, so concurrent
// writers (e.g. daemon plus a CLI helper) never interleave partial
// lines.
func (e *Emitter) appendLine(content string) error {
	f, err := os.OpenFile(e.eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return f.Sync()
}

// marshalSorted marshals ev with JSON object keys sorted, matching
// the original implementation's sort_keys=True so event lines are
// byte-stable for diffing and grep.
func marshalSorted(ev Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(b, &generic); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(generic))
	for k := range generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(generic[k])
	}
	sb.WriteByte('}')
	return sb.String(), nil
}

// loadLastSequence reads the tail of the events file to recover the
// last sequence number written, so a restarted daemon doesn't reuse
// sequence numbers. Best-effort: any read/parse failure yields 0.
func loadLastSequence(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return 0
	}

	const tailSize = 4096
	offset := info.Size() - tailSize
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		return 0
	}

	var lastLine string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if lastLine == "" {
		return 0
	}

	var parsed struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.Unmarshal([]byte(lastLine), &parsed); err != nil {
		return 0
	}
	return parsed.Sequence
}
