// Package fake provides in-memory implementations of internal/ports
// capability interfaces for hardware-free testing, grounded on
// _examples/original_source/eab/mocks.py.
package fake

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// Serial is an in-memory serial port. Tests push inbound lines with
// Feed and inspect outbound bytes via Written.
type Serial struct {
	mu       sync.Mutex
	open     bool
	port     string
	baud     int
	inbound  []byte
	Written  []byte
	dtr, rts bool
	Ports    []ports.PortInfo
}

func NewSerial() *Serial { return &Serial{} }

func (s *Serial) Open(port string, baud int, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.port = port
	s.baud = baud
	return true
}

func (s *Serial) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
}

func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Feed appends raw bytes (including any newlines) to the read buffer,
// simulating bytes arriving on the wire.
func (s *Serial) Feed(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, data...)
}

// FeedLine is a convenience for Feed(line + "\n").
func (s *Serial) FeedLine(line string) {
	s.Feed([]byte(line + "\n"))
}

func (s *Serial) ReadLine() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	for i, b := range s.inbound {
		if b == '\n' {
			line := s.inbound[:i]
			s.inbound = s.inbound[i+1:]
			return strings_TrimCR(line)
		}
	}
	return nil
}

func strings_TrimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

func (s *Serial) ReadBytes(maxBytes int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || maxBytes <= 0 || len(s.inbound) == 0 {
		return nil
	}
	n := maxBytes
	if n > len(s.inbound) {
		n = len(s.inbound)
	}
	out := make([]byte, n)
	copy(out, s.inbound[:n])
	s.inbound = s.inbound[n:]
	return out
}

func (s *Serial) Write(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0
	}
	s.Written = append(s.Written, data...)
	return len(data)
}

func (s *Serial) BytesAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbound)
}

func (s *Serial) SetDTR(on bool) error { s.mu.Lock(); defer s.mu.Unlock(); s.dtr = on; return nil }
func (s *Serial) SetRTS(on bool) error { s.mu.Lock(); defer s.mu.Unlock(); s.rts = on; return nil }

func (s *Serial) ListPorts() []ports.PortInfo { return s.Ports }

// FileSystem is an in-memory filesystem.
type FileSystem struct {
	mu    sync.Mutex
	files map[string]string
	mtime map[string]time.Time
	clock ports.Clock
}

func NewFileSystem(clock ports.Clock) *FileSystem {
	return &FileSystem{
		files: make(map[string]string),
		mtime: make(map[string]time.Time),
		clock: clock,
	}
}

func (fs *FileSystem) ReadFile(path string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	content, ok := fs.files[path]
	if !ok {
		return "", fmt.Errorf("fake fs: %s: no such file", path)
	}
	return content, nil
}

func (fs *FileSystem) WriteFile(path string, content string, append bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if append {
		fs.files[path] += content
	} else {
		fs.files[path] = content
	}
	fs.mtime[path] = fs.clock.Now()
	return nil
}

func (fs *FileSystem) FileExists(path string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[path]
	return ok
}

func (fs *FileSystem) GetMtime(path string) (time.Time, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.mtime[path]
	if !ok {
		return time.Time{}, fmt.Errorf("fake fs: %s: no such file", path)
	}
	return t, nil
}

func (fs *FileSystem) EnsureDir(path string) error { return nil }

func (fs *FileSystem) DeleteFile(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, path)
	delete(fs.mtime, path)
	return nil
}

func (fs *FileSystem) FileSize(path string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	content, ok := fs.files[path]
	if !ok {
		return 0, fmt.Errorf("fake fs: %s: no such file", path)
	}
	return int64(len(content)), nil
}

func (fs *FileSystem) RenameFile(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	content, ok := fs.files[oldPath]
	if !ok {
		return fmt.Errorf("fake fs: %s: no such file", oldPath)
	}
	fs.files[newPath] = content
	fs.mtime[newPath] = fs.mtime[oldPath]
	delete(fs.files, oldPath)
	delete(fs.mtime, oldPath)
	return nil
}

func (fs *FileSystem) ListDir(path string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var names []string
	for p := range fs.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name := strings.SplitN(rest, "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Clock is a controllable clock for deterministic tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Timestamp() float64 {
	return float64(c.Now().UnixNano()) / 1e9
}

func (c *Clock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Advance moves the clock forward without blocking, for assertions
// that depend on elapsed wall time (idle_seconds, stuck detection).
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Logger collects log lines per level for assertions.
type Logger struct {
	mu     sync.Mutex
	Debugs []string
	Infos  []string
	Warns  []string
	Errors []string
}

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Debug(msg string) { l.mu.Lock(); defer l.mu.Unlock(); l.Debugs = append(l.Debugs, msg) }
func (l *Logger) Info(msg string)  { l.mu.Lock(); defer l.mu.Unlock(); l.Infos = append(l.Infos, msg) }
func (l *Logger) Warn(msg string)  { l.mu.Lock(); defer l.mu.Unlock(); l.Warns = append(l.Warns, msg) }
func (l *Logger) Error(msg string) { l.mu.Lock(); defer l.mu.Unlock(); l.Errors = append(l.Errors, msg) }
