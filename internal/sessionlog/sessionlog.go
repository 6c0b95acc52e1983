// Package sessionlog manages session-based logging of serial data:
// timestamped entries, session headers/footers, a recent-lines ring
// buffer for crash context, and size-based rotation with gzip
// compression. Grounded on
// _examples/original_source/eab/session_logger.py.
package sessionlog

import (
	"compress/gzip"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ansi"
	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// RotationConfig configures when and how the session log rotates.
type RotationConfig struct {
	MaxSizeBytes int64
	MaxFiles     int
	Compress     bool
}

// DefaultRotationConfig matches the original implementation's defaults.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeBytes: 100_000_000, MaxFiles: 5, Compress: true}
}

// Logger writes a timestamped, grep-friendly session log with
// automatic archiving of the previous session and size-based rotation.
type Logger struct {
	fs              ports.FileSystem
	clock           ports.Clock
	baseDir         string
	logPath         string
	recentBufSize   int
	rotation        RotationConfig

	sessionID     string
	port          string
	baud          int
	started       time.Time
	linesLogged   int
	commandsSent  int
	recentLines   []string
	bytesWritten  int64
}

// New constructs a Logger writing into baseDir/latest.log.
func New(fs ports.FileSystem, clock ports.Clock, baseDir string, recentBufSize int, rotation RotationConfig) *Logger {
	if recentBufSize <= 0 {
		recentBufSize = 500
	}
	return &Logger{
		fs:            fs,
		clock:         clock,
		baseDir:       baseDir,
		logPath:       filepath.Join(baseDir, "latest.log"),
		recentBufSize: recentBufSize,
		rotation:      rotation,
	}
}

func (l *Logger) SessionID() string    { return l.sessionID }
func (l *Logger) LinesLogged() int     { return l.linesLogged }
func (l *Logger) CommandsSent() int    { return l.commandsSent }
func (l *Logger) Rotation() RotationConfig { return l.rotation }

// StartSession archives any previous session log, then opens a fresh
// one with a header.
func (l *Logger) StartSession(port string, baud int) error {
	l.port = port
	l.baud = baud
	l.started = l.clock.Now()
	l.linesLogged = 0
	l.commandsSent = 0
	l.recentLines = nil
	l.bytesWritten = 0

	l.sessionID = l.started.Format("serial_2006-01-02_15-04-05")

	if l.fs.FileExists(l.logPath) {
		if err := l.rotateFileTo(l.logPath, l.logPath+".1"); err != nil {
			return err
		}
	}

	if err := l.fs.EnsureDir(l.baseDir); err != nil {
		return err
	}

	return l.fs.WriteFile(l.logPath, l.formatHeader(), false)
}

func (l *Logger) formatHeader() string {
	sep := strings.Repeat("=", 80)
	return fmt.Sprintf("%s\nSESSION: %s\nPORT: %s\nBAUD: %d\nSTARTED: %s\n%s\n\n",
		sep, l.sessionID, l.port, l.baud, l.started.Format(time.RFC3339Nano), sep)
}

// LogLine appends a timestamped line, stripped of ANSI escapes.
func (l *Logger) LogLine(line string) error {
	line = ansi.Strip(line)
	formatted := fmt.Sprintf("[%s] %s\n", l.clock.Now().Format("15:04:05.000"), line)
	if err := l.fs.WriteFile(l.logPath, formatted, true); err != nil {
		return err
	}
	l.bytesWritten += int64(len(formatted))
	l.linesLogged++
	l.pushRecent(strings.TrimRight(formatted, "\n"))
	return l.checkRotation()
}

// LogCommand appends a timestamped command marker line.
func (l *Logger) LogCommand(command string) error {
	command = ansi.Strip(command)
	formatted := fmt.Sprintf("[%s] >>> CMD: %s\n", l.clock.Now().Format("15:04:05.000"), command)
	if err := l.fs.WriteFile(l.logPath, formatted, true); err != nil {
		return err
	}
	l.bytesWritten += int64(len(formatted))
	l.commandsSent++
	l.pushRecent(strings.TrimRight(formatted, "\n"))
	return l.checkRotation()
}

func (l *Logger) pushRecent(line string) {
	l.recentLines = append(l.recentLines, line)
	if len(l.recentLines) > l.recentBufSize {
		l.recentLines = l.recentLines[len(l.recentLines)-l.recentBufSize:]
	}
}

// EndSession appends a footer summarizing the session.
func (l *Logger) EndSession() error {
	now := l.clock.Now()
	var durationStr string
	if !l.started.IsZero() {
		d := now.Sub(l.started)
		total := int(d.Seconds())
		durationStr = fmt.Sprintf("%dh %dm %02ds", total/3600, (total%3600)/60, total%60)
	} else {
		durationStr = "unknown"
	}

	sep := strings.Repeat("=", 80)
	footer := fmt.Sprintf("\n%s\nSESSION ENDED: %s\nDURATION: %s\nLINES LOGGED: %d\nCOMMANDS SENT: %d\n%s\n",
		sep, now.Format("2006-01-02_15-04-05"), durationStr, l.linesLogged, l.commandsSent, sep)

	return l.fs.WriteFile(l.logPath, footer, true)
}

// RecentLines returns the most recent count logged lines, for crash
// context analysis.
func (l *Logger) RecentLines(count int) []string {
	if count >= len(l.recentLines) {
		out := make([]string, len(l.recentLines))
		copy(out, l.recentLines)
		return out
	}
	out := make([]string, count)
	copy(out, l.recentLines[len(l.recentLines)-count:])
	return out
}

func (l *Logger) checkRotation() error {
	if l.bytesWritten >= l.rotation.MaxSizeBytes {
		return l.rotate()
	}
	return nil
}

// rotate shifts latest.log -> .1 -> .2 ... -> .maxFiles, dropping
// whatever falls off the end. Shifting runs from maxFiles-1 down to 1
// so no slot is overwritten before its prior occupant has moved out.
func (l *Logger) rotate() error {
	maxFiles := l.rotation.MaxFiles

	for _, ext := range []string{"", ".gz"} {
		oldest := fmt.Sprintf("%s.%d%s", l.logPath, maxFiles, ext)
		if l.fs.FileExists(oldest) {
			l.fs.DeleteFile(oldest)
		}
	}

	for i := maxFiles - 1; i >= 1; i-- {
		for _, ext := range []string{"", ".gz"} {
			src := fmt.Sprintf("%s.%d%s", l.logPath, i, ext)
			dst := fmt.Sprintf("%s.%d%s", l.logPath, i+1, ext)
			if l.fs.FileExists(src) {
				l.fs.RenameFile(src, dst)
			}
		}
	}

	if l.fs.FileExists(l.logPath) {
		if err := l.rotateFileTo(l.logPath, l.logPath+".1"); err != nil {
			return err
		}
	}

	l.bytesWritten = 0
	return nil
}

// rotateFileTo moves src to dst, gzip-compressing in place when
// configured. Real gzip, not a text marker: the FileSystem port
// operates on strings rather than raw bytes, so we compress through
// a dedicated helper rather than faking compression like the
// original's mock-only marker scheme.
func (l *Logger) rotateFileTo(src, dst string) error {
	if !l.rotation.Compress {
		return l.fs.RenameFile(src, dst)
	}

	content, err := l.fs.ReadFile(src)
	if err != nil {
		return err
	}

	var sb strings.Builder
	gz := gzip.NewWriter(&sb)
	if _, err := gz.Write([]byte(content)); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	if err := l.fs.WriteFile(dst+".gz", sb.String(), false); err != nil {
		return err
	}
	return l.fs.DeleteFile(src)
}
