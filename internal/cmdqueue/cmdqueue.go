// Package cmdqueue implements the append-then-drain FIFO protocol for
// the daemon's command file: writers append one command per line
// under an exclusive lock, the daemon drains and truncates under the
// same lock. Grounded on
// _examples/original_source/eab/command_file.py.
package cmdqueue

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Append adds a single command as a new line in cmdPath, safe against
// a concurrent Drain since both take an exclusive flock on the file.
// A blank command (after trimming trailing newlines) is a no-op.
func Append(cmdPath, command string) error {
	normalized := strings.TrimRight(command, "\n")
	if normalized == "" {
		return nil
	}

	if parent := filepath.Dir(cmdPath); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(cmdPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.WriteString(normalized + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

// Drain reads and returns every queued command, in the order they
// were appended, then truncates the file to empty while still
// holding the lock. Returns an empty slice (not an error) if cmdPath
// doesn't exist yet.
func Drain(cmdPath string) ([]string, error) {
	if _, err := os.Stat(cmdPath); os.IsNotExist(err) {
		return nil, nil
	}

	f, err := os.OpenFile(cmdPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	content := string(raw)

	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	var commands []string
	for _, line := range strings.Split(content, "\n") {
		if cmd := strings.TrimSpace(line); cmd != "" {
			commands = append(commands, cmd)
		}
	}
	return commands, nil
}
