//go:build !linux

package ports

import "golang.org/x/sys/unix"

// setTermiosSpeed is a no-op placeholder on non-Linux builds; the
// daemon's primary deployment target is Linux (the teacher's own
// cgroup/seccomp sandbox code follows the same linux.go/other.go
// split for platform-specific syscalls).
func setTermiosSpeed(t *unix.Termios, rate uint32) {}
