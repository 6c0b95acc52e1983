//go:build linux

package ports

import "golang.org/x/sys/unix"

// setTermiosSpeed sets both input and output baud rate. On Linux the
// unix.Termios struct carries Ispeed/Ospeed directly.
func setTermiosSpeed(t *unix.Termios, rate uint32) {
	t.Ispeed = rate
	t.Ospeed = rate
}
