package portlock

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PortUser is a process reported by lsof as having a port device open.
type PortUser struct {
	PID     int
	Name    string
	Cmdline string
}

// FindPortUsers shells out to lsof to report other processes with the
// device open. Best-effort: if lsof is unavailable or errors, returns
// nil rather than failing startup. Grounded on port_lock.py's
// find_port_users.
func FindPortUsers(port string) []PortUser {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lsof", port).Output()
	if err != nil {
		return nil
	}

	var users []PortUser
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return nil
	}
	for _, line := range lines[1:] { // skip header
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		users = append(users, PortUser{
			PID:     pid,
			Name:    fields[0],
			Cmdline: strings.Join(fields, " "),
		})
	}
	return users
}

// KillPortUsers signals every process reported as holding port open,
// skipping the calling process itself. Returns the PIDs signaled.
func KillPortUsers(port string, sig syscall.Signal) []int {
	self := os.Getpid()
	var killed []int
	for _, u := range FindPortUsers(port) {
		if u.PID == self {
			continue
		}
		if syscall.Kill(u.PID, sig) == nil {
			killed = append(killed, u.PID)
		}
	}
	return killed
}
