package daemon

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/portlock"
	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// PauseResumeRetries bounds the extended retry budget for
// re-acquiring the port lock after a pause, since an external flash
// tool can briefly hold the device file even after it exits.
var PauseResumeRetries = 10

// PauseResumeRetryDelay is the sleep between re-acquire attempts.
var PauseResumeRetryDelay = 500 * time.Millisecond

// checkPause inspects pause.txt and drives the paused/resumed
// transition. Returns true if the daemon is currently paused (the
// caller's main loop should `continue` without touching the serial
// port). Grounded on daemon.py's _check_pause.
func (d *Daemon) checkPause() bool {
	if !d.fs.FileExists(d.pausePath) {
		if d.paused {
			d.resumeFromPause()
		}
		return false
	}

	content := strings.TrimSpace(mustRead(d.fs, d.pausePath))
	if content == "" {
		if d.paused {
			d.resumeFromPause()
		}
		return false
	}

	pauseUntil, err := strconv.ParseFloat(content, 64)
	if err != nil {
		d.fs.WriteFile(d.pausePath, "", false)
		if d.paused {
			d.resumeFromPause()
		}
		return false
	}

	now := d.clock.Timestamp()
	if now >= pauseUntil {
		d.fs.WriteFile(d.pausePath, "", false)
		if d.paused {
			d.resumeFromPause()
		}
		return false
	}

	if !d.paused {
		remaining := int(pauseUntil - now)
		d.logger.Info(fmt.Sprintf("PAUSING for %ds - releasing serial port for flashing...", remaining))

		d.originalPort = d.portName
		d.pauseStartTime = now

		d.reconnection.Disconnect()
		if d.portLock != nil {
			d.portLock.Release()
			d.portLock = nil
		}
		d.statusMgr.SetConnectionState(ports.Disconnected)
		d.sessionLog.LogLine("[EAB] PAUSED - port " + d.originalPort + " released for flashing")

		d.paused = true
	}

	remaining := pauseUntil - now
	sleepTime := 100 * time.Millisecond
	if remaining > 5 {
		sleepTime = 500 * time.Millisecond
	}
	d.clock.Sleep(sleepTime)
	return true
}

func mustRead(fs ports.FileSystem, path string) string {
	content, err := fs.ReadFile(path)
	if err != nil {
		return ""
	}
	return content
}

// resumeFromPause re-acquires the port lock (with an extended retry
// budget to ride out a flash tool's cleanup) and reconnects, falling
// back to ESP32 auto-detection if the original port vanished.
// Grounded on daemon.py's _resume_from_pause.
func (d *Daemon) resumeFromPause() {
	pauseDuration := 0
	if d.pauseStartTime > 0 {
		pauseDuration = int(d.clock.Timestamp() - d.pauseStartTime)
	}
	d.logger.Info(fmt.Sprintf("resuming from pause (was paused %ds)...", pauseDuration))

	portName := d.portName
	originalPort := d.originalPort
	if originalPort == "" {
		originalPort = portName
	}

	// Give esptool/other tools time to release the port.
	d.clock.Sleep(500 * time.Millisecond)

	available := d.serial.ListPorts()
	exists := false
	var deviceList []string
	for _, p := range available {
		deviceList = append(deviceList, p.Device)
		if p.Device == originalPort {
			exists = true
		}
	}

	if !exists {
		d.logger.Warn("original port " + originalPort + " no longer exists!")
		d.logger.Info("available ports: " + strings.Join(deviceList, ", "))

		if d.opts.AutoDetect {
			newPort := d.resolvePort()
			found := false
			for _, dv := range deviceList {
				if dv == newPort {
					found = true
					break
				}
			}
			if newPort != d.opts.Port && found {
				d.logger.Info("auto-detected new port: " + newPort)
				d.portName = newPort
				portName = newPort
			} else {
				d.logger.Warn("no ESP32 port found, will retry on next loop...")
				d.statusMgr.SetConnectionState(ports.Reconnecting)
				d.sessionLog.LogLine("[EAB] RESUME FAILED - port disappeared, waiting for reconnect")
				d.paused = false
				d.pauseStartTime = 0
				d.originalPort = ""
				return
			}
		}
	}

	lock, err := portlock.New(portName, d.logger)
	if err != nil {
		d.logger.Error("failed to construct port lock on resume: " + err.Error())
		return
	}
	d.portLock = lock

	lockAcquired := false
	for attempt := 1; attempt <= PauseResumeRetries; attempt++ {
		if d.portLock.Acquire(0, true) {
			lockAcquired = true
			break
		}
		d.logger.Warn(fmt.Sprintf("port lock retry %d/%d (esptool may still be releasing)...", attempt, PauseResumeRetries))
		d.clock.Sleep(PauseResumeRetryDelay)
	}

	if !lockAcquired {
		d.logger.Error("failed to re-acquire port lock after pause")
		for _, user := range portlock.FindPortUsers(portName) {
			d.logger.Warn(fmt.Sprintf("  port held by PID %d: %s", user.PID, user.Name))
		}
	}

	d.reconnection.SetPort(portName)
	if d.reconnection.Connect() {
		d.statusMgr.SetConnectionState(ports.Connected)
		d.logger.Info("resumed successfully - serial port reconnected")
		d.sessionLog.LogLine("[EAB] RESUMED - connected to " + portName)
	} else {
		d.logger.Warn("resume: reconnection pending, will retry...")
		d.statusMgr.SetConnectionState(ports.Reconnecting)
		d.sessionLog.LogLine("[EAB] RESUME - reconnection pending")
	}

	d.paused = false
	d.pauseStartTime = 0
	d.originalPort = ""
}
