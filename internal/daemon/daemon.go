// Package daemon wires every component (A-N, P, Q) into the main
// poll/read/process/drain loop, the way
// _examples/original_source/eab/daemon.py's SerialDaemon class does,
// generalized from the teacher's internal/daemon/daemon.go
// (context+cancel, signal channel, goroutine+error-channel select,
// graceful-shutdown grace period) onto the serial-read/process/
// command-drain/status-refresh domain instead of wingthing's
// task-engine domain.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ansi"
	"github.com/shanemmattner/embedded-agent-bridge/internal/chiprecovery"
	"github.com/shanemmattner/embedded-agent-bridge/internal/cmdqueue"
	"github.com/shanemmattner/embedded-agent-bridge/internal/config"
	"github.com/shanemmattner/embedded-agent-bridge/internal/devicecontrol"
	"github.com/shanemmattner/embedded-agent-bridge/internal/events"
	"github.com/shanemmattner/embedded-agent-bridge/internal/faultanalyzer"
	"github.com/shanemmattner/embedded-agent-bridge/internal/pattern"
	"github.com/shanemmattner/embedded-agent-bridge/internal/portlock"
	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
	"github.com/shanemmattner/embedded-agent-bridge/internal/reconnect"
	"github.com/shanemmattner/embedded-agent-bridge/internal/registry"
	"github.com/shanemmattner/embedded-agent-bridge/internal/resetreason"
	"github.com/shanemmattner/embedded-agent-bridge/internal/sessionlog"
	"github.com/shanemmattner/embedded-agent-bridge/internal/singleton"
	"github.com/shanemmattner/embedded-agent-bridge/internal/status"
)

// StatusUpdateInterval is how often status.json is refreshed.
const StatusUpdateInterval = time.Second

// esp32Patterns is the priority order of device-file/description/hwid
// substrings used to auto-detect an ESP32 port, from daemon.py's
// _resolve_port.
var esp32Patterns = []string{
	"usbmodem",
	"cp210", "silicon_labs", "silabs",
	"ch340", "ch341", "wch",
	"ftdi", "ft232",
	"usbserial", "usb",
}

// Options configures a Daemon.
type Options struct {
	Port       string // "auto" triggers ESP32 auto-detection
	Baud       int
	BaseDir    string
	DeviceName string
	DeviceType string
	Chip       string
	Force      bool // kill any existing daemon for this device first
	AutoDetect bool
	Config     config.Config
}

// Daemon ties every EAB component together into the main serial
// session loop.
type Daemon struct {
	opts   Options
	logger ports.Logger

	serial ports.Serial
	fs     ports.FileSystem
	clock  ports.Clock

	portName string

	reconnection *reconnect.Manager
	sessionLog   *sessionlog.Logger
	patterns     *pattern.Matcher
	alerts       *pattern.AlertLogger
	statusMgr    *status.Manager
	emitter      *events.Emitter
	resets       *resetreason.Tracker
	chipFSM      *chiprecovery.Machine
	device       *devicecontrol.Controller
	faultAuto    *faultanalyzer.Analyzer

	portLock  *portlock.Lock
	singleton *singleton.Daemon

	cmdPath    string
	pausePath  string
	streamPath string
	dataPath   string

	paused         bool
	pauseStartTime float64
	originalPort   string

	streamEnabled         bool
	streamActive          bool
	streamMode            string
	streamChunkSize       int
	streamMarker          string
	streamPatternMatching bool
	streamBuf             []byte

	// watcher wakes Run promptly on a cmd.txt/pause.txt write instead
	// of waiting for the next poll slice; it's a latency hint only,
	// never load-bearing (see watch.go).
	watcher *fsnotify.Watcher

	running bool
}

// New constructs a Daemon from opts, wiring every component with real
// (non-fake) port implementations.
func New(opts Options, logger ports.Logger) *Daemon {
	if opts.Baud == 0 {
		opts.Baud = 115200
	}
	if opts.BaseDir == "" {
		opts.BaseDir = "/var/run/eab/serial"
	}

	d := &Daemon{
		opts:   opts,
		logger: logger,
		serial: ports.NewRealSerial(),
		fs:     ports.NewRealFileSystem(),
		clock:  ports.NewRealClock(),
	}

	d.fs.EnsureDir(opts.BaseDir)
	d.portName = d.resolvePort()

	d.reconnection = reconnect.New(d.serial, d.clock, d.logger, reconnect.Config{
		Port: d.portName,
		Baud: opts.Baud,
		Callbacks: reconnect.Callbacks{
			OnReconnect:  d.onReconnect,
			OnDisconnect: d.onDisconnect,
		},
	})

	d.sessionLog = sessionlog.New(d.fs, d.clock, opts.BaseDir, 200, sessionlog.RotationConfig{
		MaxSizeBytes: opts.Config.RotationMaxBytes,
		MaxFiles:     opts.Config.RotationMaxFiles,
		Compress:     opts.Config.RotationCompress,
	})

	d.patterns = pattern.New(d.clock, true)
	for _, p := range opts.Config.Patterns {
		d.patterns.Add(p.Name, p.Pattern, p.Regex)
	}
	d.alerts = pattern.NewAlertLogger(d.fs, d.clock, filepath.Join(opts.BaseDir, "alerts.log"))
	d.statusMgr = status.New(d.fs, d.clock, filepath.Join(opts.BaseDir, "status.json"))

	if emitter, err := events.New(d.fs, d.clock, filepath.Join(opts.BaseDir, "events.jsonl")); err == nil {
		d.emitter = emitter
	} else if d.logger != nil {
		d.logger.Error("failed to open events.jsonl: " + err.Error())
	}

	d.resets = resetreason.New(d.clock)

	d.device = devicecontrol.New(d.serial, d.portName, opts.Baud, d.logger,
		devicecontrol.WithFlashCallbacks(d.onFlashStart, d.onFlashEnd))

	d.chipFSM = chiprecovery.New(d.clock, d.logger, chiprecovery.Config{}, chiprecovery.Callbacks{
		OnStateChange:    d.onChipStateChange,
		OnCrashDetected:  d.onCrashDetected,
		OnResetRequested: d.onResetRequested,
	})

	if opts.Config.AutoFault.Enabled && d.emitter != nil {
		d.faultAuto = faultanalyzer.New(faultanalyzer.Config{
			Enabled:         true,
			Chip:            opts.Config.AutoFault.Chip,
			Device:          opts.Config.AutoFault.Device,
			ProbeType:       opts.Config.AutoFault.ProbeType,
			ProbeSelector:   opts.Config.AutoFault.ProbeSelector,
			ELF:             opts.Config.AutoFault.ELF,
			RestartRTT:      opts.Config.AutoFault.RestartRTT,
			DebounceSeconds: opts.Config.AutoFault.DebounceSeconds,
			BaseDir:         opts.BaseDir,
		}, d.emitter, d.logger)
	}

	d.cmdPath = filepath.Join(opts.BaseDir, "cmd.txt")
	d.pausePath = filepath.Join(opts.BaseDir, "pause.txt")
	d.streamPath = filepath.Join(opts.BaseDir, "stream.json")
	d.dataPath = filepath.Join(opts.BaseDir, "data.bin")

	return d
}

func (d *Daemon) resolvePort() string {
	if !strings.EqualFold(d.opts.Port, "auto") || !d.opts.AutoDetect {
		return d.opts.Port
	}

	available := d.serial.ListPorts()
	for _, pat := range esp32Patterns {
		for _, p := range available {
			dev, desc, hwid := strings.ToLower(p.Device), strings.ToLower(p.Description), strings.ToLower(p.HWID)
			if strings.Contains(dev, pat) || strings.Contains(desc, pat) || strings.Contains(hwid, pat) {
				if strings.Contains(desc, "bluetooth") || strings.Contains(dev, "debug-console") {
					continue
				}
				if d.logger != nil {
					d.logger.Info(fmt.Sprintf("auto-detected ESP32 port: %s (%s)", p.Device, p.Description))
				}
				return p.Device
			}
		}
	}
	if d.logger != nil {
		d.logger.Warn("no ESP32 serial port found")
	}
	return d.opts.Port
}

func (d *Daemon) onReconnect() {
	d.statusMgr.RecordReconnect()
	d.logger.Info("reconnected to device")
	if d.emitter != nil {
		d.emitter.Emit("reconnect", map[string]any{"port": d.portName}, "info")
	}
}

func (d *Daemon) onDisconnect() {
	d.statusMgr.SetConnectionState(ports.Reconnecting)
	d.statusMgr.RecordUSBDisconnect()
	d.logger.Warn("connection lost")
	if d.emitter != nil {
		d.emitter.Emit("usb_disconnect", map[string]any{"port": d.portName}, "warn")
	}
}

func (d *Daemon) onFlashStart() {
	d.statusMgr.SetConnectionState(ports.Disconnected)
	d.logger.Info("flash starting, releasing port...")
}

func (d *Daemon) onFlashEnd(success bool) {
	if success {
		d.statusMgr.SetConnectionState(ports.Connected)
		d.logger.Info("flash complete, port reacquired")
	} else {
		d.logger.Error("flash failed")
	}
}

func (d *Daemon) onChipStateChange(from, to chiprecovery.State) {
	d.logger.Info(fmt.Sprintf("chip state: %s -> %s", from, to))
	d.sessionLog.LogLine(fmt.Sprintf("[EAB] Chip state: %s", to))
}

func (d *Daemon) onCrashDetected(line string) {
	d.logger.Error("crash detected!")
	d.sessionLog.LogLine("[EAB] CRASH DETECTED: " + truncate(line, 100))
	if d.faultAuto != nil {
		d.faultAuto.OnCrashDetected(line)
	}
}

func (d *Daemon) onResetRequested(reason string) {
	seq := "hard_reset"
	if reason == "clean_shutdown" {
		seq = "soft_reset"
	}
	d.device.Reset(seq)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Start acquires the singleton lock, checks for port contention,
// acquires the per-port lock, connects, and starts the session log
// and status manager. Returns false (without panicking) on any
// acquisition failure, matching daemon.py's fail-soft start().
func (d *Daemon) Start() bool {
	d.logger.Info("starting Embedded Agent Bridge Serial Daemon")
	d.logger.Info(fmt.Sprintf("port: %s, baud: %d", d.portName, d.opts.Baud))
	d.logger.Info("base directory: " + d.opts.BaseDir)

	deviceName := d.opts.DeviceName
	if deviceName == "" {
		deviceName = filepath.Base(d.portName)
	}

	d.singleton = singleton.New(deviceName, d.logger)
	if !d.singleton.Acquire(singleton.AcquireOptions{
		KillExisting: d.opts.Force,
		Port:         d.portName,
		BaseDir:      d.opts.BaseDir,
		DeviceType:   d.opts.DeviceType,
		Chip:         d.opts.Chip,
	}) {
		return false
	}
	registry.Register(deviceName, d.opts.DeviceType, d.opts.Chip)

	d.logger.Info("checking for port contention...")
	for _, user := range portlock.FindPortUsers(d.portName) {
		d.logger.Warn(fmt.Sprintf("port %s may be in use by PID %d: %s", d.portName, user.PID, user.Name))
	}
	for _, owner := range portlock.ListAllLocks() {
		if owner.Port == d.portName {
			d.logger.Warn(fmt.Sprintf("port %s locked by EAB PID %d (%s) since %s", d.portName, owner.PID, owner.ProcessName, owner.Started))
		}
	}

	lock, err := portlock.New(d.portName, d.logger)
	if err != nil {
		d.logger.Error("could not construct port lock: " + err.Error())
		d.singleton.Release()
		return false
	}
	d.portLock = lock
	if !d.portLock.Acquire(0, true) {
		d.logger.Error("could not acquire lock for " + d.portName)
		if owner := d.portLock.GetOwner(); owner != nil {
			d.logger.Error(fmt.Sprintf("port locked by PID %d (%s)", owner.PID, owner.ProcessName))
		}
		d.singleton.Release()
		return false
	}

	if !d.reconnection.Connect() {
		d.logger.Error("failed to connect to serial port")
		d.portLock.Release()
		d.singleton.Release()
		return false
	}

	sessionID := "serial_" + d.clock.Now().Format("2006-01-02_15-04-05")

	d.sessionLog.StartSession(d.portName, d.opts.Baud)
	d.statusMgr.StartSession(sessionID, d.portName, d.opts.Baud)
	d.statusMgr.SetConnectionState(ports.Connected)
	if d.emitter != nil {
		d.emitter.SetSessionID(sessionID)
	}

	d.fs.WriteFile(d.cmdPath, "", false)
	d.startWatcher()

	d.running = true
	if d.emitter != nil {
		d.emitter.Emit("daemon_started", map[string]any{"port": d.portName, "baud": d.opts.Baud}, "info")
	}
	d.logger.Info("daemon started successfully")
	d.logger.Info("command file: " + d.cmdPath)
	return true
}

// Run executes the main loop until ctx is cancelled or Stop is
// called.
func (d *Daemon) Run(ctx context.Context) error {
	lastStatusUpdate := time.Time{}

	for d.running {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if d.checkPause() {
			continue
		}

		if !d.reconnection.CheckAndReconnect() {
			d.clock.Sleep(100 * time.Millisecond)
			continue
		}

		d.checkStreamConfig()

		if data := d.serial.ReadLine(); data != nil {
			if line := strings.TrimSpace(string(data)); line != "" {
				d.processLine(line)
			}
		}

		d.checkCommands()

		now := d.clock.Now()
		if now.Sub(lastStatusUpdate) >= StatusUpdateInterval {
			d.statusMgr.Update()
			d.statusMgr.SetResetStatistics(d.resets.GetStatistics().AsMap())
			lastStatusUpdate = now

			d.chipFSM.Tick()
		}

		if d.serial.BytesAvailable() == 0 {
			if !d.drainWatcherEvents(time.Millisecond) {
				d.clock.Sleep(time.Millisecond)
			}
		}
	}
	return nil
}

func (d *Daemon) processLine(line string) {
	d.sessionLog.LogLine(line)
	d.statusMgr.RecordLine()
	byteCount := len(line)
	d.statusMgr.RecordBytes(byteCount)
	d.statusMgr.RecordActivity(byteCount)

	if ev := d.resets.CheckLine(line); ev != nil && d.emitter != nil {
		level := "info"
		if resetreason.IsUnexpectedReset(ev.Reason) {
			level = "warn"
		}
		d.emitter.Emit("reset_detected", map[string]any{"reason": ev.Reason, "raw_line": ev.RawLine}, level)
	}

	suppressed := d.handleStreamLine(line)

	if !suppressed {
		d.chipFSM.OnLine(line)

		for _, match := range d.patterns.Check(line) {
			d.alerts.Log(match)
			d.statusMgr.RecordAlert(match.Pattern)
			if d.emitter != nil {
				d.emitter.Emit("alert", map[string]any{"pattern": match.Pattern, "line": match.Line}, "warn")
			}
		}
	}

	fmt.Println(ansi.Strip(line))
}

func (d *Daemon) checkCommands() {
	commands, err := cmdqueue.Drain(d.cmdPath)
	if err != nil {
		d.logger.Error("error checking commands: " + err.Error())
		return
	}
	for _, cmd := range commands {
		d.sendCommand(cmd)
	}
}

func (d *Daemon) sendCommand(cmd string) {
	d.logger.Info("sending command: " + cmd)
	d.sessionLog.LogCommand(cmd)
	d.statusMgr.RecordCommand()
	if d.emitter != nil {
		d.emitter.Emit("command_sent", map[string]any{"command": cmd}, "info")
	}

	if d.device.IsSpecialCommand(cmd) {
		result, _ := d.device.HandleCommand(cmd)
		d.logger.Info("special command result: " + result)
		d.sessionLog.LogLine("[EAB] " + result)
		return
	}

	d.serial.Write([]byte(cmd + "\n"))
}

// Stop gracefully shuts the daemon down: resets the chip to a known
// state, closes the session log, disconnects, and releases both
// locks.
func (d *Daemon) Stop() {
	d.logger.Info("stopping daemon...")
	d.running = false

	d.chipFSM.CleanShutdown()
	d.flushStreamBuf()

	if d.emitter != nil {
		d.emitter.Emit("daemon_stopped", map[string]any{"port": d.portName}, "info")
	}

	d.sessionLog.EndSession()
	d.statusMgr.SetConnectionState(ports.Disconnected)
	d.statusMgr.Update()

	d.reconnection.Disconnect()
	d.stopWatcher()

	if d.portLock != nil {
		d.portLock.Release()
	}
	if d.singleton != nil {
		d.singleton.Release()
	}

	d.logger.Info("daemon stopped")
}
