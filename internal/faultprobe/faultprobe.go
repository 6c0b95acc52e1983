// Package faultprobe abstracts starting/stopping a GDB server over
// J-Link or OpenOCD, decoupling the fault analyzer from the specific
// debug probe in use. Grounded on
// _examples/original_source/eab/debug_probes/{base,jlink,openocd}.py
// and jlink_bridge.py's background-process launcher pattern.
package faultprobe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Status reports a GDB server's liveness and connection port.
type Status struct {
	Running   bool
	PID       int
	Port      int
	LastError string
}

// Probe starts and stops a GDB server exposing a debuggable target.
type Probe interface {
	StartGDBServer(device string) (Status, error)
	StopGDBServer()
	GDBPort() int
	Name() string
}

// JLinkConfig configures a JLinkProbe.
type JLinkConfig struct {
	BaseDir   string
	Port      int // default 2331
	SWOPort   int // default 2332
	TelnetPort int // default 2333
	Speed     int // kHz, default 4000
	Interface string // "SWD" or "JTAG", default SWD
}

// JLinkProbe launches JLinkGDBServer(CLExe) as a background process,
// tracking it via a PID file under BaseDir the same way the bridge's
// generic process launcher does for RTT/SWO/GDB.
type JLinkProbe struct {
	cfg     JLinkConfig
	pidPath string
	logPath string
	errPath string
}

func NewJLinkProbe(cfg JLinkConfig) *JLinkProbe {
	if cfg.Port == 0 {
		cfg.Port = 2331
	}
	if cfg.SWOPort == 0 {
		cfg.SWOPort = 2332
	}
	if cfg.TelnetPort == 0 {
		cfg.TelnetPort = 2333
	}
	if cfg.Speed == 0 {
		cfg.Speed = 4000
	}
	if cfg.Interface == "" {
		cfg.Interface = "SWD"
	}
	os.MkdirAll(cfg.BaseDir, 0o755)
	return &JLinkProbe{
		cfg:     cfg,
		pidPath: filepath.Join(cfg.BaseDir, "jlink_gdb.pid"),
		logPath: filepath.Join(cfg.BaseDir, "jlink_gdb.log"),
		errPath: filepath.Join(cfg.BaseDir, "jlink_gdb.err"),
	}
}

func (p *JLinkProbe) GDBPort() int { return p.cfg.Port }
func (p *JLinkProbe) Name() string { return "J-Link" }

func (p *JLinkProbe) StartGDBServer(device string) (Status, error) {
	if pid, ok := readPID(p.pidPath); ok && pidAlive(pid) {
		return Status{Running: true, PID: pid, Port: p.cfg.Port}, nil
	}

	bin, err := exec.LookPath("JLinkGDBServerCLExe")
	if err != nil {
		bin, err = exec.LookPath("JLinkGDBServer")
		if err != nil {
			bin = "JLinkGDBServer"
		}
	}

	args := []string{
		"-device", device,
		"-if", p.cfg.Interface,
		"-speed", strconv.Itoa(p.cfg.Speed),
		"-port", strconv.Itoa(p.cfg.Port),
		"-SWOPort", strconv.Itoa(p.cfg.SWOPort),
		"-TelnetPort", strconv.Itoa(p.cfg.TelnetPort),
		"-noir",
	}

	return startBackgroundProcess(bin, args, p.cfg.BaseDir, p.pidPath, p.logPath, p.errPath, p.cfg.Port)
}

func (p *JLinkProbe) StopGDBServer() {
	stopBackgroundProcess(p.pidPath)
}

// OpenOCDConfig configures an OpenOCDProbe.
type OpenOCDConfig struct {
	BaseDir       string
	InterfaceCfg  string // default "interface/cmsis-dap.cfg"
	TargetCfg     string
	Transport     string
	ExtraCommands []string
	HaltCommand   string // default "halt"
	GDBPort       int    // default 3333
	TelnetPort    int    // default 4444
	TCLPort       int    // default 6666
}

// OpenOCDProbe launches openocd for CMSIS-DAP/ST-Link/J-Link-via-OpenOCD access.
type OpenOCDProbe struct {
	cfg     OpenOCDConfig
	pidPath string
	logPath string
	errPath string
}

func NewOpenOCDProbe(cfg OpenOCDConfig) *OpenOCDProbe {
	if cfg.InterfaceCfg == "" {
		cfg.InterfaceCfg = "interface/cmsis-dap.cfg"
	}
	if cfg.HaltCommand == "" {
		cfg.HaltCommand = "halt"
	}
	if cfg.GDBPort == 0 {
		cfg.GDBPort = 3333
	}
	if cfg.TelnetPort == 0 {
		cfg.TelnetPort = 4444
	}
	if cfg.TCLPort == 0 {
		cfg.TCLPort = 6666
	}
	os.MkdirAll(cfg.BaseDir, 0o755)
	return &OpenOCDProbe{
		cfg:     cfg,
		pidPath: filepath.Join(cfg.BaseDir, "openocd_probe.pid"),
		logPath: filepath.Join(cfg.BaseDir, "openocd_probe.log"),
		errPath: filepath.Join(cfg.BaseDir, "openocd_probe.err"),
	}
}

func (p *OpenOCDProbe) GDBPort() int { return p.cfg.GDBPort }
func (p *OpenOCDProbe) Name() string { return "OpenOCD" }

func scriptsDir() string {
	for _, p := range []string{"/opt/homebrew/share/openocd/scripts", "/usr/local/share/openocd/scripts"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (p *OpenOCDProbe) StartGDBServer(device string) (Status, error) {
	if pid, ok := readPID(p.pidPath); ok && pidAlive(pid) {
		return Status{Running: true, PID: pid, Port: p.cfg.GDBPort}, nil
	}

	args := []string{}
	if s := scriptsDir(); s != "" {
		args = append(args, "-s", s)
	}
	if p.cfg.InterfaceCfg != "" {
		args = append(args, "-f", p.cfg.InterfaceCfg)
	}
	if p.cfg.Transport != "" {
		args = append(args, "-c", "transport select "+p.cfg.Transport)
	}
	if p.cfg.TargetCfg != "" {
		args = append(args, "-f", p.cfg.TargetCfg)
	}
	for _, extra := range p.cfg.ExtraCommands {
		args = append(args, "-c", extra)
	}
	args = append(args,
		"-c", fmt.Sprintf("gdb_port %d", p.cfg.GDBPort),
		"-c", fmt.Sprintf("telnet_port %d", p.cfg.TelnetPort),
		"-c", fmt.Sprintf("tcl_port %d", p.cfg.TCLPort),
		"-c", "init",
		"-c", p.cfg.HaltCommand,
	)

	return startBackgroundProcess("openocd", args, p.cfg.BaseDir, p.pidPath, p.logPath, p.errPath, p.cfg.GDBPort)
}

func (p *OpenOCDProbe) StopGDBServer() {
	stopBackgroundProcess(p.pidPath)
}

// startBackgroundProcess launches cmd detached from this process
// group, records its PID, and waits briefly to check it didn't die
// immediately, reporting the tail of stderr as LastError if it did.
func startBackgroundProcess(bin string, args []string, baseDir, pidPath, logPath, errPath string, port int) (Status, error) {
	os.MkdirAll(baseDir, 0o755)

	logF, err := os.Create(logPath)
	if err != nil {
		return Status{}, err
	}
	errF, err := os.Create(errPath)
	if err != nil {
		logF.Close()
		return Status{}, err
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = baseDir
	cmd.Stdout = logF
	cmd.Stderr = errF
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}

	err = cmd.Start()
	logF.Close()
	errF.Close()
	if err != nil {
		return Status{LastError: err.Error()}, err
	}

	os.WriteFile(pidPath, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644)

	time.Sleep(500 * time.Millisecond)
	alive := pidAlive(cmd.Process.Pid)

	if !alive {
		lastError := tailFile(errPath, 20)
		os.Remove(pidPath)
		return Status{Running: false, Port: port, LastError: lastError}, nil
	}

	return Status{Running: true, PID: cmd.Process.Pid, Port: port}, nil
}

func stopBackgroundProcess(pidPath string) {
	pid, ok := readPID(pidPath)
	if !ok || !pidAlive(pid) {
		os.Remove(pidPath)
		return
	}

	unix.Kill(pid, unix.SIGTERM)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if pidAlive(pid) {
		unix.Kill(pid, unix.SIGKILL)
	}
	os.Remove(pidPath)
}

func readPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func tailFile(path string, lines int) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	all := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.TrimSpace(strings.Join(all, "\n"))
}

// XDS110Config configures an XDS110Probe.
type XDS110Config struct {
	BaseDir    string
	DSLitePath string // default "dslite"
	CCXML      string
}

// XDS110Probe talks to TI's XDS110 on-board debug probe (C2000
// LaunchPad kits) via the dslite CLI. The C28x ISA has no GDB server,
// so StartGDBServer is a connectivity check (dslite identifyProbe)
// rather than a real server launch, and GDBPort is always 0 — callers
// needing register/memory state must use MemoryRead/ResetTarget
// directly instead of routing through a GDB batch session. Grounded
// on debug_probes/xds110.py.
type XDS110Probe struct {
	cfg     XDS110Config
	pidPath string
}

func NewXDS110Probe(cfg XDS110Config) *XDS110Probe {
	if cfg.DSLitePath == "" {
		cfg.DSLitePath = "dslite"
	}
	os.MkdirAll(cfg.BaseDir, 0o755)
	return &XDS110Probe{cfg: cfg, pidPath: filepath.Join(cfg.BaseDir, "xds110_probe.pid")}
}

func (p *XDS110Probe) GDBPort() int { return 0 }
func (p *XDS110Probe) Name() string { return "XDS110" }

func (p *XDS110Probe) dsliteArgs(sub string, extra ...string) []string {
	args := []string{sub}
	if p.cfg.CCXML != "" {
		args = append(args, "--config="+p.cfg.CCXML)
	}
	return append(args, extra...)
}

// StartGDBServer verifies the XDS110 probe is connected and DSLite is
// available; it does not start a persistent server.
func (p *XDS110Probe) StartGDBServer(device string) (Status, error) {
	args := p.dsliteArgs("identifyProbe")
	out, err := exec.Command(p.cfg.DSLitePath, args...).CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return Status{LastError: "DSLite not found at: " + p.cfg.DSLitePath}, nil
		}
		return Status{LastError: strings.TrimSpace(string(out))}, nil
	}
	return Status{Running: true}, nil
}

// StopGDBServer is a no-op (cleans up a stale PID file if any) since
// there is no persistent server to stop.
func (p *XDS110Probe) StopGDBServer() {
	os.Remove(p.pidPath)
}

// MemoryRead reads size bytes from address via a DSLite memory dump
// to a temp file.
func (p *XDS110Probe) MemoryRead(address uint32, size int) ([]byte, error) {
	tmp, err := os.CreateTemp("", "eab-xds110-*.bin")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := p.dsliteArgs("memory",
		fmt.Sprintf("--range=0x%08X,%d", address, size),
		"--output="+tmpPath,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, p.cfg.DSLitePath, args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("dslite memory read failed: %s", strings.TrimSpace(string(out)))
	}
	return os.ReadFile(tmpPath)
}

// ResetTarget resets the C2000 target via "dslite load --reset".
func (p *XDS110Probe) ResetTarget() bool {
	args := p.dsliteArgs("load", "--reset")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := exec.CommandContext(ctx, p.cfg.DSLitePath, args...).Run()
	return err == nil
}

// Get constructs a Probe by type name ("jlink", "openocd", or
// "xds110").
func Get(probeType string, baseDir string, opts ...func(*JLinkConfig, *OpenOCDConfig, *XDS110Config)) (Probe, error) {
	jc := JLinkConfig{BaseDir: baseDir}
	oc := OpenOCDConfig{BaseDir: baseDir}
	xc := XDS110Config{BaseDir: baseDir}
	for _, opt := range opts {
		opt(&jc, &oc, &xc)
	}

	switch strings.ToLower(probeType) {
	case "jlink":
		return NewJLinkProbe(jc), nil
	case "openocd":
		return NewOpenOCDProbe(oc), nil
	case "xds110":
		return NewXDS110Probe(xc), nil
	default:
		return nil, fmt.Errorf("unknown probe type: %q (supported: jlink, openocd, xds110)", probeType)
	}
}
