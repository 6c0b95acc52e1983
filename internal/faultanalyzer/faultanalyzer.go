// Package faultanalyzer orchestrates on-crash fault analysis: start a
// GDB server via a debug probe, run a batch of GDB commands to read
// the fault registers and core state, decode them, and emit a
// fault_report event. Grounded on
// _examples/original_source/eab/auto_fault_analyzer.py. The
// orchestrator half (fault_analyzer.py / gdb_bridge.py upstream) is a
// 29-line docstring-only stub with no executable body and no
// gdb_bridge.py at all, so the GDB-batch runner and analyze pipeline
// below are authored from that docstring's described architecture
// (get_fault_decoder -> probe.start_gdb_server -> run_gdb_batch ->
// decoder.parse_and_decode -> probe.stop_gdb_server) plus spec.md §4.Q.
package faultanalyzer

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shanemmattner/embedded-agent-bridge/internal/events"
	"github.com/shanemmattner/embedded-agent-bridge/internal/faultdecoder"
	"github.com/shanemmattner/embedded-agent-bridge/internal/faultprobe"
	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// Config controls whether and how auto fault analysis runs.
type Config struct {
	Enabled         bool
	Chip            string
	Device          string
	ProbeType       string
	ProbeSelector   string
	ELF             string
	RestartRTT      bool
	DebounceSeconds float64
	BaseDir         string
}

func (c Config) debounce() time.Duration {
	if c.DebounceSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DebounceSeconds * float64(time.Second))
}

// GDBBinary is the executable invoked for batch register/memory
// reads. Overridable in tests.
var GDBBinary = "arm-none-eabi-gdb"

// runGDBBatch connects to the probe's GDB server and runs commands in
// batch mode, returning combined stdout+stderr text for the decoder
// to parse.
func runGDBBatch(ctx context.Context, gdbPort int, elf string, commands []string) (string, error) {
	args := []string{"-batch", "-nx"}
	if elf != "" {
		args = append(args, elf)
	}
	args = append(args, "-ex", fmt.Sprintf("target remote localhost:%d", gdbPort))
	args = append(args, "-ex", "monitor halt")
	for _, c := range commands {
		args = append(args, "-ex", c)
	}
	args = append(args, "-ex", "info registers", "-ex", "bt")

	cmd := exec.CommandContext(ctx, GDBBinary, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// AnalyzeFault runs the start-probe/read-registers/decode/stop-probe
// pipeline and returns a fault report.
func AnalyzeFault(probe faultprobe.Probe, device, elf, chip string) (faultdecoder.Report, error) {
	decoder := faultdecoder.Get(chip)

	status, err := probe.StartGDBServer(device)
	if err != nil {
		return faultdecoder.Report{}, fmt.Errorf("start gdb server: %w", err)
	}
	if !status.Running {
		return faultdecoder.Report{}, fmt.Errorf("gdb server failed to start: %s", status.LastError)
	}
	defer probe.StopGDBServer()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	output, err := runGDBBatch(ctx, probe.GDBPort(), elf, decoder.GDBCommands())
	if err != nil {
		return faultdecoder.Report{}, fmt.Errorf("gdb batch failed: %w", err)
	}

	report := decoder.ParseAndDecode(output)
	return report, nil
}

// Analyzer manages auto-triggered fault analysis on crash detection.
// Safe for concurrent calls to OnCrashDetected; only one analysis
// runs at a time, and crash signals within the debounce window are
// silently dropped.
type Analyzer struct {
	config  Config
	emitter *events.Emitter
	logger  ports.Logger

	mu      sync.Mutex
	running bool
	once    rate.Sometimes
}

// New constructs an Analyzer.
func New(config Config, emitter *events.Emitter, logger ports.Logger) *Analyzer {
	return &Analyzer{
		config:  config,
		emitter: emitter,
		logger:  logger,
		once:    rate.Sometimes{Interval: config.debounce()},
	}
}

// Config returns the analyzer's configuration.
func (a *Analyzer) Config() Config { return a.config }

// OnCrashDetected is the entry point wired to crash-detection
// callbacks. It must return quickly: it dispatches the actual
// analysis to a goroutine and returns immediately. Debounces
// rapid-fire crash lines and drops a trigger if analysis is already
// in progress.
func (a *Analyzer) OnCrashDetected(triggerLine string) {
	if !a.config.Enabled {
		return
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		if a.logger != nil {
			a.logger.Warn("auto-fault: analysis already in progress, dropping crash signal")
		}
		return
	}
	a.mu.Unlock()

	fired := false
	a.once.Do(func() { fired = true })
	if !fired {
		if a.logger != nil {
			a.logger.Debug("auto-fault: debouncing crash signal")
		}
		return
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Info("auto-fault: scheduling fault analysis (trigger: " + truncate(triggerLine, 80) + ")")
	}

	go a.runAnalysis(triggerLine)
}

// IsRunning reports whether an analysis is currently in progress.
func (a *Analyzer) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Analyzer) runAnalysis(triggerLine string) {
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	cfg := a.config
	start := time.Now()

	if a.logger != nil {
		a.logger.Info(fmt.Sprintf("auto-fault: starting analysis — chip=%s device=%s probe=%s", cfg.Chip, cfg.Device, cfg.ProbeType))
	}

	probe, probeErr := faultprobe.Get(cfg.ProbeType, cfg.BaseDir)

	var report faultdecoder.Report
	var analysisErr error
	if probeErr != nil {
		analysisErr = probeErr
	} else {
		report, analysisErr = AnalyzeFault(probe, cfg.Device, cfg.ELF, cfg.Chip)
	}

	duration := time.Since(start).Seconds()
	// analysis_id is a fresh UUID for each analysis run, so every
	// fault_report event carries its own identifier.
	data := map[string]any{
		"analysis_id":         uuid.NewString(),
		"trigger_line":        truncate(triggerLine, 200),
		"chip":                cfg.Chip,
		"device":              cfg.Device,
		"probe_type":          cfg.ProbeType,
		"analysis_duration_s": round2(duration),
	}

	if analysisErr == nil {
		data["arch"] = report.Arch
		data["fault_registers"] = hexMap(report.FaultRegisters)
		data["core_regs"] = hexMap(report.CoreRegs)
		data["backtrace"] = report.Backtrace
		data["faults"] = report.Faults
		data["suggestions"] = report.Suggestions
		if report.StackedPC != nil {
			data["stacked_pc"] = fmt.Sprintf("0x%08X", *report.StackedPC)
		} else {
			data["stacked_pc"] = nil
		}
		data["error"] = nil
	} else {
		data["error"] = analysisErr.Error()
	}

	if a.emitter != nil {
		if _, err := a.emitter.Emit("fault_report", data, "error"); err != nil && a.logger != nil {
			a.logger.Error("auto-fault: failed to emit fault_report event: " + err.Error())
		}
	}

	if a.logger != nil {
		a.logger.Info(fmt.Sprintf("auto-fault: analysis complete (duration=%.1fs error=%v)", duration, analysisErr))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func round2(f float64) float64 {
	return float64(int(f*100)) / 100
}

func hexMap(m map[string]uint32) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("0x%08X", v)
	}
	return out
}
