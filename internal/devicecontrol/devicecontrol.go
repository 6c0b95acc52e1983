// Package devicecontrol owns device reset sequences (DTR/RTS toggling)
// and delegates flashing, chip-info, and erase operations to an
// external flashing tool, releasing the serial port around each.
// Grounded on _examples/original_source/eab/device_control.py.
package devicecontrol

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
)

// Step is one stage of a reset sequence: optionally set DTR and/or
// RTS, then wait delay before the next step. A nil pointer means
// "leave this line alone" (the original's dtr=None semantics).
type Step struct {
	DTR   *bool
	RTS   *bool
	Delay time.Duration
}

func boolPtr(b bool) *bool { return &b }

// Sequences holds the standard reset sequences, keyed by name.
var Sequences = map[string][]Step{
	"hard_reset": {
		{DTR: boolPtr(false), RTS: boolPtr(true), Delay: 100 * time.Millisecond},
		{DTR: boolPtr(false), RTS: boolPtr(false)},
	},
	"bootloader": {
		{DTR: boolPtr(false), RTS: boolPtr(true), Delay: 100 * time.Millisecond},
		{DTR: boolPtr(true), RTS: boolPtr(false), Delay: 50 * time.Millisecond},
		{DTR: boolPtr(false), RTS: boolPtr(false)},
	},
	"soft_reset": {
		{DTR: nil, RTS: boolPtr(true), Delay: 100 * time.Millisecond},
		{DTR: nil, RTS: boolPtr(false)},
	},
}

// Controller dispatches the daemon's "!"-prefixed special commands.
type Controller struct {
	serial   ports.Serial
	portName string
	baud     int
	logger   ports.Logger
	flashTool string

	onFlashStart func()
	onFlashEnd   func(success bool)
}

// Option configures a Controller.
type Option func(*Controller)

// WithFlashTool overrides the external flashing executable (default
// "esptool").
func WithFlashTool(name string) Option {
	return func(c *Controller) { c.flashTool = name }
}

// WithFlashCallbacks sets hooks fired around a flash or erase
// operation so the caller can release (and later reacquire) the port
// lock while the external tool owns the device.
func WithFlashCallbacks(onStart func(), onEnd func(success bool)) Option {
	return func(c *Controller) {
		c.onFlashStart = onStart
		c.onFlashEnd = onEnd
	}
}

// New constructs a Controller for portName/baud.
func New(serial ports.Serial, portName string, baud int, logger ports.Logger, opts ...Option) *Controller {
	c := &Controller{serial: serial, portName: portName, baud: baud, logger: logger, flashTool: "esptool"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) log(msg string) {
	if c.logger != nil {
		c.logger.Info("[DeviceControl] " + msg)
	}
}

func (c *Controller) logError(msg string) {
	if c.logger != nil {
		c.logger.Error("[DeviceControl] " + msg)
	}
}

// IsSpecialCommand reports whether cmd is a device-control directive
// ("!"-prefixed) rather than data to forward to the device.
func (c *Controller) IsSpecialCommand(cmd string) bool {
	return strings.HasPrefix(cmd, "!")
}

// HandleCommand dispatches a special command, returning its result
// message. Returns ("", false) if cmd isn't a special command at all.
func (c *Controller) HandleCommand(cmd string) (string, bool) {
	if !strings.HasPrefix(cmd, "!") {
		return "", false
	}

	rest := cmd[1:]
	action := rest
	var arg string
	hasArg := false
	if idx := strings.Index(rest, ":"); idx >= 0 {
		action = rest[:idx]
		arg = rest[idx+1:]
		hasArg = true
	}
	action = strings.ToUpper(action)

	switch action {
	case "RESET":
		seq := "hard_reset"
		if hasArg && arg != "" {
			seq = arg
		}
		return c.Reset(seq), true
	case "BOOTLOADER":
		return c.EnterBootloader(), true
	case "FLASH":
		if !hasArg || arg == "" {
			return "ERROR: !FLASH requires firmware path", true
		}
		return c.Flash(arg, "0x0"), true
	case "CHIP_INFO":
		return c.ChipInfo(), true
	case "ERASE":
		return c.EraseFlash(), true
	default:
		return fmt.Sprintf("ERROR: Unknown command: %s", action), true
	}
}

// Reset runs the named reset sequence, toggling DTR/RTS with delays.
func (c *Controller) Reset(sequenceName string) string {
	sequence, ok := Sequences[sequenceName]
	if !ok {
		return fmt.Sprintf("ERROR: Unknown reset sequence: %s", sequenceName)
	}

	c.log(fmt.Sprintf("Resetting device (%s)...", sequenceName))
	for _, step := range sequence {
		if step.DTR != nil {
			if err := c.serial.SetDTR(*step.DTR); err != nil {
				c.logError("Reset failed: " + err.Error())
				return "ERROR: Reset failed: " + err.Error()
			}
		}
		if step.RTS != nil {
			if err := c.serial.SetRTS(*step.RTS); err != nil {
				c.logError("Reset failed: " + err.Error())
				return "ERROR: Reset failed: " + err.Error()
			}
		}
		if step.Delay > 0 {
			time.Sleep(step.Delay)
		}
	}

	c.log("Device reset complete")
	return "OK: Device reset"
}

// EnterBootloader resets into the bootloader entry sequence.
func (c *Controller) EnterBootloader() string {
	return c.Reset("bootloader")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Flash releases the port, invokes the external flash tool against
// firmwarePath at address, then reopens the port if it had been open.
func (c *Controller) Flash(firmwarePath, address string) string {
	c.log(fmt.Sprintf("Flashing %s to %s...", firmwarePath, address))
	if c.onFlashStart != nil {
		c.onFlashStart()
	}

	wasOpen := c.serial.IsOpen()
	if wasOpen {
		c.serial.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.flashTool, "--port", c.portName, "--baud", "460800", "write-flash", address, firmwarePath)
	c.log("Running: " + strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()

	if wasOpen {
		time.Sleep(500 * time.Millisecond)
		c.serial.Open(c.portName, c.baud, 0)
	}

	if err == nil {
		c.log("Flash complete!")
		if c.onFlashEnd != nil {
			c.onFlashEnd(true)
		}
		return "OK: Flash complete"
	}

	if ctx.Err() == context.DeadlineExceeded {
		c.logError("Flash timeout")
		if c.onFlashEnd != nil {
			c.onFlashEnd(false)
		}
		return "ERROR: Flash timeout"
	}
	if errExec, ok := err.(*exec.Error); ok && errExec.Err == exec.ErrNotFound {
		c.logError(c.flashTool + " not found")
		if c.onFlashEnd != nil {
			c.onFlashEnd(false)
		}
		return fmt.Sprintf("ERROR: %s not found. Install it first.", c.flashTool)
	}

	c.logError("Flash failed: " + string(out))
	if c.onFlashEnd != nil {
		c.onFlashEnd(false)
	}
	return "ERROR: Flash failed: " + truncate(string(out), 200)
}

// ChipInfo releases the port, queries chip identity via the flash
// tool, then reopens the port if it had been open.
func (c *Controller) ChipInfo() string {
	c.log("Getting chip info...")

	wasOpen := c.serial.IsOpen()
	if wasOpen {
		c.serial.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, c.flashTool, "--port", c.portName, "chip-id").CombinedOutput()

	if wasOpen {
		time.Sleep(500 * time.Millisecond)
		c.serial.Open(c.portName, c.baud, 0)
	}

	if err != nil {
		return "ERROR: " + truncate(string(out), 200)
	}
	return "OK: " + string(out)
}

// EraseFlash releases the port, erases the entire flash, then
// reopens the port if it had been open.
func (c *Controller) EraseFlash() string {
	c.log("Erasing flash...")
	if c.onFlashStart != nil {
		c.onFlashStart()
	}

	wasOpen := c.serial.IsOpen()
	if wasOpen {
		c.serial.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, c.flashTool, "--port", c.portName, "erase-flash").CombinedOutput()

	if wasOpen {
		time.Sleep(500 * time.Millisecond)
		c.serial.Open(c.portName, c.baud, 0)
	}
	if c.onFlashEnd != nil {
		c.onFlashEnd(err == nil)
	}

	if err != nil {
		return "ERROR: " + truncate(string(out), 200)
	}
	return "OK: Flash erased"
}
