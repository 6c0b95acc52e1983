package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shanemmattner/embedded-agent-bridge/internal/config"
	"github.com/shanemmattner/embedded-agent-bridge/internal/daemon"
	"github.com/shanemmattner/embedded-agent-bridge/internal/ports"
	"github.com/spf13/cobra"
)

func main() {
	var (
		portFlag       string
		baudFlag       int
		baseDirFlag    string
		deviceNameFlag string
		deviceTypeFlag string
		chipFlag       string
		forceFlag      bool
		settingsFlag   string
		autoFaultFlag  bool
		probeFlag      string
		probeSelFlag   string
		elfFlag        string
	)

	root := &cobra.Command{
		Use:   "eabd",
		Short: "Embedded Agent Bridge serial daemon",
		Long:  "Bridges a serial-attached embedded target to the filesystem: session logging, pattern alerts, status snapshots, reconnection, and optional crash fault-analysis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			var err error
			if settingsFlag != "" {
				cfg, err = config.Load(settingsFlag)
			} else {
				cfg, err = config.LoadForSession(baseDirFlag)
			}
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			if portFlag != "" {
				cfg.Port = portFlag
			}
			if baudFlag != 0 {
				cfg.Baud = baudFlag
			}
			if baseDirFlag != "" {
				cfg.BaseDir = baseDirFlag
			}
			if autoFaultFlag {
				cfg.AutoFault.Enabled = true
			}
			if probeFlag != "" {
				cfg.AutoFault.ProbeType = probeFlag
			}
			if probeSelFlag != "" {
				cfg.AutoFault.ProbeSelector = probeSelFlag
			}
			if elfFlag != "" {
				cfg.AutoFault.ELF = elfFlag
			}
			if chipFlag != "" {
				cfg.AutoFault.Chip = chipFlag
			}
			if cfg.BaseDir == "" {
				cfg.BaseDir = filepath.Join(os.TempDir(), "eab-session")
			}

			logger := ports.NewSlogLogger("EAB")

			d := daemon.New(daemon.Options{
				Port:       cfg.Port,
				Baud:       cfg.Baud,
				BaseDir:    cfg.BaseDir,
				DeviceName: deviceNameFlag,
				DeviceType: deviceTypeFlag,
				Chip:       chipFlag,
				Force:      forceFlag,
				AutoDetect: cfg.Port == "" || cfg.Port == "auto",
				Config:     cfg,
			}, logger)

			if !d.Start() {
				return fmt.Errorf("daemon failed to start")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- d.Run(ctx)
			}()

			select {
			case <-ctx.Done():
				d.Stop()
				return nil
			case err := <-errCh:
				d.Stop()
				return err
			}
		},
	}

	root.Flags().StringVar(&portFlag, "port", "", "serial device path, or \"auto\" to detect an ESP32")
	root.Flags().IntVar(&baudFlag, "baud", 0, "baud rate (default 115200)")
	root.Flags().StringVar(&baseDirFlag, "base-dir", "", "session directory for status.json, events.jsonl, logs")
	root.Flags().StringVar(&deviceNameFlag, "device-name", "", "device identifier for the singleton lock and registry")
	root.Flags().StringVar(&deviceTypeFlag, "device-type", "", "device type recorded in the registry")
	root.Flags().StringVar(&chipFlag, "chip", "", "chip family, e.g. esp32, stm32, cc2300 (used by fault analysis)")
	root.Flags().BoolVar(&forceFlag, "force", false, "kill any existing daemon already holding this device")
	root.Flags().StringVar(&settingsFlag, "settings", "", "path to a settings.json or eab.yaml file (default: <base-dir>/eab.yaml, then ~/.eab/settings.json)")
	root.Flags().BoolVar(&autoFaultFlag, "auto-fault", false, "enable automatic crash fault analysis via a debug probe")
	root.Flags().StringVar(&probeFlag, "probe", "", "debug probe type: jlink, openocd, xds110")
	root.Flags().StringVar(&probeSelFlag, "probe-selector", "", "probe serial number or index, for multi-probe setups")
	root.Flags().StringVar(&elfFlag, "elf", "", "path to the firmware ELF, for symbolicated fault reports")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
