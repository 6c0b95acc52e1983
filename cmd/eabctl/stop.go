package main

import (
	"fmt"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/singleton"
	"github.com/spf13/cobra"
)

func stopCmd() *cobra.Command {
	var deviceName string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon owning a device, via SIGTERM then SIGKILL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceName == "" {
				return fmt.Errorf("--device-name is required")
			}
			existing := singleton.Check(deviceName)
			if existing == nil {
				fmt.Println("no daemon recorded for " + deviceName)
				return nil
			}
			if !existing.IsAlive {
				fmt.Println("daemon already stopped")
				return nil
			}
			if !singleton.KillExisting(deviceName, timeout) {
				return fmt.Errorf("failed to stop daemon (PID %d)", existing.PID)
			}
			fmt.Printf("stopped daemon for %s (was PID %d)\n", deviceName, existing.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "device-name", "", "device name the daemon registered under")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "grace period before SIGKILL")
	return cmd
}
