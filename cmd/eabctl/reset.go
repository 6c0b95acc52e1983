package main

import (
	"fmt"
	"path/filepath"

	"github.com/shanemmattner/embedded-agent-bridge/internal/cmdqueue"
	"github.com/spf13/cobra"
)

func resetCmd() *cobra.Command {
	var sequence string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Queue a device reset (!RESET) for the daemon to execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			line := "!RESET"
			if sequence != "" {
				line += ":" + sequence
			}
			path := filepath.Join(baseDirFlag, "cmd.txt")
			if err := cmdqueue.Append(path, line); err != nil {
				return fmt.Errorf("append cmd.txt: %w", err)
			}
			fmt.Printf("queued: %s\n", line)
			return nil
		},
	}
	cmd.Flags().StringVar(&sequence, "sequence", "", "reset sequence name, e.g. hard_reset, soft_reset, bootloader (default hard_reset)")
	return cmd
}
