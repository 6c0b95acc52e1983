package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shanemmattner/embedded-agent-bridge/internal/cmdqueue"
	"github.com/spf13/cobra"
)

func cmdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cmd <line...>",
		Short: "Send a line to the device (or a !special command to the daemon)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(args, " ")
			path := filepath.Join(baseDirFlag, "cmd.txt")
			if err := cmdqueue.Append(path, line); err != nil {
				return fmt.Errorf("append cmd.txt: %w", err)
			}
			fmt.Printf("queued: %s\n", line)
			return nil
		},
	}
}
