package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func pauseCmd() *cobra.Command {
	var seconds float64

	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the daemon and release the serial port for a flash tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seconds <= 0 {
				return fmt.Errorf("--seconds must be positive")
			}
			deadline := float64(time.Now().UnixNano())/1e9 + seconds
			path := filepath.Join(baseDirFlag, "pause.txt")
			if err := os.WriteFile(path, []byte(strconv.FormatFloat(deadline, 'f', 6, 64)), 0o644); err != nil {
				return fmt.Errorf("write pause.txt: %w", err)
			}
			fmt.Printf("paused for %.0fs (wrote %s)\n", seconds, path)
			return nil
		},
	}
	cmd.Flags().Float64Var(&seconds, "seconds", 30, "how long to hold the pause before the daemon self-resumes")
	return cmd
}
