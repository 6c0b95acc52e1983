package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused daemon immediately (instead of waiting for its deadline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(baseDirFlag, "pause.txt")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove pause.txt: %w", err)
			}
			fmt.Println("resumed")
			return nil
		},
	}
}
