// eabctl is the thin operator/agent CLI against a running eabd
// session: it never talks to the daemon directly, only reads and
// writes the documented filesystem interface (pause.txt, cmd.txt,
// status.json), the way the teacher's cmd/wt/*.go dispatches one
// cobra subcommand per file against its own daemon's interfaces.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// baseDirFlag is shared by every subcommand that touches a session's
// on-disk files; it defaults to the same base directory eabd uses.
var baseDirFlag string

func main() {
	root := &cobra.Command{
		Use:   "eabctl",
		Short: "Control a running Embedded Agent Bridge serial daemon",
	}
	root.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "/var/run/eab/serial", "session directory eabd was started with")

	root.AddCommand(
		pauseCmd(),
		resumeCmd(),
		cmdCmd(),
		resetCmd(),
		stopCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
