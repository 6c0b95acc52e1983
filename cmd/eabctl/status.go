package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's status.json snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(baseDirFlag, "status.json")
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read status.json: %w", err)
			}

			if raw {
				fmt.Println(string(data))
				return nil
			}

			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse status.json: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()

			section := func(name string) map[string]any {
				m, _ := doc[name].(map[string]any)
				return m
			}

			conn := section("connection")
			health := section("health")
			counters := section("counters")
			session := section("session")

			fmt.Fprintf(w, "session\t%v\n", session["id"])
			fmt.Fprintf(w, "port\t%v (baud %v)\n", conn["port"], conn["baud"])
			fmt.Fprintf(w, "connection\t%v\n", conn["status"])
			fmt.Fprintf(w, "health\t%v\n", health["status"])
			fmt.Fprintf(w, "lines logged\t%v\n", counters["lines_logged"])
			fmt.Fprintf(w, "bytes received\t%v\n", counters["bytes_received"])
			fmt.Fprintf(w, "commands sent\t%v\n", counters["commands_sent"])
			fmt.Fprintf(w, "alerts triggered\t%v\n", counters["alerts_triggered"])
			fmt.Fprintf(w, "idle seconds\t%v\n", health["idle_seconds"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw JSON document instead of a summary")
	return cmd
}
