package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/missiond/internal/config"
	"github.com/basket/missiond/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database, Gateway and web app reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.Load()
			if err != nil {
				// Keep going so the report shows what is wrong.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return fmt.Errorf("encode json: %w", err)
				}
			} else {
				fmt.Fprintf(out, "missiond doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					icon := okStyle.Render("PASS")
					switch res.Status {
					case "FAIL":
						icon = errStyle.Render("FAIL")
					case "WARN":
						icon = warnStyle.Render("WARN")
					case "SKIP":
						icon = dimStyle.Render("SKIP")
					}
					fmt.Fprintf(out, "%s %-16s %s\n", icon, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "     %s\n", dimStyle.Render(res.Detail))
					}
				}
			}

			if diag.Failed() {
				return fmt.Errorf("doctor found failing checks")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
