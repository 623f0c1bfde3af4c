package main

import (
	"github.com/spf13/cobra"

	otelx "github.com/basket/missiond/internal/otel"
)

// Version is the daemon release.
var Version = otelx.Version

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "missiond",
		Short:         "Mission Control orchestration daemon",
		Long:          "missiond dispatches queued tasks to agent sessions on the Gateway,\nmonitors agent heartbeats, fires scheduled jobs and triggers test runs.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("missiond {{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newJobsCmd(),
		newDoctorCmd(),
	)
	return cmd
}
