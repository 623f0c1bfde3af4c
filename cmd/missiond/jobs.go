package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/basket/missiond/internal/config"
	"github.com/basket/missiond/internal/cron"
	"github.com/basket/missiond/internal/persistence"
)

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs with their last fire and whether they are due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			settings, err := cron.FromConfig(cfg.Scheduler)
			if err != nil {
				return err
			}
			store, err := persistence.Open(cfg.ResolvedDBPath())
			if err != nil {
				return err
			}
			defer store.Close()
			return renderJobs(cmd.Context(), cmd.OutOrStdout(), store, settings, time.Now())
		},
	}
}

func renderJobs(ctx context.Context, w io.Writer, store *persistence.Store, settings cron.Settings, now time.Time) error {
	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Settings: settings,
		Now:      func() time.Time { return now },
	})
	statuses, err := sched.Evaluate(ctx)
	if err != nil {
		return err
	}

	loc := sched.Location()
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Jobs (%s, now %s)", loc, now.In(loc).Format("Mon 15:04"))))
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "AGENT", "SCHEDULE", "GATING", "ENABLED", "LAST FIRED", "DUE")
	for _, st := range statuses {
		last := "never"
		if st.LastRun != nil {
			last = st.LastRun.FiredAt.In(loc).Format("2006-01-02 15:04")
		}
		enabled := okStyle.Render("yes")
		if !st.Job.Enabled {
			enabled = dimStyle.Render("no")
		}
		due := "-"
		if st.Due {
			due = warnStyle.Render("due")
		}
		t.Row(st.Job.ID, st.Job.AgentName, st.Job.Schedule.String(), gatingLabel(st.Job.Gating), enabled, last, due)
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

func gatingLabel(g cron.Gating) string {
	switch {
	case g.WeekdaysOnly && g.MarketHoursOnly:
		return "weekdays, market hours"
	case g.WeekdaysOnly:
		return "weekdays"
	case g.MarketHoursOnly:
		return "market hours"
	default:
		return "always"
	}
}
