package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/basket/missiond/internal/config"
	"github.com/basket/missiond/internal/persistence"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agents, their heartbeat health and the task queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			store, err := persistence.Open(cfg.ResolvedDBPath())
			if err != nil {
				return err
			}
			defer store.Close()
			return renderStatus(cmd.Context(), cmd.OutOrStdout(), store, time.Now())
		},
	}
}

func renderStatus(ctx context.Context, w io.Writer, store *persistence.Store, now time.Time) error {
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return err
	}
	records, err := store.ListHeartbeats(ctx)
	if err != nil {
		return err
	}
	health := make(map[string]persistence.HeartbeatRecord, len(records))
	for _, r := range records {
		health[r.AgentID] = r
	}

	fmt.Fprintln(w, headerStyle.Render("Agents"))
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("NAME", "STATUS", "SESSION", "FAILURES", "LAST SEEN")
	for _, a := range agents {
		session, failures, lastSeen := "-", "-", "-"
		if hb, ok := health[a.ID]; ok {
			session = warnStyle.Render("down")
			if hb.SessionAlive {
				session = okStyle.Render("alive")
			}
			failures = strconv.Itoa(hb.ConsecutiveFailures)
			lastSeen = now.Sub(hb.LastSeen).Truncate(time.Second).String() + " ago"
		}
		t.Row(a.Name, statusCell(a.Status), session, failures, lastSeen)
	}
	if len(agents) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  no agents"))
	} else {
		fmt.Fprintln(w, t.Render())
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, headerStyle.Render("Tasks"))
	qt := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("STATUS", "COUNT")
	for _, st := range persistence.AllTaskStatuses {
		qt.Row(string(st), strconv.Itoa(counts[st]))
	}
	fmt.Fprintln(w, qt.Render())
	return nil
}

func statusCell(s persistence.AgentStatus) string {
	switch s {
	case persistence.AgentStatusWorking:
		return okStyle.Render(string(s))
	case persistence.AgentStatusOffline:
		return errStyle.Render(string(s))
	default:
		return string(s)
	}
}
