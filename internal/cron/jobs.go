package cron

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/basket/missiond/internal/config"
	"github.com/basket/missiond/internal/persistence"
)

// Schedule is either Interval or Daily.
type Schedule interface {
	isSchedule()
	String() string
}

// Interval fires when Every has elapsed since the job's last ledger row.
type Interval struct {
	Every time.Duration
}

// Daily fires once per reference-timezone day at Hour:Minute.
type Daily struct {
	Hour   int
	Minute int
}

func (Interval) isSchedule() {}
func (Daily) isSchedule()    {}

func (s Interval) String() string {
	return "every " + s.Every.String()
}

func (s Daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d", s.Hour, s.Minute)
}

// Gating restricts when a schedule may fire at all.
type Gating struct {
	WeekdaysOnly    bool
	MarketHoursOnly bool
}

type TaskTemplate struct {
	Title       string
	Description string
	Priority    persistence.Priority
}

// Job is a recurring task definition.
type Job struct {
	ID        string
	Name      string
	AgentName string
	Schedule  Schedule
	Gating    Gating
	Template  TaskTemplate
	Enabled   bool
}

// MarketWindow is an inclusive range of minutes after local midnight.
type MarketWindow struct {
	Open  int
	Close int
}

// DefaultMarketWindow is 09:30 through 16:00.
var DefaultMarketWindow = MarketWindow{Open: 9*60 + 30, Close: 16 * 60}

func (w MarketWindow) Contains(local time.Time) bool {
	m := local.Hour()*60 + local.Minute()
	return m >= w.Open && m <= w.Close
}

// DefaultJobs returns the built-in recurring jobs.
func DefaultJobs() []Job {
	return []Job{
		{
			ID:        "zeus-news-scan",
			Name:      "Zeus News Scan",
			AgentName: "Zeus",
			Schedule:  Interval{Every: 15 * time.Minute},
			Gating:    Gating{WeekdaysOnly: true, MarketHoursOnly: true},
			Template: TaskTemplate{
				Title:       "Scheduled: Security & News Scan",
				Description: "Run security news scan. Check for threat alerts, market-moving news, and anomalies across monitored feeds. Report findings to mission control.",
				Priority:    persistence.PriorityNormal,
			},
			Enabled: true,
		},
		{
			ID:        "apollo-daily-pnl",
			Name:      "Apollo Daily P&L",
			AgentName: "Apollo",
			Schedule:  Daily{Hour: 16, Minute: 30},
			Gating:    Gating{WeekdaysOnly: true},
			Template: TaskTemplate{
				Title:       "Scheduled: Daily P&L Report",
				Description: "Generate end-of-day P&L report. Summarize positions, realized/unrealized gains, and notable moves. Post report to mission control.",
				Priority:    persistence.PriorityHigh,
			},
			Enabled: true,
		},
		{
			ID:        "scanner-pre-market",
			Name:      "Scanner Pre-Market",
			AgentName: "Scanner",
			Schedule:  Daily{Hour: 9, Minute: 25},
			Gating:    Gating{WeekdaysOnly: true},
			Template: TaskTemplate{
				Title:       "Scheduled: Pre-Market Scan",
				Description: "Run pre-market scanner. Identify high-volume movers, gap-ups/downs, and key levels for watchlist stocks. Deliver scan results before market open.",
				Priority:    persistence.PriorityHigh,
			},
			Enabled: true,
		},
		{
			ID:        "zen-cost-check",
			Name:      "Zen Cost Check",
			AgentName: "Zen",
			Schedule:  Interval{Every: 5 * time.Minute},
			Template: TaskTemplate{
				Title:       "Scheduled: API Cost Check",
				Description: "Check current API spend against budget limits. Update cost state and alert if approaching daily or monthly thresholds.",
				Priority:    persistence.PriorityLow,
			},
			Enabled: true,
		},
	}
}

// Settings is the scheduler configuration resolved from config.yaml.
type Settings struct {
	Location *time.Location
	Market   MarketWindow
	Jobs     []Job
	Disabled []string
}

// FromConfig resolves the timezone, market window and job set. Configured
// jobs replace the built-in set; disabled_jobs switches jobs off by id.
func FromConfig(sc config.SchedulerConfig) (Settings, error) {
	tz := sc.Timezone
	if tz == "" {
		tz = config.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Settings{}, fmt.Errorf("load scheduler timezone %q: %w", tz, err)
	}

	market := DefaultMarketWindow
	if sc.MarketOpen != "" && sc.MarketClose != "" {
		oh, om, err := config.ParseClock(sc.MarketOpen)
		if err != nil {
			return Settings{}, fmt.Errorf("market_open: %w", err)
		}
		ch, cm, err := config.ParseClock(sc.MarketClose)
		if err != nil {
			return Settings{}, fmt.Errorf("market_close: %w", err)
		}
		market = MarketWindow{Open: oh*60 + om, Close: ch*60 + cm}
	}

	jobs := DefaultJobs()
	if len(sc.Jobs) > 0 {
		jobs = make([]Job, 0, len(sc.Jobs))
		for _, jc := range sc.Jobs {
			job, err := jobFromConfig(jc)
			if err != nil {
				return Settings{}, err
			}
			jobs = append(jobs, job)
		}
	}
	return Settings{Location: loc, Market: market, Jobs: jobs, Disabled: sc.DisabledJobs}, nil
}

func jobFromConfig(jc config.JobConfig) (Job, error) {
	var sched Schedule
	switch {
	case jc.IntervalMinutes > 0 && jc.DailyAt == "":
		sched = Interval{Every: time.Duration(jc.IntervalMinutes) * time.Minute}
	case jc.DailyAt != "" && jc.IntervalMinutes <= 0:
		h, m, err := config.ParseClock(jc.DailyAt)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", jc.ID, err)
		}
		sched = Daily{Hour: h, Minute: m}
	default:
		return Job{}, fmt.Errorf("job %s: set exactly one of interval_minutes and daily_at", jc.ID)
	}
	prio := persistence.Priority(jc.Priority)
	if prio == "" {
		prio = persistence.PriorityNormal
	}
	if !prio.Valid() {
		return Job{}, fmt.Errorf("job %s: unknown priority %q", jc.ID, jc.Priority)
	}
	name := jc.Name
	if name == "" {
		name = jc.ID
	}
	return Job{
		ID:        jc.ID,
		Name:      name,
		AgentName: jc.Agent,
		Schedule:  sched,
		Gating:    Gating{WeekdaysOnly: jc.WeekdaysOnly, MarketHoursOnly: jc.MarketHoursOnly},
		Template: TaskTemplate{
			Title:       jc.Title,
			Description: jc.Description,
			Priority:    prio,
		},
		Enabled: jc.IsEnabled(),
	}, nil
}

// ApplyDisabled returns a copy of jobs with the listed ids disabled.
func ApplyDisabled(jobs []Job, disabled []string) []Job {
	off := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		off[id] = true
	}
	out := make([]Job, len(jobs))
	for i, j := range jobs {
		if off[j.ID] {
			j.Enabled = false
		}
		out[i] = j
	}
	return out
}
