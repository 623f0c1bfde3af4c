package cron

import "time"

// ShouldFire decides whether job is due at local, the current time in the
// scheduler's reference timezone. lastRun is the fired_at of the job's most
// recent ledger row, or nil if it never fired.
func ShouldFire(job Job, local time.Time, market MarketWindow, lastRun *time.Time) bool {
	if !job.Enabled {
		return false
	}
	if job.Gating.WeekdaysOnly && !isWeekday(local) {
		return false
	}
	if job.Gating.MarketHoursOnly && !market.Contains(local) {
		return false
	}

	switch s := job.Schedule.(type) {
	case Daily:
		if local.Hour() != s.Hour || local.Minute() != s.Minute {
			return false
		}
		if lastRun == nil {
			return true
		}
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
		return lastRun.Before(midnight)
	case Interval:
		if s.Every <= 0 {
			return false
		}
		if lastRun == nil {
			return true
		}
		return local.Sub(*lastRun) >= s.Every
	default:
		return false
	}
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd >= time.Monday && wd <= time.Friday
}
