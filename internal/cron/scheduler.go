// Package cron fires recurring job definitions by creating assigned tasks
// for the target agent, using the job-run ledger to prevent duplicates.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/missiond/internal/bus"
	otelx "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store     *persistence.Store
	Publisher bus.Publisher
	Logger    *slog.Logger
	Metrics   *otelx.Metrics
	Settings  Settings
	Now       func() time.Time
}

// Scheduler evaluates every job on each tick and fires the due ones.
type Scheduler struct {
	store     *persistence.Store
	publisher bus.Publisher
	logger    *slog.Logger
	metrics   *otelx.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	loc      *time.Location
	market   MarketWindow
	base     []Job
	disabled []string
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelx.NopMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	loc := cfg.Settings.Location
	if loc == nil {
		loc = time.UTC
	}
	market := cfg.Settings.Market
	if market == (MarketWindow{}) {
		market = DefaultMarketWindow
	}
	jobs := cfg.Settings.Jobs
	if jobs == nil {
		jobs = DefaultJobs()
	}
	return &Scheduler{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    logger,
		metrics:   metrics,
		now:       now,
		loc:       loc,
		market:    market,
		base:      jobs,
		disabled:  cfg.Settings.Disabled,
	}
}

// Jobs returns the effective job set with disabled ids applied.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ApplyDisabled(s.base, s.disabled)
}

// SetDisabled replaces the list of job ids switched off at runtime.
func (s *Scheduler) SetDisabled(ids []string) {
	s.mu.Lock()
	s.disabled = append([]string(nil), ids...)
	s.mu.Unlock()
	s.logger.Info("scheduler jobs updated", "disabled", ids)
}

// Location returns the scheduler's reference timezone.
func (s *Scheduler) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

// JobStatus is a job with its last fire and the decision for the given time.
type JobStatus struct {
	Job     Job
	LastRun *persistence.JobRun
	Due     bool
}

// Evaluate reports each job's last run and whether it would fire now.
// It does not write anything.
func (s *Scheduler) Evaluate(ctx context.Context) ([]JobStatus, error) {
	local := s.now().In(s.Location())
	s.mu.RLock()
	market := s.market
	s.mu.RUnlock()

	jobs := s.Jobs()
	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		last, err := s.store.LatestJobRun(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		out = append(out, JobStatus{Job: job, LastRun: last, Due: ShouldFire(job, local, market, firedAt(last))})
	}
	return out, nil
}

func firedAt(run *persistence.JobRun) *time.Time {
	if run == nil {
		return nil
	}
	t := run.FiredAt
	return &t
}

// Tick evaluates every job once. A missing agent skips the job with a
// warning; store errors abort the pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	local := now.In(s.Location())
	s.mu.RLock()
	market := s.market
	s.mu.RUnlock()

	for _, job := range s.Jobs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		last, err := s.store.LatestJobRun(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if !ShouldFire(job, local, market, firedAt(last)) {
			continue
		}
		if err := s.fire(ctx, job, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, job Job, now time.Time) error {
	agent, err := s.store.FindActiveAgentByName(ctx, job.AgentName)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if agent == nil {
		s.logger.WarnContext(ctx, "scheduler: agent not found or offline, skipping job",
			"agent", job.AgentName,
			"job_id", job.ID,
			"job_name", job.Name,
		)
		return nil
	}

	task, run, err := s.store.FireScheduledJob(ctx, job.ID, job.Name, persistence.Task{
		Title:           job.Template.Title,
		Description:     job.Template.Description,
		Priority:        job.Template.Priority,
		Status:          persistence.TaskStatusAssigned,
		AssignedAgentID: agent.ID,
	}, now)
	if err != nil {
		return fmt.Errorf("scheduler: fire %s: %w", job.ID, err)
	}
	s.metrics.JobFires.Add(ctx, 1, metric.WithAttributes(otelx.AttrJobID.String(job.ID)))
	s.logger.InfoContext(ctx, "scheduler: job fired",
		"job_id", job.ID,
		"job_name", job.Name,
		"task_id", task.ID,
		"run_id", run.ID,
		"agent", agent.Name,
	)
	if s.publisher != nil {
		s.publisher.Publish(bus.TopicTaskCreated, task)
	}
	return nil
}
