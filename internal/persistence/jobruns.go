package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LatestJobRun returns the most recent ledger row for jobID, or nil, nil
// when the job has never fired.
func (s *Store) LatestJobRun(ctx context.Context, jobID string) (*JobRun, error) {
	var r JobRun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, fired_at, COALESCE(task_id, ''), status, created_at
		FROM scheduled_job_runs
		WHERE job_id = ?
		ORDER BY fired_at DESC, rowid DESC
		LIMIT 1;
	`, jobID).Scan(&r.ID, &r.JobID, &r.FiredAt, &r.TaskID, &r.Status, &r.CreatedAt)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest job run %s: %w", jobID, err)
	}
	return &r, nil
}

// CountJobRuns returns how many times jobID has fired.
func (s *Store) CountJobRuns(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM scheduled_job_runs WHERE job_id = ?;`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count job runs: %w", err)
	}
	return n, nil
}

// FireScheduledJob creates the job's task and appends its ledger row in
// one transaction, so a crash can never leave a task without a run record
// or a run record without a task.
func (s *Store) FireScheduledJob(ctx context.Context, jobID, jobName string, t Task, firedAt time.Time) (Task, JobRun, error) {
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, JobRun{}, fmt.Errorf("fire job %s: task title is required", jobID)
	}
	firedAt = firedAt.UTC()
	if t.Status == "" {
		t.Status = TaskStatusAssigned
	}
	t.CreatedAt, t.UpdatedAt = firedAt, firedAt
	normalizeTask(&t, firedAt)

	run := JobRun{
		ID:        uuid.NewString(),
		JobID:     jobID,
		FiredAt:   firedAt,
		TaskID:    t.ID,
		Status:    JobRunStatusFired,
		CreatedAt: firedAt,
	}
	err := s.withTx(ctx, func(tx *sql.Tx, pending *[]Event) error {
		if err := insertTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_job_runs (id, job_id, fired_at, task_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, run.ID, run.JobID, run.FiredAt, run.TaskID, run.Status, run.CreatedAt); err != nil {
			return fmt.Errorf("insert job run: %w", err)
		}
		return appendEventTx(ctx, tx, pending, Event{
			Type:      EventTaskScheduled,
			AgentID:   t.AssignedAgentID,
			TaskID:    t.ID,
			Message:   fmt.Sprintf("%s fired: %s", jobName, t.Title),
			CreatedAt: firedAt,
		})
	})
	if err != nil {
		return Task{}, JobRun{}, err
	}
	return t, run, nil
}
