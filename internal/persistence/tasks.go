package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, title, description, status, priority, COALESCE(assigned_agent_id, ''),
	workspace_id, business_id, COALESCE(due_date, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status, priority string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.AssignedAgentID,
		&t.WorkspaceID, &t.BusinessID, &t.DueDate, &t.CreatedAt, &t.UpdatedAt)
	t.Status = TaskStatus(status)
	t.Priority = Priority(priority)
	return t, err
}

func normalizeTask(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusInbox
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.WorkspaceID == "" {
		t.WorkspaceID = defaultWorkspace
	}
	if t.BusinessID == "" {
		t.BusinessID = defaultBusiness
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.UpdatedAt = t.UpdatedAt.UTC()
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, assigned_agent_id,
			workspace_id, business_id, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), nullString(t.AssignedAgentID),
		t.WorkspaceID, t.BusinessID, nullString(t.DueDate), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateTask inserts a task, filling in id, defaults and timestamps.
func (s *Store) CreateTask(ctx context.Context, t Task) (Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, fmt.Errorf("create task: title is required")
	}
	normalizeTask(&t, time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		return insertTaskTx(ctx, tx, t)
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetTask returns nil, nil when the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// ListDispatchableTasks returns assigned tasks that have an agent, ordered
// by priority rank, then creation time, then insertion order.
func (s *Store) ListDispatchableTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'assigned' AND assigned_agent_id IS NOT NULL AND assigned_agent_id <> ''
		ORDER BY CASE priority
				WHEN 'urgent' THEN 0
				WHEN 'high' THEN 1
				WHEN 'normal' THEN 2
				WHEN 'low' THEN 3
				ELSE 4
			END ASC,
			created_at ASC,
			rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC;
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// HasInProgressTask reports whether the agent already holds an in_progress task.
func (s *Store) HasInProgressTask(ctx context.Context, agentID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE assigned_agent_id = ? AND status = 'in_progress';
	`, agentID).Scan(&n); err != nil {
		return false, fmt.Errorf("check in-progress task: %w", err)
	}
	return n > 0, nil
}

// SetTaskStatus moves a task from one status to another. It reports false
// when the task was not in the expected status.
func (s *Store) SetTaskStatus(ctx context.Context, id string, from, to TaskStatus) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, string(to), time.Now().UTC(), id, string(from))
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		n, _ := res.RowsAffected()
		applied = n == 1
		return nil
	})
	return applied, err
}

// AssignTask sets the assigned agent and moves the task to assigned.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_agent_id = ?, status = 'assigned', updated_at = ?
			WHERE id = ? AND status NOT IN ('in_progress', 'done');
		`, agentID, time.Now().UTC(), taskID)
		if err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("assign task %s: not found or not assignable", taskID)
		}
		return nil
	})
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[TaskStatus]int, len(AllTaskStatuses))
	for _, st := range AllTaskStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// CompleteDispatch records a successful hand-off: the task moves to
// in_progress, the agent to working and a task_dispatched event is written,
// all in one transaction. applied is false when the task was already
// in_progress, in which case nothing is written.
func (s *Store) CompleteDispatch(ctx context.Context, taskID, agentID, message string, now time.Time) (task *Task, agent *Agent, applied bool, err error) {
	now = now.UTC()
	err = s.withTx(ctx, func(tx *sql.Tx, pending *[]Event) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'in_progress', updated_at = ?
			WHERE id = ? AND status <> 'in_progress';
		`, now, taskID)
		if err != nil {
			return fmt.Errorf("mark task in progress: %w", err)
		}
		n, _ := res.RowsAffected()
		applied = n == 1
		if !applied {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = 'working', updated_at = ? WHERE id = ?;
		`, now, agentID); err != nil {
			return fmt.Errorf("mark agent working: %w", err)
		}
		return appendEventTx(ctx, tx, pending, Event{
			Type:      EventTaskDispatched,
			AgentID:   agentID,
			TaskID:    taskID,
			Message:   message,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, nil, false, err
	}
	if task, err = s.GetTask(ctx, taskID); err != nil {
		return nil, nil, applied, err
	}
	if agent, err = s.GetAgent(ctx, agentID); err != nil {
		return nil, nil, applied, err
	}
	return task, agent, applied, nil
}
