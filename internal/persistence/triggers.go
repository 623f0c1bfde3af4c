package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimTestTrigger records that a test run was requested for taskID. It
// reports false when a marker already exists.
func (s *Store) ClaimTestTrigger(ctx context.Context, taskID string, now time.Time) (bool, error) {
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO test_triggers (task_id, triggered_at) VALUES (?, ?);
		`, taskID, now.UTC())
		if err != nil {
			return fmt.Errorf("claim test trigger: %w", err)
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// ReleaseTestTrigger removes the marker so the next pass retries.
func (s *Store) ReleaseTestTrigger(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM test_triggers WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("release test trigger: %w", err)
		}
		return nil
	})
}

// HasTestTrigger reports whether a marker exists for taskID.
func (s *Store) HasTestTrigger(ctx context.Context, taskID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM test_triggers WHERE task_id = ?;`, taskID).Scan(&n); err != nil {
		return false, fmt.Errorf("check test trigger: %w", err)
	}
	return n > 0, nil
}

// PruneTestTriggers deletes markers for tasks that have left testing, so a
// task re-entering testing is triggered again. It returns the number removed.
func (s *Store) PruneTestTriggers(ctx context.Context) (int, error) {
	var removed int
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM test_triggers
			WHERE task_id NOT IN (SELECT id FROM tasks WHERE status = 'testing');
		`)
		if err != nil {
			return fmt.Errorf("prune test triggers: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}
