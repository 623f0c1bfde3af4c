package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const agentColumns = `id, name, role, status, workspace_id, created_at, updated_at`

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var status string
	err := row.Scan(&a.ID, &a.Name, &a.Role, &status, &a.WorkspaceID, &a.CreatedAt, &a.UpdatedAt)
	a.Status = AgentStatus(status)
	return a, err
}

// CreateAgent registers an agent. Agents are normally provisioned by the
// dashboard; the daemon only creates them for tests and seeding.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return Agent{}, fmt.Errorf("create agent: name is required")
	}
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AgentStatusStandby
	}
	if a.WorkspaceID == "" {
		a.WorkspaceID = defaultWorkspace
	}
	a.CreatedAt, a.UpdatedAt = now, now
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, role, status, workspace_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.Name, a.Role, string(a.Status), a.WorkspaceID, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	return a, nil
}

// GetAgent returns nil, nil when the agent does not exist.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

// FindActiveAgentByName returns the first non-offline agent with the given
// name, or nil, nil if none exists.
func (s *Store) FindActiveAgentByName(ctx context.Context, name string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE name = ? AND status <> 'offline'
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1;
	`, name))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find agent %q: %w", name, err)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name ASC, rowid ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentStatus moves an agent between statuses. An empty from skips the
// status guard. It reports whether a row changed.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, from, to AgentStatus) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		var res sql.Result
		var err error
		now := time.Now().UTC()
		if from == "" {
			res, err = tx.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?;`, string(to), now, id)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status = ?;`, string(to), now, id, string(from))
		}
		if err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
		n, _ := res.RowsAffected()
		applied = n == 1
		return nil
	})
	return applied, err
}

// AgentCounts returns the number of agents per status.
func (s *Store) AgentCounts(ctx context.Context) (map[AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agents GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()
	counts := map[AgentStatus]int{
		AgentStatusStandby: 0,
		AgentStatusWorking: 0,
		AgentStatusOffline: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		counts[AgentStatus(status)] = n
	}
	return counts, rows.Err()
}
