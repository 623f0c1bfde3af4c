package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkingAgent pairs a working agent with its active session, if any.
type WorkingAgent struct {
	Agent   Agent
	Session *Session
}

// StaleAgent is a working agent whose heartbeat crossed the stale threshold.
type StaleAgent struct {
	Agent     Agent
	Heartbeat HeartbeatRecord
}

// InitializeHeartbeats inserts a record for every non-offline agent that
// lacks one. Existing records are left untouched. It returns the number of
// records created.
func (s *Store) InitializeHeartbeats(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var created int
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO agent_heartbeats (agent_id, last_seen, session_alive, consecutive_failures, updated_at)
			SELECT a.id, ?, CASE WHEN a.status = 'working' THEN 1 ELSE 0 END, 0, ?
			FROM agents a
			WHERE a.status <> 'offline'
			  AND NOT EXISTS (SELECT 1 FROM agent_heartbeats h WHERE h.agent_id = a.id);
		`, now, now)
		if err != nil {
			return fmt.Errorf("initialize heartbeats: %w", err)
		}
		n, _ := res.RowsAffected()
		created = int(n)
		return nil
	})
	return created, err
}

// ListWorkingAgents returns every agent in working status with its active
// session joined in.
func (s *Store) ListWorkingAgents(ctx context.Context) ([]WorkingAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.role, a.status, a.workspace_id, a.created_at, a.updated_at,
			COALESCE(s.id, ''), COALESCE(s.external_session_id, ''), COALESCE(s.channel, '')
		FROM agents a
		LEFT JOIN agent_sessions s ON s.agent_id = a.id AND s.status = 'active'
		WHERE a.status = 'working'
		ORDER BY a.name ASC, a.rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list working agents: %w", err)
	}
	defer rows.Close()
	var out []WorkingAgent
	for rows.Next() {
		var wa WorkingAgent
		var status, sessID, extID, channel string
		if err := rows.Scan(&wa.Agent.ID, &wa.Agent.Name, &wa.Agent.Role, &status, &wa.Agent.WorkspaceID,
			&wa.Agent.CreatedAt, &wa.Agent.UpdatedAt, &sessID, &extID, &channel); err != nil {
			return nil, fmt.Errorf("scan working agent: %w", err)
		}
		wa.Agent.Status = AgentStatus(status)
		if sessID != "" {
			wa.Session = &Session{
				ID:                sessID,
				AgentID:           wa.Agent.ID,
				ExternalSessionID: extID,
				Channel:           channel,
				Status:            SessionStatusActive,
			}
		}
		out = append(out, wa)
	}
	return out, rows.Err()
}

// RecordAlive marks the agent's session alive and resets its failure count.
func (s *Store) RecordAlive(ctx context.Context, agentID string, now time.Time) error {
	now = now.UTC()
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_heartbeats (agent_id, last_seen, session_alive, consecutive_failures, updated_at)
			VALUES (?, ?, 1, 0, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				last_seen = excluded.last_seen,
				session_alive = 1,
				consecutive_failures = 0,
				updated_at = excluded.updated_at;
		`, agentID, now, now)
		if err != nil {
			return fmt.Errorf("record heartbeat alive: %w", err)
		}
		return nil
	})
}

// RecordFailure marks the session not alive and increments the failure
// count. last_seen keeps the time of the last successful observation.
func (s *Store) RecordFailure(ctx context.Context, agentID string, now time.Time) error {
	now = now.UTC()
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_heartbeats (agent_id, last_seen, session_alive, consecutive_failures, updated_at)
			VALUES (?, ?, 0, 1, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				session_alive = 0,
				consecutive_failures = agent_heartbeats.consecutive_failures + 1,
				updated_at = excluded.updated_at;
		`, agentID, now, now)
		if err != nil {
			return fmt.Errorf("record heartbeat failure: %w", err)
		}
		return nil
	})
}

// GetHeartbeat returns nil, nil when the agent has no record.
func (s *Store) GetHeartbeat(ctx context.Context, agentID string) (*HeartbeatRecord, error) {
	var h HeartbeatRecord
	var alive int
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, last_seen, session_alive, consecutive_failures, updated_at
		FROM agent_heartbeats WHERE agent_id = ?;
	`, agentID).Scan(&h.AgentID, &h.LastSeen, &alive, &h.ConsecutiveFailures, &h.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	h.SessionAlive = alive == 1
	return &h, nil
}

func (s *Store) ListHeartbeats(ctx context.Context) ([]HeartbeatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, last_seen, session_alive, consecutive_failures, updated_at
		FROM agent_heartbeats ORDER BY agent_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()
	var out []HeartbeatRecord
	for rows.Next() {
		var h HeartbeatRecord
		var alive int
		if err := rows.Scan(&h.AgentID, &h.LastSeen, &alive, &h.ConsecutiveFailures, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		h.SessionAlive = alive == 1
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListStaleAgents returns working agents with at least maxFailures
// consecutive failures whose last_seen is threshold or more before now.
func (s *Store) ListStaleAgents(ctx context.Context, now time.Time, threshold time.Duration, maxFailures int) ([]StaleAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.role, a.status, a.workspace_id, a.created_at, a.updated_at,
			h.last_seen, h.session_alive, h.consecutive_failures, h.updated_at
		FROM agents a
		JOIN agent_heartbeats h ON h.agent_id = a.id
		WHERE a.status = 'working' AND h.consecutive_failures >= ?
		ORDER BY a.name ASC, a.rowid ASC;
	`, maxFailures)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()
	var out []StaleAgent
	for rows.Next() {
		var sa StaleAgent
		var status string
		var alive int
		if err := rows.Scan(&sa.Agent.ID, &sa.Agent.Name, &sa.Agent.Role, &status, &sa.Agent.WorkspaceID,
			&sa.Agent.CreatedAt, &sa.Agent.UpdatedAt,
			&sa.Heartbeat.LastSeen, &alive, &sa.Heartbeat.ConsecutiveFailures, &sa.Heartbeat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		sa.Agent.Status = AgentStatus(status)
		sa.Heartbeat.AgentID = sa.Agent.ID
		sa.Heartbeat.SessionAlive = alive == 1
		if now.Sub(sa.Heartbeat.LastSeen) < threshold {
			continue
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

// DemoteStaleAgent moves a working agent to standby and records why. It
// reports false when the agent was no longer working.
func (s *Store) DemoteStaleAgent(ctx context.Context, agent Agent, now time.Time) (bool, error) {
	now = now.UTC()
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx, pending *[]Event) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = 'standby', updated_at = ? WHERE id = ? AND status = 'working';
		`, now, agent.ID)
		if err != nil {
			return fmt.Errorf("demote agent: %w", err)
		}
		n, _ := res.RowsAffected()
		applied = n == 1
		if !applied {
			return nil
		}
		return appendEventTx(ctx, tx, pending, Event{
			Type:      EventAgentStatusChanged,
			AgentID:   agent.ID,
			Message:   fmt.Sprintf("%s marked standby (heartbeat stale)", agent.Name),
			CreatedAt: now,
		})
	})
	return applied, err
}
