package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, agent_id, external_session_id, channel, status, created_at, updated_at`

func scanSession(row rowScanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.AgentID, &s.ExternalSessionID, &s.Channel, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func getActiveSession(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, agentID string) (*Session, error) {
	sess, err := scanSession(q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions
		WHERE agent_id = ? AND status = 'active'
		LIMIT 1;
	`, agentID))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return &sess, nil
}

// GetActiveSession returns the agent's active session or nil, nil.
func (s *Store) GetActiveSession(ctx context.Context, agentID string) (*Session, error) {
	return getActiveSession(ctx, s.db, agentID)
}

// EnsureActiveSession returns the agent's active session, creating it
// together with an agent_status_changed event when none exists. created
// reports whether a new row was written.
func (s *Store) EnsureActiveSession(ctx context.Context, agent Agent, externalID, channel string, now time.Time) (Session, bool, error) {
	now = now.UTC()
	var out Session
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx, pending *[]Event) error {
		created = false
		existing, err := getActiveSession(ctx, tx, agent.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = *existing
			return nil
		}
		out = Session{
			ID:                uuid.NewString(),
			AgentID:           agent.ID,
			ExternalSessionID: externalID,
			Channel:           channel,
			Status:            SessionStatusActive,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_sessions (id, agent_id, external_session_id, channel, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, out.ID, out.AgentID, out.ExternalSessionID, out.Channel, out.Status, out.CreatedAt, out.UpdatedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		created = true
		return appendEventTx(ctx, tx, pending, Event{
			Type:      EventAgentStatusChanged,
			AgentID:   agent.ID,
			Message:   fmt.Sprintf("%s session created", agent.Name),
			CreatedAt: now,
		})
	})
	if err != nil {
		return Session{}, false, err
	}
	return out, created, nil
}

// CloseSession marks a session inactive so a fresh one can be created.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]Event) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE agent_sessions SET status = 'closed', updated_at = ? WHERE id = ? AND status = 'active';
		`, time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	})
}
