package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/basket/missiond/internal/audit"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "mc-v1-2026-02-20-daemon-core"

	// v2 adds the persisted router trigger markers.
	schemaVersionV2  = 2
	schemaChecksumV2 = "mc-v2-2026-03-04-test-triggers"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultWorkspace = "default"
	defaultBusiness  = "default"
)

type TaskStatus string

const (
	TaskStatusPendingDispatch TaskStatus = "pending_dispatch"
	TaskStatusPlanning        TaskStatus = "planning"
	TaskStatusInbox           TaskStatus = "inbox"
	TaskStatusAssigned        TaskStatus = "assigned"
	TaskStatusInProgress      TaskStatus = "in_progress"
	TaskStatusTesting         TaskStatus = "testing"
	TaskStatusReview          TaskStatus = "review"
	TaskStatusDone            TaskStatus = "done"
)

// AllTaskStatuses lists task statuses in board order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPendingDispatch, TaskStatusPlanning, TaskStatusInbox, TaskStatusAssigned,
	TaskStatusInProgress, TaskStatusTesting, TaskStatusReview, TaskStatusDone,
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dispatch: lower ranks go first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

type AgentStatus string

const (
	AgentStatusStandby AgentStatus = "standby"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusOffline AgentStatus = "offline"
)

// Event types written to the audit trail.
const (
	EventAgentStatusChanged = "agent_status_changed"
	EventTaskDispatched     = "task_dispatched"
	EventTaskScheduled      = "task_scheduled"
)

const (
	SessionStatusActive = "active"
	JobRunStatusFired   = "fired"
)

type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	WorkspaceID     string     `json:"workspace_id"`
	BusinessID      string     `json:"business_id"`
	DueDate         string     `json:"due_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        string      `json:"role"`
	Status      AgentStatus `json:"status"`
	WorkspaceID string      `json:"workspace_id"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Session is an agent's channel inside the Gateway.
type Session struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	ExternalSessionID string    `json:"external_session_id"`
	Channel           string    `json:"channel"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type HeartbeatRecord struct {
	AgentID             string    `json:"agent_id"`
	LastSeen            time.Time `json:"last_seen"`
	SessionAlive        bool      `json:"session_alive"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type JobRun struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	FiredAt   time.Time `json:"fired_at"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missiond", "missiond.db")
}

// Open opens the database, configures pragmas and brings the schema up to
// date. A failure here is fatal for the daemon.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection with a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, either as
// a driver error or as its message after wrapping lost the type.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
		if maxVersion == schemaVersionLatest {
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration tx: %w", err)
			}
			return nil
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'standby' CHECK(status IN ('standby', 'working', 'offline')),
			workspace_id TEXT NOT NULL DEFAULT 'default',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'inbox' CHECK(status IN ('pending_dispatch', 'planning', 'inbox', 'assigned', 'in_progress', 'testing', 'review', 'done')),
			priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('low', 'normal', 'high', 'urgent')),
			assigned_agent_id TEXT REFERENCES agents(id),
			workspace_id TEXT NOT NULL DEFAULT 'default',
			business_id TEXT NOT NULL DEFAULT 'default',
			due_date TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			external_session_id TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_heartbeats (
			agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
			last_seen DATETIME NOT NULL,
			session_alive INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_job_runs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			fired_at DATETIME NOT NULL,
			task_id TEXT REFERENCES tasks(id),
			status TEXT NOT NULL DEFAULT 'fired',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			agent_id TEXT,
			task_id TEXT,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		// v2
		`CREATE TABLE IF NOT EXISTS test_triggers (
			task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
			triggered_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(assigned_agent_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_sessions_one_active ON agent_sessions(agent_id) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_job_fired ON scheduled_job_runs(job_id, fired_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// withTx runs fn in a transaction, retrying the whole unit on SQLite BUSY.
// Audit mirrors queued by fn are written only after a successful commit.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, pending *[]Event) error) error {
	var pending []Event
	err := retryOnBusy(ctx, 5, func() error {
		pending = pending[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx, &pending); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range pending {
		audit.RecordEvent(ev.ID, ev.Type, ev.AgentID, ev.TaskID, ev.Message, ev.CreatedAt)
	}
	return nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, pending *[]Event, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, agent_id, task_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, ev.ID, ev.Type, nullString(ev.AgentID), nullString(ev.TaskID), ev.Message, ev.CreatedAt); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	*pending = append(*pending, ev)
	return nil
}

// AppendEvent writes one audit event outside any other transaction.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	return s.withTx(ctx, func(tx *sql.Tx, pending *[]Event) error {
		return appendEventTx(ctx, tx, pending, ev)
	})
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, COALESCE(agent_id, ''), COALESCE(task_id, ''), message, created_at
		FROM events
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.AgentID, &ev.TaskID, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: iterate: %w", err)
	}
	return out, nil
}

// CountEvents counts events of the given type, or all events when eventType is empty.
func (s *Store) CountEvents(ctx context.Context, eventType string) (int, error) {
	var n int
	var err error
	if eventType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE type = ?;`, eventType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
