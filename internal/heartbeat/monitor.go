package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/gateway"
	otelx "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
)

const (
	DefaultStaleThreshold = 5 * time.Minute
	DefaultMaxFailures    = 10
)

type Config struct {
	Store          *persistence.Store
	Gateway        gateway.Client
	Publisher      bus.Publisher
	Logger         *slog.Logger
	Metrics        *otelx.Metrics
	StaleThreshold time.Duration
	MaxFailures    int
	Now            func() time.Time
}

// Monitor checks working agents against the Gateway's live sessions and
// demotes agents whose heartbeat has gone stale.
type Monitor struct {
	store          *persistence.Store
	gw             gateway.Client
	publisher      bus.Publisher
	logger         *slog.Logger
	metrics        *otelx.Metrics
	staleThreshold time.Duration
	maxFailures    int
	now            func() time.Time
}

func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{
		store:          cfg.Store,
		gw:             cfg.Gateway,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		staleThreshold: cfg.StaleThreshold,
		maxFailures:    cfg.MaxFailures,
		now:            cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = otelx.NopMetrics()
	}
	if m.staleThreshold <= 0 {
		m.staleThreshold = DefaultStaleThreshold
	}
	if m.maxFailures <= 0 {
		m.maxFailures = DefaultMaxFailures
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// InitializeRecords creates a heartbeat record for every non-offline agent
// that does not have one yet.
func InitializeRecords(ctx context.Context, store *persistence.Store, now time.Time, logger *slog.Logger) error {
	n, err := store.InitializeHeartbeats(ctx, now)
	if err != nil {
		return fmt.Errorf("initialize heartbeat records: %w", err)
	}
	if logger != nil && n > 0 {
		logger.InfoContext(ctx, "heartbeat records initialized", "created", n)
	}
	return nil
}

// Tick runs one heartbeat pass. An unreachable Gateway skips the pass
// entirely; it is never read as "no sessions are alive".
func (m *Monitor) Tick(ctx context.Context) error {
	if !m.gw.IsConnected() {
		m.logger.WarnContext(ctx, "gateway not connected, skipping heartbeat")
		return nil
	}

	start := time.Now()
	live, err := m.gw.ListSessions(ctx)
	m.metrics.GatewayCalls.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelx.AttrMethod.String(gateway.MethodSessionsList)))
	if err != nil {
		m.logger.WarnContext(ctx, "failed to list sessions, skipping heartbeat", "error", err)
		return nil
	}
	liveIDs := make(map[string]struct{}, len(live))
	for _, s := range live {
		liveIDs[s.ID] = struct{}{}
	}

	working, err := m.store.ListWorkingAgents(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	now := m.now()
	for _, wa := range working {
		alive := false
		if wa.Session != nil {
			_, alive = liveIDs[wa.Session.ExternalSessionID]
		}
		if alive {
			err = m.store.RecordAlive(ctx, wa.Agent.ID, now)
		} else {
			err = m.store.RecordFailure(ctx, wa.Agent.ID, now)
		}
		if err != nil {
			return fmt.Errorf("heartbeat: agent %s: %w", wa.Agent.ID, err)
		}
	}

	stale, err := m.store.ListStaleAgents(ctx, now, m.staleThreshold, m.maxFailures)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	for _, sa := range stale {
		m.logger.WarnContext(ctx, "agent stale, setting standby",
			"agent", sa.Agent.Name,
			"agent_id", sa.Agent.ID,
			"consecutive_failures", sa.Heartbeat.ConsecutiveFailures,
			"last_seen", sa.Heartbeat.LastSeen,
		)
		applied, err := m.store.DemoteStaleAgent(ctx, sa.Agent, now)
		if err != nil {
			return fmt.Errorf("heartbeat: demote %s: %w", sa.Agent.ID, err)
		}
		if !applied {
			continue
		}
		m.metrics.AgentDemotions.Add(ctx, 1)
		updated, err := m.store.GetAgent(ctx, sa.Agent.ID)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if updated != nil && m.publisher != nil {
			m.publisher.Publish(bus.TopicAgentUpdated, *updated)
		}
	}

	m.logger.DebugContext(ctx, "heartbeat pass", "working", len(working), "stale", len(stale))
	return nil
}
