package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/persistence"
)

// Loop is the periodic dispatcher: it hands every assigned task to its
// agent unless the agent is busy, missing or offline.
type Loop struct {
	store     *persistence.Store
	engine    *Engine
	publisher bus.Publisher
	logger    *slog.Logger
}

func NewLoop(store *persistence.Store, engine *Engine, publisher bus.Publisher, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: store, engine: engine, publisher: publisher, logger: logger}
}

// TickStats summarizes one pass for logs and tests.
type TickStats struct {
	Candidates int
	Dispatched int
	Skipped    int
	Failed     int
}

// Tick runs one dispatch pass. Busy state is re-read per task so a task
// dispatched earlier in the same pass blocks the agent's next task.
func (l *Loop) Tick(ctx context.Context) error {
	stats, err := l.tick(ctx)
	if stats.Candidates > 0 {
		l.logger.DebugContext(ctx, "dispatch pass",
			"candidates", stats.Candidates,
			"dispatched", stats.Dispatched,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
	}
	return err
}

func (l *Loop) tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	tasks, err := l.store.ListDispatchableTasks(ctx)
	if err != nil {
		return stats, fmt.Errorf("dispatcher: %w", err)
	}
	stats.Candidates = len(tasks)
	if len(tasks) == 0 {
		return stats, nil
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		busy, err := l.store.HasInProgressTask(ctx, task.AssignedAgentID)
		if err != nil {
			return stats, fmt.Errorf("dispatcher: %w", err)
		}
		if busy {
			l.logger.DebugContext(ctx, "agent busy, skipping task", "agent_id", task.AssignedAgentID, "task_id", task.ID)
			stats.Skipped++
			continue
		}
		agent, err := l.store.GetAgent(ctx, task.AssignedAgentID)
		if err != nil {
			return stats, fmt.Errorf("dispatcher: %w", err)
		}
		if agent == nil || agent.Status == persistence.AgentStatusOffline {
			l.logger.DebugContext(ctx, "agent offline or missing, skipping task", "agent_id", task.AssignedAgentID, "task_id", task.ID)
			stats.Skipped++
			continue
		}

		l.logger.InfoContext(ctx, "dispatching task", "task_id", task.ID, "title", task.Title, "agent", agent.Name)
		res, err := l.engine.Dispatch(ctx, task.ID)
		if err != nil {
			return stats, fmt.Errorf("dispatcher: task %s: %w", task.ID, err)
		}
		if !res.Success {
			l.logger.ErrorContext(ctx, "dispatch failed", "task_id", task.ID, "kind", string(res.Kind), "error", res.Error)
			stats.Failed++
			continue
		}

		l.logger.InfoContext(ctx, "task dispatched", "task_id", task.ID, "agent", agent.Name, "session_id", res.SessionID)
		stats.Dispatched++
		PublishResult(l.publisher, res)
	}
	return stats, nil
}

// PublishResult broadcasts the refreshed task and agent of a successful dispatch.
func PublishResult(p bus.Publisher, res Result) {
	if p == nil || !res.Success {
		return
	}
	if res.Task != nil {
		p.Publish(bus.TopicTaskUpdated, *res.Task)
	}
	if res.Agent != nil {
		p.Publish(bus.TopicAgentUpdated, *res.Agent)
	}
}
