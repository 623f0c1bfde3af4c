package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/dispatch"
	"github.com/basket/missiond/internal/gateway/gatewaytest"
	"github.com/basket/missiond/internal/persistence"
)

func TestLoop_DispatchesHighestPriorityAndSkipsBusyAgent(t *testing.T) {
	store := openTestStore(t)
	gw := gatewaytest.New()
	rec := &recorder{}
	ctx := context.Background()

	agent := seedAgent(t, store, "Zeus", persistence.AgentStatusStandby)
	base := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	low := seedTask(t, store, persistence.Task{Title: "low", Priority: persistence.PriorityLow, Status: persistence.TaskStatusAssigned, AssignedAgentID: agent.ID, CreatedAt: base})
	urgent := seedTask(t, store, persistence.Task{Title: "urgent", Priority: persistence.PriorityUrgent, Status: persistence.TaskStatusAssigned, AssignedAgentID: agent.ID, CreatedAt: base.Add(time.Minute)})

	loop := dispatch.NewLoop(store, newEngine(store, gw), rec, slog.Default())
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, _ := store.GetTask(ctx, urgent.ID)
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("urgent task should be in progress, got %s", got.Status)
	}
	got, _ = store.GetTask(ctx, low.ID)
	if got.Status != persistence.TaskStatusAssigned {
		t.Fatalf("low task must wait for the busy agent, got %s", got.Status)
	}
	if n := len(gw.SentChats()); n != 1 {
		t.Fatalf("expected one message, got %d", n)
	}
	topics := rec.topics()
	if len(topics) != 2 || topics[0] != bus.TopicTaskUpdated || topics[1] != bus.TopicAgentUpdated {
		t.Fatalf("unexpected broadcasts: %v", topics)
	}

	// A second pass keeps the agent single-tasked.
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n := len(gw.SentChats()); n != 1 {
		t.Fatalf("busy agent received another task: %d messages", n)
	}
}

func TestLoop_SkipsOfflineAgents(t *testing.T) {
	store := openTestStore(t)
	gw := gatewaytest.New()
	ctx := context.Background()
	offline := seedAgent(t, store, "Sleepy", persistence.AgentStatusOffline)
	task := seedTask(t, store, persistence.Task{Title: "nap", Status: persistence.TaskStatusAssigned, AssignedAgentID: offline.ID})

	loop := dispatch.NewLoop(store, newEngine(store, gw), &recorder{}, nil)
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusAssigned {
		t.Fatalf("offline agent's task must stay assigned, got %s", got.Status)
	}
	if len(gw.SentChats()) != 0 {
		t.Fatal("no message expected for offline agent")
	}
}

func TestLoop_FailureDoesNotStopPass(t *testing.T) {
	store := openTestStore(t)
	gw := gatewaytest.New()
	gw.SendErr = errors.New("gateway rejected")
	rec := &recorder{}
	ctx := context.Background()
	a := seedAgent(t, store, "A", persistence.AgentStatusStandby)
	b := seedAgent(t, store, "B", persistence.AgentStatusStandby)
	seedTask(t, store, persistence.Task{Title: "first", Status: persistence.TaskStatusAssigned, AssignedAgentID: a.ID})
	seedTask(t, store, persistence.Task{Title: "second", Status: persistence.TaskStatusAssigned, AssignedAgentID: b.ID})

	loop := dispatch.NewLoop(store, newEngine(store, gw), rec, nil)
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("tick should swallow dispatch failures: %v", err)
	}
	if len(rec.topics()) != 0 {
		t.Fatal("failed dispatches must not broadcast")
	}
	tasks, _ := store.ListDispatchableTasks(ctx)
	if len(tasks) != 2 {
		t.Fatalf("both tasks should remain dispatchable, got %d", len(tasks))
	}
}

func TestLoop_EmptyQueue(t *testing.T) {
	store := openTestStore(t)
	gw := gatewaytest.New()
	loop := dispatch.NewLoop(store, newEngine(store, gw), &recorder{}, nil)
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func TestPublishResult_IgnoresFailures(t *testing.T) {
	rec := &recorder{}
	dispatch.PublishResult(rec, dispatch.Result{Success: false, Task: &persistence.Task{}})
	dispatch.PublishResult(nil, dispatch.Result{Success: true})
	if len(rec.topics()) != 0 {
		t.Fatal("nothing should be published")
	}
}
