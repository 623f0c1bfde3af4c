package heartbeat_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/gateway/gatewaytest"
	"github.com/basket/missiond/internal/heartbeat"
	"github.com/basket/missiond/internal/persistence"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "missiond.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, bus.Event{Topic: topic, Payload: payload})
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	store *persistence.Store
	gw    *gatewaytest.Fake
	rec   *recorder
	clk   *clock
	mon   *heartbeat.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: openTestStore(t),
		gw:    gatewaytest.New(),
		rec:   &recorder{},
		clk:   &clock{now: t0},
	}
	f.mon = heartbeat.NewMonitor(heartbeat.Config{
		Store:     f.store,
		Gateway:   f.gw,
		Publisher: f.rec,
		Now:       f.clk.Now,
	})
	return f
}

func (f *fixture) workingAgentWithSession(t *testing.T, name, sessionID string) persistence.Agent {
	t.Helper()
	ctx := context.Background()
	a, err := f.store.CreateAgent(ctx, persistence.Agent{Name: name, Status: persistence.AgentStatusWorking})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if sessionID != "" {
		if _, _, err := f.store.EnsureActiveSession(ctx, a, sessionID, "mission-control", t0); err != nil {
			t.Fatalf("ensure session: %v", err)
		}
	}
	return a
}

func heartbeatOf(t *testing.T, store *persistence.Store, agentID string) persistence.HeartbeatRecord {
	t.Helper()
	hb, err := store.GetHeartbeat(context.Background(), agentID)
	if err != nil || hb == nil {
		t.Fatalf("get heartbeat %s: %v %v", agentID, hb, err)
	}
	return *hb
}

func TestMonitor_AliveAndFailureAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live := f.workingAgentWithSession(t, "Live", "mission-control-live")
	dead := f.workingAgentWithSession(t, "Dead", "mission-control-dead")
	noSession := f.workingAgentWithSession(t, "Bare", "")
	f.gw.SetLive("mission-control-live")

	for i := 0; i < 3; i++ {
		f.clk.now = t0.Add(time.Duration(i) * 30 * time.Second)
		if err := f.mon.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	hb := heartbeatOf(t, f.store, live.ID)
	if !hb.SessionAlive || hb.ConsecutiveFailures != 0 || !hb.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Fatalf("live agent: %+v", hb)
	}
	for _, a := range []persistence.Agent{dead, noSession} {
		hb := heartbeatOf(t, f.store, a.ID)
		if hb.SessionAlive || hb.ConsecutiveFailures != 3 {
			t.Fatalf("%s: %+v", a.Name, hb)
		}
	}
}

func TestMonitor_RecoveryResetsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.workingAgentWithSession(t, "Flaky", "s-flaky")

	for i := 0; i < 4; i++ {
		if err := f.mon.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if got := heartbeatOf(t, f.store, a.ID).ConsecutiveFailures; got != 4 {
		t.Fatalf("failures: %d", got)
	}
	f.gw.SetLive("s-flaky")
	if err := f.mon.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := heartbeatOf(t, f.store, a.ID).ConsecutiveFailures; got != 0 {
		t.Fatalf("failures after recovery: %d", got)
	}
}

func TestMonitor_DemotionNeedsFailuresAndAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.workingAgentWithSession(t, "Zeus", "s-zeus")
	if err := f.store.RecordAlive(ctx, a.ID, t0); err != nil {
		t.Fatalf("alive: %v", err)
	}

	// Ten failures inside the first minute: not old enough.
	for i := 1; i <= 10; i++ {
		f.clk.now = t0.Add(time.Duration(i) * 5 * time.Second)
		if err := f.mon.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	got, _ := f.store.GetAgent(ctx, a.ID)
	if got.Status != persistence.AgentStatusWorking {
		t.Fatalf("agent demoted before stale threshold: %s", got.Status)
	}

	// Exactly at the threshold the agent is stale.
	f.clk.now = t0.Add(5 * time.Minute)
	if err := f.mon.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = f.store.GetAgent(ctx, a.ID)
	if got.Status != persistence.AgentStatusStandby {
		t.Fatalf("expected standby, got %s", got.Status)
	}

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.events) != 1 || f.rec.events[0].Topic != bus.TopicAgentUpdated {
		t.Fatalf("unexpected broadcasts: %+v", f.rec.events)
	}
	payload, ok := f.rec.events[0].Payload.(persistence.Agent)
	if !ok || payload.Status != persistence.AgentStatusStandby {
		t.Fatalf("unexpected payload: %+v", f.rec.events[0].Payload)
	}

	events, _ := f.store.ListEvents(ctx, 5)
	if len(events) == 0 || events[0].Message != "Zeus marked standby (heartbeat stale)" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestMonitor_OldButFewFailuresIsNotStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.workingAgentWithSession(t, "Apollo", "s-apollo")
	if err := f.store.RecordAlive(ctx, a.ID, t0); err != nil {
		t.Fatalf("alive: %v", err)
	}
	f.clk.now = t0.Add(time.Hour)
	for i := 0; i < 9; i++ {
		if err := f.mon.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	got, _ := f.store.GetAgent(ctx, a.ID)
	if got.Status != persistence.AgentStatusWorking {
		t.Fatalf("9 failures must not demote, got %s", got.Status)
	}
}

func TestMonitor_SkipsWhenGatewayUnavailable(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*gatewaytest.Fake)
	}{
		{"disconnected", func(g *gatewaytest.Fake) { g.Connected = false }},
		{"list fails", func(g *gatewaytest.Fake) { g.ListErr = errors.New("timeout") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.workingAgentWithSession(t, "Zen", "s-zen")
			tc.setup(f.gw)
			if err := f.mon.Tick(context.Background()); err != nil {
				t.Fatalf("tick: %v", err)
			}
			hb, err := f.store.GetHeartbeat(context.Background(), a.ID)
			if err != nil {
				t.Fatalf("get heartbeat: %v", err)
			}
			if hb != nil {
				t.Fatalf("skipped pass must not touch records: %+v", hb)
			}
		})
	}
}

func TestMonitor_IgnoresNonWorkingAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.store.CreateAgent(ctx, persistence.Agent{Name: "Idle", Status: persistence.AgentStatusStandby})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.mon.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if hb, _ := f.store.GetHeartbeat(ctx, a.ID); hb != nil {
		t.Fatalf("standby agent should not be checked: %+v", hb)
	}
}

func TestInitializeRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a, _ := store.CreateAgent(ctx, persistence.Agent{Name: "W", Status: persistence.AgentStatusWorking})
	if err := heartbeat.InitializeRecords(ctx, store, t0, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	hb := heartbeatOf(t, store, a.ID)
	if !hb.SessionAlive || hb.ConsecutiveFailures != 0 || !hb.LastSeen.Equal(t0) {
		t.Fatalf("unexpected record: %+v", hb)
	}
}
