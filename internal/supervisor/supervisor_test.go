package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/missiond/internal/gateway/gatewaytest"
	"github.com/basket/missiond/internal/persistence"
)

type countingTicker struct {
	n     atomic.Int64
	err   error
	panic bool
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (c *countingTicker) Tick(ctx context.Context) error {
	c.n.Add(1)
	if c.order != nil {
		c.mu.Lock()
		*c.order = append(*c.order, c.name)
		c.mu.Unlock()
	}
	if c.panic {
		panic("boom")
	}
	return c.err
}

type fakeRelay struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (f *fakeRelay) Start(context.Context) { f.started.Add(1) }
func (f *fakeRelay) Stop()                 { f.stopped.Add(1) }

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "missiond.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSafeRun_RecoversPanicsAndRecordsFailures(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	s.safeRun(ctx, "exploding", &countingTicker{panic: true})
	s.safeRun(ctx, "failing", &countingTicker{err: errors.New("db locked")})
	s.safeRun(ctx, "fine", &countingTicker{})
	s.safeRun(ctx, "nil", nil)

	loops := s.Loops()
	if len(loops) != 3 {
		t.Fatalf("expected 3 loop statuses, got %+v", loops)
	}
	byName := map[string]LoopStatus{}
	for _, l := range loops {
		byName[l.Name] = l
	}
	if st := byName["exploding"]; st.Failures != 1 || st.LastError != "panic: boom" {
		t.Fatalf("panic not recorded: %+v", st)
	}
	if st := byName["failing"]; st.Failures != 1 || st.LastError != "db locked" {
		t.Fatalf("error not recorded: %+v", st)
	}
	if st := byName["fine"]; st.Runs != 1 || st.Failures != 0 || st.LastError != "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestSafeRun_ClearsLastErrorOnSuccess(t *testing.T) {
	s := New(Config{})
	tk := &countingTicker{err: errors.New("transient")}
	s.safeRun(context.Background(), LoopRouter, tk)
	tk.err = nil
	s.safeRun(context.Background(), LoopRouter, tk)

	st := s.Loops()[0]
	if st.Runs != 2 || st.Failures != 1 || st.LastError != "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestStart_BootSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	working, err := store.CreateAgent(ctx, persistence.Agent{Name: "Zeus", Status: persistence.AgentStatusWorking})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	gw := gatewaytest.New()
	gw.Connected = false
	relay := &fakeRelay{}
	dispatcher := &countingTicker{}
	s := New(Config{
		Store:      store,
		Gateway:    gw,
		Bridge:     relay,
		Dispatcher: dispatcher,
		Heartbeat:  &countingTicker{},
		Scheduler:  &countingTicker{},
		Router:     &countingTicker{},
		Intervals:  Intervals{Heartbeat: time.Hour, Dispatch: time.Hour, Scheduler: time.Hour},
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Shutdown() }()

	if gw.ConnectHits != 1 || !gw.IsConnected() {
		t.Fatalf("gateway connect not attempted: hits=%d", gw.ConnectHits)
	}
	if relay.started.Load() != 1 {
		t.Fatal("relay not started")
	}
	if dispatcher.n.Load() != 1 {
		t.Fatalf("expected one immediate dispatch pass, got %d", dispatcher.n.Load())
	}
	hb, err := store.GetHeartbeat(ctx, working.ID)
	if err != nil || hb == nil || !hb.SessionAlive {
		t.Fatalf("heartbeat record not initialized: %+v %v", hb, err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestStart_GatewayFailureIsNotFatal(t *testing.T) {
	gw := gatewaytest.New()
	gw.Connected = false
	gw.ConnectErr = errors.New("connection refused")
	s := New(Config{
		Store:      openTestStore(t),
		Gateway:    gw,
		Dispatcher: &countingTicker{},
		Intervals:  Intervals{Heartbeat: time.Hour, Dispatch: time.Hour, Scheduler: time.Hour},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start should survive gateway failure: %v", err)
	}
	_ = s.Shutdown()
}

func TestShutdown_Order(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "missiond.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	gw := gatewaytest.New()
	relay := &fakeRelay{}
	s := New(Config{
		Store:     store,
		Gateway:   gw,
		Bridge:    relay,
		Intervals: Intervals{Heartbeat: time.Hour, Dispatch: time.Hour, Scheduler: time.Hour},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if gw.IsConnected() {
		t.Fatal("gateway still connected")
	}
	if relay.stopped.Load() != 1 {
		t.Fatal("relay not stopped")
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("store should be closed")
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if relay.stopped.Load() != 1 {
		t.Fatal("relay stopped twice")
	}
}

func TestTimers_SchedulerThenRouter(t *testing.T) {
	var mu sync.Mutex
	var order []string
	sched := &countingTicker{name: LoopScheduler, order: &order, mu: &mu}
	rt := &countingTicker{name: LoopRouter, order: &order, mu: &mu}
	hb := &countingTicker{}

	s := New(Config{
		Heartbeat:  hb,
		Dispatcher: &countingTicker{},
		Scheduler:  sched,
		Router:     rt,
		Intervals:  Intervals{Heartbeat: time.Second, Dispatch: time.Hour, Scheduler: time.Second},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Shutdown() }()

	deadline := time.Now().Add(5 * time.Second)
	for rt.n.Load() == 0 || hb.n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timers did not fire: scheduler=%d router=%d heartbeat=%d", sched.n.Load(), rt.n.Load(), hb.n.Load())
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != LoopScheduler || order[1] != LoopRouter {
		t.Fatalf("scheduler must run before router in the same timer: %v", order)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	relay := &fakeRelay{}
	s := New(Config{
		Bridge:    relay,
		Intervals: Intervals{Heartbeat: time.Hour, Dispatch: time.Hour, Scheduler: time.Hour},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if relay.stopped.Load() != 1 {
		t.Fatal("relay not stopped")
	}
}
