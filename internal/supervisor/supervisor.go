// Package supervisor owns the daemon lifecycle: boot, the periodic control
// loops and an ordered shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/missiond/internal/gateway"
	"github.com/basket/missiond/internal/heartbeat"
	otelx "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/shared"
)

// Loop names, used in logs, spans and metrics.
const (
	LoopHeartbeat  = "heartbeat"
	LoopDispatcher = "dispatcher"
	LoopScheduler  = "scheduler"
	LoopRouter     = "router"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDispatchInterval  = 10 * time.Second
	DefaultSchedulerInterval = 10 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	connectTimeout           = 10 * time.Second
)

// Ticker is one pass of a control loop.
type Ticker interface {
	Tick(ctx context.Context) error
}

// TickFunc adapts a function to Ticker.
type TickFunc func(ctx context.Context) error

func (f TickFunc) Tick(ctx context.Context) error { return f(ctx) }

// Relay is the event bridge as seen by the supervisor.
type Relay interface {
	Start(ctx context.Context)
	Stop()
}

type Intervals struct {
	Heartbeat time.Duration
	Dispatch  time.Duration
	Scheduler time.Duration
}

type Config struct {
	Store      *persistence.Store
	Gateway    gateway.Client
	Bridge     Relay
	Heartbeat  Ticker
	Dispatcher Ticker
	Scheduler  Ticker
	Router     Ticker

	Intervals    Intervals
	DrainTimeout time.Duration

	Logger  *slog.Logger
	Metrics *otelx.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// LoopStatus is the last observed outcome of a loop.
type LoopStatus struct {
	Name      string    `json:"name"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *otelx.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	runner   *cron.Cron
	runCtx   context.Context
	started  bool
	stopped  bool
	statuses map[string]*LoopStatus
}

func New(cfg Config) *Supervisor {
	if cfg.Intervals.Heartbeat <= 0 {
		cfg.Intervals.Heartbeat = DefaultHeartbeatInterval
	}
	if cfg.Intervals.Dispatch <= 0 {
		cfg.Intervals.Dispatch = DefaultDispatchInterval
	}
	if cfg.Intervals.Scheduler <= 0 {
		cfg.Intervals.Scheduler = DefaultSchedulerInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	s := &Supervisor{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
		statuses: make(map[string]*LoopStatus),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = otelx.NopMetrics()
	}
	if s.tracer == nil {
		s.tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start boots the daemon: connect the Gateway (failure is not fatal),
// seed heartbeat records, start the relay, arm the timers and run one
// immediate dispatch pass.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.runCtx = ctx
	s.mu.Unlock()

	if s.cfg.Gateway != nil {
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := s.cfg.Gateway.Connect(connCtx)
		cancel()
		if err != nil {
			s.logger.Warn("gateway unavailable at boot; loops will skip until it returns", "error", err)
		} else {
			s.logger.Info("gateway connected")
		}
	}

	if s.cfg.Store != nil {
		if err := heartbeat.InitializeRecords(ctx, s.cfg.Store, s.now(), s.logger); err != nil {
			return err
		}
	}

	if s.cfg.Bridge != nil {
		s.cfg.Bridge.Start(ctx)
	}

	logger := cronLogger{l: s.logger}
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	s.schedule(runner, s.cfg.Intervals.Heartbeat, func(ctx context.Context) {
		s.safeRun(ctx, LoopHeartbeat, s.cfg.Heartbeat)
	})
	s.schedule(runner, s.cfg.Intervals.Dispatch, func(ctx context.Context) {
		s.safeRun(ctx, LoopDispatcher, s.cfg.Dispatcher)
	})
	s.schedule(runner, s.cfg.Intervals.Scheduler, func(ctx context.Context) {
		s.safeRun(ctx, LoopScheduler, s.cfg.Scheduler)
		s.safeRun(ctx, LoopRouter, s.cfg.Router)
	})

	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()
	runner.Start()

	s.logger.Info("daemon running",
		"heartbeat", s.cfg.Intervals.Heartbeat.String(),
		"dispatch", s.cfg.Intervals.Dispatch.String(),
		"scheduler", s.cfg.Intervals.Scheduler.String(),
	)

	s.safeRun(ctx, LoopDispatcher, s.cfg.Dispatcher)
	return nil
}

func (s *Supervisor) schedule(runner *cron.Cron, every time.Duration, fn func(ctx context.Context)) {
	runner.Schedule(cron.Every(every), cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}))
}

// Run starts the supervisor, blocks until ctx is done and shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("shutdown signal received")
	return s.Shutdown()
}

// Shutdown stops the timers, disconnects the Gateway, waits a bounded time
// for running ticks, stops the relay and closes the store. Safe to call twice.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	runner := s.runner
	s.mu.Unlock()

	s.logger.Info("shutting down daemon")

	var drained <-chan struct{}
	if runner != nil {
		drained = runner.Stop().Done()
	}
	if s.cfg.Gateway != nil {
		if err := s.cfg.Gateway.Disconnect(); err != nil {
			s.logger.Warn("gateway disconnect failed", "error", err)
		}
	}
	if drained != nil {
		select {
		case <-drained:
		case <-time.After(s.cfg.DrainTimeout):
			s.logger.Warn("loops still running after drain timeout", "timeout", s.cfg.DrainTimeout.String())
		}
	}
	if s.cfg.Bridge != nil {
		s.cfg.Bridge.Stop()
	}

	var err error
	if s.cfg.Store != nil {
		if cerr := s.cfg.Store.Close(); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}
	s.logger.Info("daemon stopped")
	return err
}

// safeRun executes one tick. Errors and panics are logged and counted;
// they never escape to the timer.
func (s *Supervisor) safeRun(ctx context.Context, name string, t Ticker) {
	if t == nil {
		return
	}
	ctx = shared.WithLoop(shared.WithTraceID(ctx, shared.NewTraceID()), name)
	ctx, span := otelx.StartSpan(ctx, s.tracer, "loop."+name, otelx.AttrLoop.String(name))
	defer span.End()

	attrs := metric.WithAttributes(otelx.AttrLoop.String(name))
	s.metrics.LoopTicks.Add(ctx, 1, attrs)
	start := time.Now()

	var tickErr error
	defer func() {
		if r := recover(); r != nil {
			tickErr = fmt.Errorf("panic: %v", r)
			s.logger.ErrorContext(ctx, name+" panic", "panic", r, "stack", string(debug.Stack()))
		}
		s.metrics.LoopTickDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if tickErr != nil {
			s.metrics.LoopTickFailures.Add(ctx, 1, attrs)
			span.RecordError(tickErr)
			span.SetStatus(codes.Error, tickErr.Error())
		}
		s.record(name, tickErr)
	}()

	if err := t.Tick(ctx); err != nil {
		tickErr = err
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			s.logger.DebugContext(ctx, name+" tick interrupted", "error", err)
			return
		}
		s.logger.ErrorContext(ctx, name+" error", "error", err)
	}
}

func (s *Supervisor) record(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[name]
	if !ok {
		st = &LoopStatus{Name: name}
		s.statuses[name] = st
	}
	st.Runs++
	st.LastRun = s.now().UTC()
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
}

// Loops returns a snapshot of loop outcomes sorted by name.
func (s *Supervisor) Loops() []LoopStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoopStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes the timer runner's logs through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
