// Package api is the daemon's HTTP surface: manual dispatch, health and
// metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/missiond/internal/audit"
	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/dispatch"
	"github.com/basket/missiond/internal/gateway"
	otelx "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/supervisor"
)

const dispatchedMessage = "Task dispatched to agent"

type Config struct {
	Store     *persistence.Store
	Engine    *dispatch.Engine
	Publisher bus.Publisher
	Gateway   gateway.Client
	// Loops reports control loop outcomes; nil omits them.
	Loops func() []supervisor.LoopStatus
	// Dropped reports broadcast events lost to a full bus buffer.
	Dropped func() int64

	ConfigFingerprint string
	Version           string
	Logger            *slog.Logger
	Tracer            trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	started time.Time
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer, started: time.Now()}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/{id}/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ctx, span := otelx.StartServerSpan(r.Context(), s.tracer, "api.dispatch", otelx.AttrTaskID.String(taskID))
	defer span.End()

	res, err := s.cfg.Engine.Dispatch(ctx, taskID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to dispatch task", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if !res.Success {
		writeJSON(w, dispatch.HTTPStatus(res.Kind), map[string]string{"error": res.Error})
		return
	}

	dispatch.PublishResult(s.cfg.Publisher, res)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"task_id":    res.TaskID,
		"agent_id":   res.AgentID,
		"session_id": res.SessionID,
		"message":    dispatchedMessage,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store.Ping(ctx) == nil
	schema := 0
	if dbOK {
		schema, _ = s.cfg.Store.SchemaVersion(ctx)
	}
	gwOK := s.cfg.Gateway != nil && s.cfg.Gateway.IsConnected()

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"schema_version":     schema,
		"gateway_connected":  gwOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"version":            s.cfg.Version,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Loops != nil {
		payload["loops"] = s.cfg.Loops()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type snapshot struct {
	tasks    map[persistence.TaskStatus]int
	agents   map[persistence.AgentStatus]int
	events   int
	dropped  int64
	alloc    uint64
	loops    []supervisor.LoopStatus
	gwOK     bool
	auditLog int64
}

func (s *Server) collect(ctx context.Context) (snapshot, error) {
	var snap snapshot
	var err error
	if snap.tasks, err = s.cfg.Store.TaskCounts(ctx); err != nil {
		return snap, err
	}
	if snap.agents, err = s.cfg.Store.AgentCounts(ctx); err != nil {
		return snap, err
	}
	if snap.events, err = s.cfg.Store.CountEvents(ctx, ""); err != nil {
		return snap, err
	}
	if s.cfg.Dropped != nil {
		snap.dropped = s.cfg.Dropped()
	}
	if s.cfg.Loops != nil {
		snap.loops = s.cfg.Loops()
	}
	snap.gwOK = s.cfg.Gateway != nil && s.cfg.Gateway.IsConnected()
	snap.auditLog = audit.Count()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	snap.alloc = mem.Alloc
	return snap, nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collect(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	tasks := make(map[string]int, len(persistence.AllTaskStatuses))
	for _, st := range persistence.AllTaskStatuses {
		tasks[string(st)] = snap.tasks[st]
	}
	agents := map[string]int{}
	for st, n := range snap.agents {
		agents[string(st)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":             tasks,
		"agents":            agents,
		"events_total":      snap.events,
		"audit_records":     snap.auditLog,
		"broadcast_dropped": snap.dropped,
		"gateway_connected": snap.gwOK,
		"alloc_bytes":       snap.alloc,
		"loops":             snap.loops,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collect(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP missiond_tasks Number of tasks by status.\n")
	fmt.Fprintf(w, "# TYPE missiond_tasks gauge\n")
	for _, st := range persistence.AllTaskStatuses {
		fmt.Fprintf(w, "missiond_tasks{status=%q} %d\n", st, snap.tasks[st])
	}
	fmt.Fprintf(w, "# HELP missiond_agents Number of agents by status.\n")
	fmt.Fprintf(w, "# TYPE missiond_agents gauge\n")
	for _, st := range []persistence.AgentStatus{persistence.AgentStatusStandby, persistence.AgentStatusWorking, persistence.AgentStatusOffline} {
		fmt.Fprintf(w, "missiond_agents{status=%q} %d\n", st, snap.agents[st])
	}
	fmt.Fprintf(w, "# HELP missiond_events_total Audit events persisted.\n")
	fmt.Fprintf(w, "# TYPE missiond_events_total counter\n")
	fmt.Fprintf(w, "missiond_events_total %d\n", snap.events)
	fmt.Fprintf(w, "# HELP missiond_broadcast_dropped_total Broadcast events dropped on a full buffer.\n")
	fmt.Fprintf(w, "# TYPE missiond_broadcast_dropped_total counter\n")
	fmt.Fprintf(w, "missiond_broadcast_dropped_total %d\n", snap.dropped)
	gw := 0
	if snap.gwOK {
		gw = 1
	}
	fmt.Fprintf(w, "# HELP missiond_gateway_connected Whether the Gateway connection is up.\n")
	fmt.Fprintf(w, "# TYPE missiond_gateway_connected gauge\n")
	fmt.Fprintf(w, "missiond_gateway_connected %d\n", gw)
	fmt.Fprintf(w, "# HELP missiond_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE missiond_alloc_bytes gauge\n")
	fmt.Fprintf(w, "missiond_alloc_bytes %d\n", snap.alloc)

	if len(snap.loops) == 0 {
		return
	}
	loops := append([]supervisor.LoopStatus(nil), snap.loops...)
	sort.Slice(loops, func(i, j int) bool { return loops[i].Name < loops[j].Name })
	fmt.Fprintf(w, "# HELP missiond_loop_runs_total Control loop ticks run.\n")
	fmt.Fprintf(w, "# TYPE missiond_loop_runs_total counter\n")
	for _, l := range loops {
		fmt.Fprintf(w, "missiond_loop_runs_total{loop=%q} %d\n", l.Name, l.Runs)
	}
	fmt.Fprintf(w, "# HELP missiond_loop_failures_total Control loop ticks that failed.\n")
	fmt.Fprintf(w, "# TYPE missiond_loop_failures_total counter\n")
	for _, l := range loops {
		fmt.Fprintf(w, "missiond_loop_failures_total{loop=%q} %d\n", l.Name, l.Failures)
	}
}
