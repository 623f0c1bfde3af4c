package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/missiond/internal/gateway"
	otelx "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
)

// Kind classifies an expected dispatch failure.
type Kind string

const (
	KindNone               Kind = ""
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindServiceUnavailable Kind = "service_unavailable"
	KindDispatchFailed     Kind = "dispatch_failed"
	KindTransientFailure   Kind = "transient_failure"
)

// Failure messages surfaced to callers of the dispatch route.
const (
	ErrTaskNotFound      = "Task not found"
	ErrNoAssignedAgent   = "Task has no assigned agent"
	ErrAlreadyInProgress = "Task is already in progress"
	ErrAgentNotFound     = "Assigned agent not found"
	ErrGatewayConnect    = "Failed to connect to OpenClaw Gateway"
	errSendPrefix        = "Failed to send task to agent: "
)

// HTTPStatus maps a failure kind to the status code of the dispatch route.
func HTTPStatus(k Kind) int {
	switch k {
	case KindNone:
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusBadRequest
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Result is the outcome of one dispatch attempt. Expected failures are
// reported here with Success false; store failures are returned as errors.
type Result struct {
	Success   bool               `json:"success"`
	TaskID    string             `json:"task_id,omitempty"`
	AgentID   string             `json:"agent_id,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Task      *persistence.Task  `json:"-"`
	Agent     *persistence.Agent `json:"-"`
	Kind      Kind               `json:"-"`
	Error     string             `json:"error,omitempty"`
}

func failure(kind Kind, msg string) Result {
	return Result{Kind: kind, Error: msg}
}

type EngineConfig struct {
	Store           *persistence.Store
	Gateway         gateway.Client
	BaseURL         string
	ProjectsPath    string
	CoordinatorName string
	Logger          *slog.Logger
	Metrics         *otelx.Metrics
	Tracer          trace.Tracer
	Now             func() time.Time
}

// Engine hands one task to its assigned agent over the Gateway.
type Engine struct {
	store   *persistence.Store
	gw      gateway.Client
	cfg     EngineConfig
	logger  *slog.Logger
	metrics *otelx.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:   cfg.Store,
		gw:      cfg.Gateway,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     cfg.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = otelx.NopMetrics()
	}
	if e.tracer == nil {
		e.tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Dispatch validates the task, ensures the agent has a session, sends the
// hand-off message and only then records the task as in progress.
func (e *Engine) Dispatch(ctx context.Context, taskID string) (Result, error) {
	ctx, span := otelx.StartSpan(ctx, e.tracer, "dispatch.task", otelx.AttrTaskID.String(taskID))
	defer span.End()

	res, err := e.dispatch(ctx, taskID)
	outcome := "success"
	switch {
	case err != nil:
		outcome = string(KindTransientFailure)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Success:
		outcome = string(res.Kind)
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(otelx.AttrOutcome.String(outcome))
	e.metrics.Dispatches.Add(ctx, 1, metric.WithAttributes(otelx.AttrOutcome.String(outcome)))
	return res, err
}

func (e *Engine) dispatch(ctx context.Context, taskID string) (Result, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return Result{Kind: KindTransientFailure}, err
	}
	if task == nil {
		return failure(KindNotFound, ErrTaskNotFound), nil
	}
	if task.AssignedAgentID == "" {
		return failure(KindInvalidState, ErrNoAssignedAgent), nil
	}
	if task.Status == persistence.TaskStatusInProgress {
		return failure(KindInvalidState, ErrAlreadyInProgress), nil
	}
	agent, err := e.store.GetAgent(ctx, task.AssignedAgentID)
	if err != nil {
		return Result{Kind: KindTransientFailure}, err
	}
	if agent == nil {
		return failure(KindNotFound, ErrAgentNotFound), nil
	}

	if !e.gw.IsConnected() {
		if err := e.gw.Connect(ctx); err != nil {
			e.logger.WarnContext(ctx, "gateway connect failed", "task_id", task.ID, "error", err)
			return failure(KindServiceUnavailable, ErrGatewayConnect), nil
		}
	}

	now := e.now()
	session, created, err := e.store.EnsureActiveSession(ctx, *agent, SessionExternalID(agent.Name), SessionChannel, now)
	if err != nil {
		return Result{Kind: KindTransientFailure}, err
	}
	if created {
		e.logger.InfoContext(ctx, "agent session created", "agent", agent.Name, "session_id", session.ExternalSessionID)
	}

	msg := BuildMessage(MessageParams{
		Task:            *task,
		ProjectsPath:    e.cfg.ProjectsPath,
		BaseURL:         e.cfg.BaseURL,
		CoordinatorName: e.cfg.CoordinatorName,
	})
	params := gateway.ChatSendParams{
		SessionKey:     SessionKey(session.ExternalSessionID),
		Message:        msg,
		IdempotencyKey: fmt.Sprintf("dispatch-%s-%d", task.ID, now.UnixMilli()),
	}

	callCtx, callSpan := otelx.StartClientSpan(ctx, e.tracer, "gateway.chat.send",
		otelx.AttrMethod.String(gateway.MethodChatSend),
		otelx.AttrSessionID.String(session.ExternalSessionID),
	)
	start := time.Now()
	sendErr := gateway.SendChat(callCtx, e.gw, params)
	e.metrics.GatewayCalls.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("method", gateway.MethodChatSend)))
	if sendErr != nil {
		callSpan.RecordError(sendErr)
		callSpan.SetStatus(codes.Error, sendErr.Error())
	}
	callSpan.End()
	if sendErr != nil {
		return failure(KindDispatchFailed, errSendPrefix+sendErr.Error()), nil
	}

	eventMsg := fmt.Sprintf("Task \"%s\" dispatched to %s", task.Title, agent.Name)
	updatedTask, updatedAgent, applied, err := e.store.CompleteDispatch(ctx, task.ID, agent.ID, eventMsg, now)
	if err != nil {
		return Result{Kind: KindTransientFailure}, err
	}
	if !applied {
		e.logger.WarnContext(ctx, "task moved to in_progress concurrently", "task_id", task.ID)
	}

	return Result{
		Success:   true,
		TaskID:    task.ID,
		AgentID:   agent.ID,
		SessionID: session.ExternalSessionID,
		Task:      updatedTask,
		Agent:     updatedAgent,
	}, nil
}
