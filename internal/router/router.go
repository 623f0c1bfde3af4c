// Package router triggers follow-on automation for tasks that reach the
// testing status. Each testing episode is triggered once; the marker lives
// in the store so a restart does not fire it again.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	otelx "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
)

const DefaultTimeout = 30 * time.Second

// releaseTimeout bounds marker removal after a failed call. It runs detached
// from the tick context so shutdown cannot strand a marker.
const releaseTimeout = 5 * time.Second

// TestResult is the body returned by the test endpoint.
type TestResult struct {
	Passed    bool   `json:"passed"`
	NewStatus string `json:"newStatus"`
}

type Config struct {
	Store      *persistence.Store
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *otelx.Metrics
	Tracer     trace.Tracer
	Now        func() time.Time
}

type Router struct {
	store   *persistence.Store
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *otelx.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func New(cfg Config) *Router {
	r := &Router{
		store:   cfg.Store,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     cfg.Now,
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = otelx.NopMetrics()
	}
	if r.tracer == nil {
		r.tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Tick triggers a test run for every testing task that has no marker yet,
// then drops markers of tasks that left testing.
func (r *Router) Tick(ctx context.Context) error {
	tasks, err := r.store.ListTasksByStatus(ctx, persistence.TaskStatusTesting)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := r.store.ClaimTestTrigger(ctx, task.ID, r.now())
		if err != nil {
			return fmt.Errorf("router: %w", err)
		}
		if !claimed {
			continue
		}

		r.logger.InfoContext(ctx, "router: triggering auto-test", "task_id", task.ID, "title", task.Title)
		res, err := r.trigger(ctx, task.ID)
		if err != nil {
			r.metrics.TestTriggers.Add(ctx, 1, metric.WithAttributes(otelx.AttrOutcome.String("error")))
			r.logger.WarnContext(ctx, "router: test request failed, will retry", "task_id", task.ID, "error", err)
			if relErr := r.release(ctx, task.ID); relErr != nil {
				return fmt.Errorf("router: %w", relErr)
			}
			continue
		}

		verdict := "FAILED"
		if res.Passed {
			verdict = "PASSED"
		}
		r.metrics.TestTriggers.Add(ctx, 1, metric.WithAttributes(otelx.AttrOutcome.String(strings.ToLower(verdict))))
		r.logger.InfoContext(ctx, "router: test "+verdict,
			"task_id", task.ID,
			"new_status", res.NewStatus,
		)
	}

	pruned, err := r.store.PruneTestTriggers(ctx)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if pruned > 0 {
		r.logger.DebugContext(ctx, "router: pruned test markers", "count", pruned)
	}
	return nil
}

// release drops the marker of a failed trigger so the next tick retries,
// even when ctx was canceled by shutdown mid-call.
func (r *Router) release(ctx context.Context, taskID string) error {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	return r.store.ReleaseTestTrigger(relCtx, taskID)
}

// trigger POSTs to the task's test endpoint. Non-2xx responses are errors.
func (r *Router) trigger(ctx context.Context, taskID string) (TestResult, error) {
	ctx, span := otelx.StartClientSpan(ctx, r.tracer, "router.trigger_test", otelx.AttrTaskID.String(taskID))
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := r.baseURL + "/api/tasks/" + taskID + "/test"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, nil)
	if err != nil {
		return TestResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TestResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("status %d", resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return TestResult{}, err
	}

	var out TestResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return TestResult{}, fmt.Errorf("decode test result: %w", err)
	}
	return out, nil
}
