// Package bridge relays broadcast events from the in-process bus to the
// web application's live-update endpoint.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/missiond/internal/bus"
	otelx "github.com/basket/missiond/internal/otel"
)

const (
	DefaultTimeout = 5 * time.Second
	broadcastPath  = "/api/events/broadcast"
)

// Message is the relayed wire form.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Config struct {
	Bus        *bus.Bus
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *otelx.Metrics
	Tracer     trace.Tracer
}

// Bridge consumes broadcast.* topics and POSTs each one. Relay failures are
// logged and dropped; they never reach the publisher.
type Bridge struct {
	bus     *bus.Bus
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *otelx.Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Bridge {
	b := &Bridge{
		bus:     cfg.Bus,
		url:     strings.TrimRight(cfg.BaseURL, "/") + broadcastPath,
		client:  cfg.HTTPClient,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
	if b.client == nil {
		b.client = http.DefaultClient
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.metrics == nil {
		b.metrics = otelx.NopMetrics()
	}
	if b.tracer == nil {
		b.tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return b
}

// Broadcast publishes an event of the given wire type. It never blocks.
func (b *Bridge) Broadcast(eventType string, payload any) {
	b.bus.Publish(bus.BroadcastPrefix+eventType, payload)
}

// Start subscribes to the bus and begins relaying. Calling Start twice is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.sub = b.bus.Subscribe(bus.BroadcastPrefix)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, b.sub, b.done)
	b.logger.Info("event bridge started", "url", b.url)
}

// Stop ends the relay goroutine and waits for an in-flight request.
func (b *Bridge) Stop() {
	b.mu.Lock()
	sub, cancel, done := b.sub, b.cancel, b.done
	b.sub, b.cancel, b.done = nil, nil, nil
	b.mu.Unlock()
	if sub == nil {
		return
	}
	cancel()
	<-done
	b.bus.Unsubscribe(sub)
	b.logger.Info("event bridge stopped")
}

func (b *Bridge) run(ctx context.Context, sub *bus.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			eventType, ok := bus.BroadcastType(ev.Topic)
			if !ok {
				continue
			}
			if err := b.relay(ctx, Message{Type: eventType, Payload: ev.Payload}); err != nil {
				b.metrics.BroadcastFailures.Add(ctx, 1, metric.WithAttributes(otelx.AttrEventType.String(eventType)))
				b.logger.WarnContext(ctx, "broadcast failed", "type", eventType, "error", err)
			}
		}
	}
}

func (b *Bridge) relay(ctx context.Context, msg Message) error {
	ctx, span := otelx.StartClientSpan(ctx, b.tracer, "bridge.relay", otelx.AttrEventType.String(msg.Type))
	defer span.End()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}
