package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	counters := map[string]metric.Int64Counter{
		"LoopTicks":         m.LoopTicks,
		"LoopTickFailures":  m.LoopTickFailures,
		"Dispatches":        m.Dispatches,
		"AgentDemotions":    m.AgentDemotions,
		"JobFires":          m.JobFires,
		"TestTriggers":      m.TestTriggers,
		"BroadcastFailures": m.BroadcastFailures,
		"BroadcastDropped":  m.BroadcastDropped,
	}
	for name, c := range counters {
		if c == nil {
			t.Errorf("%s is nil", name)
		}
	}
	if m.LoopTickDuration == nil || m.GatewayCalls == nil {
		t.Error("histograms not created")
	}

	ctx := context.Background()
	m.LoopTicks.Add(ctx, 1, metric.WithAttributes(AttrLoop.String("dispatcher")))
	m.LoopTickDuration.Record(ctx, 0.01, metric.WithAttributes(AttrLoop.String("dispatcher")))
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	if m.JobFires == nil {
		t.Fatal("expected noop instruments")
	}
	m.JobFires.Add(context.Background(), 1)
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       "none",
		MetricsEnabled: &off,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
}
