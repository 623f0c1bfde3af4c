package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	LoopTicks         metric.Int64Counter
	LoopTickFailures  metric.Int64Counter
	LoopTickDuration  metric.Float64Histogram
	Dispatches        metric.Int64Counter
	AgentDemotions    metric.Int64Counter
	JobFires          metric.Int64Counter
	TestTriggers      metric.Int64Counter
	GatewayCalls      metric.Float64Histogram
	BroadcastFailures metric.Int64Counter
	BroadcastDropped  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.LoopTicks, err = meter.Int64Counter("missiond.loop.ticks",
		metric.WithDescription("Control loop ticks started"),
	); err != nil {
		return nil, err
	}
	if m.LoopTickFailures, err = meter.Int64Counter("missiond.loop.tick_failures",
		metric.WithDescription("Control loop ticks that returned an error or panicked"),
	); err != nil {
		return nil, err
	}
	if m.LoopTickDuration, err = meter.Float64Histogram("missiond.loop.tick_duration",
		metric.WithDescription("Control loop tick duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Dispatches, err = meter.Int64Counter("missiond.dispatch.attempts",
		metric.WithDescription("Dispatch attempts by outcome"),
	); err != nil {
		return nil, err
	}
	if m.AgentDemotions, err = meter.Int64Counter("missiond.heartbeat.demotions",
		metric.WithDescription("Agents demoted to standby after a stale heartbeat"),
	); err != nil {
		return nil, err
	}
	if m.JobFires, err = meter.Int64Counter("missiond.scheduler.fires",
		metric.WithDescription("Scheduled job fires"),
	); err != nil {
		return nil, err
	}
	if m.TestTriggers, err = meter.Int64Counter("missiond.router.triggers",
		metric.WithDescription("Test runs triggered by outcome"),
	); err != nil {
		return nil, err
	}
	if m.GatewayCalls, err = meter.Float64Histogram("missiond.gateway.call_duration",
		metric.WithDescription("Gateway RPC duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.BroadcastFailures, err = meter.Int64Counter("missiond.bridge.failures",
		metric.WithDescription("Event relay requests that failed"),
	); err != nil {
		return nil, err
	}
	if m.BroadcastDropped, err = meter.Int64Counter("missiond.bridge.dropped",
		metric.WithDescription("Events dropped on a full bus buffer"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(err)
	}
	return m
}
