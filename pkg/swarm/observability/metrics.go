package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records swarm core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTurn records a single agent turn with its duration and outcome.
	RecordTurn(ctx context.Context, agentID string, duration time.Duration, err error)

	// RecordAppend records an EventStore.Append call.
	RecordAppend(ctx context.Context, kind string, duration time.Duration, err error)

	// RecordTriggerQueueDepth records the current depth of the trigger queue.
	RecordTriggerQueueDepth(ctx context.Context, depth int64)

	// RecordReconcile records a reconcile pass.
	RecordReconcile(ctx context.Context, added, changed, orphaned int, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	turns          metric.Int64Counter
	turnLatency    metric.Float64Histogram
	turnErrors     metric.Int64Counter
	appends        metric.Int64Counter
	appendLatency  metric.Float64Histogram
	queueDepth     metric.Int64Histogram
	reconcileRuns  metric.Int64Counter
	reconcileNodes metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("remora.swarm")

	turns, err := meter.Int64Counter("swarm.turn.count",
		metric.WithDescription("Number of agent turns executed"))
	if err != nil {
		return nil, err
	}

	turnLatency, err := meter.Float64Histogram("swarm.turn.latency_ms",
		metric.WithDescription("Agent turn latency in milliseconds"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	turnErrors, err := meter.Int64Counter("swarm.turn.errors",
		metric.WithDescription("Number of turn errors"))
	if err != nil {
		return nil, err
	}

	appends, err := meter.Int64Counter("swarm.event.appends",
		metric.WithDescription("Number of events appended to the store"))
	if err != nil {
		return nil, err
	}

	appendLatency, err := meter.Float64Histogram("swarm.event.append_latency_ms",
		metric.WithDescription("Event append latency in milliseconds"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Histogram("swarm.trigger_queue.depth",
		metric.WithDescription("Depth of the in-memory trigger queue"))
	if err != nil {
		return nil, err
	}

	reconcileRuns, err := meter.Int64Counter("swarm.reconcile.runs",
		metric.WithDescription("Number of reconcile passes"))
	if err != nil {
		return nil, err
	}

	reconcileNodes, err := meter.Int64Histogram("swarm.reconcile.nodes_changed",
		metric.WithDescription("Number of agents added/changed/orphaned per reconcile pass"))
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		turns:          turns,
		turnLatency:    turnLatency,
		turnErrors:     turnErrors,
		appends:        appends,
		appendLatency:  appendLatency,
		queueDepth:     queueDepth,
		reconcileRuns:  reconcileRuns,
		reconcileNodes: reconcileNodes,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder", slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordTurn(ctx context.Context, agentID string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("agent_id", agentID)}
	m.turns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.turnLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.turnErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *otelMetrics) RecordAppend(ctx context.Context, kind string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.Bool("success", err == nil),
	}
	m.appends.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.appendLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (m *otelMetrics) RecordTriggerQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}

func (m *otelMetrics) RecordReconcile(ctx context.Context, added, changed, orphaned int, duration time.Duration) {
	m.reconcileRuns.Add(ctx, 1)
	m.reconcileNodes.Record(ctx, int64(added+changed+orphaned))
	_ = duration
}
