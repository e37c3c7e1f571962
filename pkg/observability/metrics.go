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

// MetricsRecorder records workflow engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNodeExecution records a node execution with its duration and error status.
	RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error)

	// RecordRun records a workflow run completion.
	RecordRun(ctx context.Context, workflow string, success bool, duration time.Duration)

	// RecordFanOut records the number of instances dispatched from a fan-out edge.
	RecordFanOut(ctx context.Context, fromNode string, instances int64)

	// RecordInterrupt records a run suspending on an interrupt.
	RecordInterrupt(ctx context.Context, nodeID, kind string)

	// RecordCheckpoint records a checkpoint save operation.
	RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	nodeErrors     metric.Int64Counter
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	fanOutSize     metric.Int64Histogram
	interrupts     metric.Int64Counter
	checkpointSize metric.Int64Histogram
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
	meter := otel.Meter("shipspec")

	nodeExecutions, err := meter.Int64Counter("shipspec.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeLatency, err := meter.Float64Histogram("shipspec.node.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	nodeErrors, err := meter.Int64Counter("shipspec.node.errors",
		metric.WithDescription("Number of node execution errors"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("shipspec.run.count",
		metric.WithDescription("Number of workflow runs"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("shipspec.run.latency_ms",
		metric.WithDescription("Workflow run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	fanOutSize, err := meter.Int64Histogram("shipspec.fanout.instances",
		metric.WithDescription("Instances dispatched per fan-out edge"),
	)
	if err != nil {
		return nil, err
	}

	interrupts, err := meter.Int64Counter("shipspec.run.interrupts",
		metric.WithDescription("Number of interrupt suspensions"),
	)
	if err != nil {
		return nil, err
	}

	checkpointSize, err := meter.Int64Histogram("shipspec.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		nodeExecutions: nodeExecutions,
		nodeLatency:    nodeLatency,
		nodeErrors:     nodeErrors,
		runs:           runs,
		runLatency:     runLatency,
		fanOutSize:     fanOutSize,
		interrupts:     interrupts,
		checkpointSize: checkpointSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordNodeExecution records a node execution.
func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("node_id", nodeID),
	}

	m.nodeExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.nodeLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.nodeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRun records a workflow run.
func (m *otelMetrics) RecordRun(ctx context.Context, workflow string, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflow),
		attribute.Bool("success", success),
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordFanOut records a fan-out dispatch.
func (m *otelMetrics) RecordFanOut(ctx context.Context, fromNode string, instances int64) {
	m.fanOutSize.Record(ctx, instances, metric.WithAttributes(
		attribute.String("from_node", fromNode),
	))
}

// RecordInterrupt records an interrupt suspension.
func (m *otelMetrics) RecordInterrupt(ctx context.Context, nodeID, kind string) {
	m.interrupts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("kind", kind),
	))
}

// RecordCheckpoint records a checkpoint save.
func (m *otelMetrics) RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(
		attribute.String("node_id", nodeID),
	))
}
