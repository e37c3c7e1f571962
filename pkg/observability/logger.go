// Package observability provides structured logging, metrics, and tracing
// for workflow runs: slog for logs, OpenTelemetry for metrics and spans.
// Metrics and tracing are opt-in with no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds workflow context to a logger.
// Returns a new logger with thread_id and node_id fields.
func EnrichLogger(logger *slog.Logger, threadID, nodeID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("node_id", nodeID),
	)
}

// LogRunStart logs the start of a workflow run.
func LogRunStart(logger *slog.Logger, workflow, threadID string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run starting",
		slog.String("workflow", workflow),
		slog.String("thread_id", threadID),
	)
}

// LogRunComplete logs successful workflow run completion.
func LogRunComplete(logger *slog.Logger, threadID string, durationMs float64, nodeCount int) {
	if logger == nil {
		return
	}
	logger.Info("workflow run completed",
		slog.String("thread_id", threadID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("nodes_executed", nodeCount),
	)
}

// LogRunSuspended logs a run suspending on an interrupt.
func LogRunSuspended(logger *slog.Logger, threadID, nodeID, kind string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run suspended",
		slog.String("thread_id", threadID),
		slog.String("node_id", nodeID),
		slog.String("interrupt_kind", kind),
	)
}

// LogRunError logs workflow run failure.
func LogRunError(logger *slog.Logger, threadID string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("workflow run failed",
		slog.String("thread_id", threadID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs node execution error.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogFanOut logs dispatch of concurrent node instances.
func LogFanOut(logger *slog.Logger, fromNode string, instances int) {
	if logger == nil {
		return
	}
	logger.Debug("fan-out dispatched",
		slog.String("from_node", fromNode),
		slog.Int("instances", instances),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, nodeID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("node_id", nodeID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure.
func LogCheckpointError(logger *slog.Logger, nodeID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("node_id", nodeID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time
// in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
