package engine

import (
	"log/slog"

	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/observability"
)

// runConfig holds configuration for graph execution.
type runConfig struct {
	maxIterations int

	// Checkpointing
	checkpointStore        checkpoint.Store
	threadID               string
	sequence               int
	checkpointFailureFatal bool

	// Observability
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool

	// Events
	emitter Emitter

	// resume carries a pending resume response into the first node.
	// Set only by Resume.
	resume *resumeSlot
}

// defaultRunConfig returns the default execution configuration.
func defaultRunConfig() runConfig {
	return runConfig{
		maxIterations: 1000,
		logger:        slog.Default(),
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
	}
}

// RunOption configures execution behavior.
type RunOption func(*runConfig)

// WithMaxIterations sets the maximum number of node executions.
// Default: 1000
//
// This prevents infinite feedback loops from hanging forever. If a run
// exceeds this limit, Run returns a *MaxIterationsError.
func WithMaxIterations(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithCheckpointing enables checkpoint persistence for the run.
// A checkpoint is saved after every node execution, keyed by threadID,
// so the run can be resumed after a crash or an interrupt suspension.
//
// Interrupt points require checkpointing: a node that suspends in a run
// without a store fails with ErrInterruptRequiresCheckpointing.
func WithCheckpointing(store checkpoint.Store, threadID string) RunOption {
	return func(c *runConfig) {
		c.checkpointStore = store
		c.threadID = threadID
	}
}

// WithCheckpointFailureFatal makes ordinary checkpoint save failures
// abort the run instead of being logged and skipped. Interrupt
// checkpoints are always fatal on failure since the suspension would be
// unresumable.
func WithCheckpointFailureFatal() RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = true
	}
}

// WithRunLogger sets the logger for the run.
// Default: slog.Default()
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for the run.
// Default: observability.NoopMetrics{}
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry span creation for the run and each
// node execution.
func WithTracing(spans observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if spans != nil {
			c.spans = spans
			c.tracingEnabled = true
		}
	}
}

// WithEmitter sets the event emitter receiving status, progress, and
// token events during the run.
func WithEmitter(e Emitter) RunOption {
	return func(c *runConfig) {
		c.emitter = e
	}
}
