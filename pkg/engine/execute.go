package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/observability"
	"github.com/jsegov/shipspec/pkg/state"
	"go.opentelemetry.io/otel/trace"
)

// Run executes the graph from the entry point with the given initial
// state. A nil initial state starts from the schema's initial values.
//
// On success, returns the state after the last node executed before END.
// On error, returns the state at the point of failure (useful for
// debugging). When a node suspends on an interrupt point, Run returns
// the state at suspension and a *Interrupted error; the run is
// checkpointed and can be continued with Resume.
//
// Execution flow:
//  1. Start at the entry point node
//  2. Check for cancellation
//  3. Execute the current node, merge its update into state
//  4. Determine the next node (dispatch, conditional, or simple edge)
//  5. Checkpoint if a store is configured
//  6. Repeat until END is reached or an error occurs
func (cg *CompiledGraph) Run(ctx context.Context, initial state.State, opts ...RunOption) (result state.State, runErr error) {
	if ctx == nil {
		return initial, ErrNilContext
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.checkpointStore != nil && cfg.threadID == "" {
		return initial, ErrThreadIDRequired
	}

	if initial == nil {
		initial = cg.schema.Initial()
	}

	startTime := time.Now()

	observability.LogRunStart(cfg.logger, cg.name, cfg.threadID)

	execCtx := ctx
	var runSpan trace.Span
	if cfg.tracingEnabled {
		execCtx, runSpan = cfg.spans.StartRunSpan(ctx, cg.name, cfg.threadID)
		defer func() {
			cfg.spans.EndSpanWithError(runSpan, runErr)
		}()
	}

	var nodeCount int
	result, nodeCount, runErr = cg.runFrom(execCtx, initial, cg.entryPoint, &cfg)

	duration := time.Since(startTime)
	durationMs := float64(duration.Milliseconds())

	cfg.metrics.RecordRun(ctx, cg.name, runErr == nil, duration)

	var intr *Interrupted
	switch {
	case runErr == nil:
		observability.LogRunComplete(cfg.logger, cfg.threadID, durationMs, nodeCount)
	case errors.As(runErr, &intr):
		observability.LogRunSuspended(cfg.logger, cfg.threadID, intr.NodeID, intr.Kind)
	default:
		observability.LogRunError(cfg.logger, cfg.threadID, runErr, durationMs, lastNodeOf(runErr))
	}

	return result, runErr
}

// lastNodeOf extracts the failing node ID from known error types.
func lastNodeOf(err error) string {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.NodeID
	}
	var maxErr *MaxIterationsError
	if errors.As(err, &maxErr) {
		return maxErr.LastNodeID
	}
	var cancelErr *CancellationError
	if errors.As(err, &cancelErr) {
		return cancelErr.NodeID
	}
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.FromNode
	}
	return ""
}

// runFrom executes the graph starting from a specific node.
// Returns the final state, node count, and any error.
func (cg *CompiledGraph) runFrom(ctx context.Context, st state.State, startNode string, cfg *runConfig) (state.State, int, error) {
	base := &Context{
		Context:  ctx,
		logger:   cfg.logger,
		emitter:  cfg.emitter,
		threadID: cfg.threadID,
		resume:   cfg.resume,
	}

	current := startNode
	iterations := 0
	nodeCount := 0

	for current != END {
		iterations++
		if iterations > cfg.maxIterations {
			return st, nodeCount, &MaxIterationsError{
				Max:        cfg.maxIterations,
				LastNodeID: current,
			}
		}

		// Check for cancellation before executing node
		select {
		case <-ctx.Done():
			return st, nodeCount, &CancellationError{
				NodeID: current,
				Cause:  ctx.Err(),
			}
		default:
		}

		observability.LogNodeStart(cfg.logger, current)

		nodeCtx := base.withNode(current)

		nodeTracingCtx := ctx
		var nodeSpan trace.Span
		if cfg.tracingEnabled {
			nodeTracingCtx, nodeSpan = cfg.spans.StartNodeSpan(ctx, current)
			nodeCtx.Context = nodeTracingCtx
		}

		nodeStart := time.Now()

		update, nodeErr := cg.executeNode(nodeCtx, current, st)

		nodeDuration := time.Since(nodeStart)
		nodeDurationMs := float64(nodeDuration.Milliseconds())

		cfg.metrics.RecordNodeExecution(nodeTracingCtx, current, nodeDuration, nodeErr)

		if cfg.tracingEnabled {
			cfg.spans.EndSpanWithError(nodeSpan, nodeErr)
		}

		if nodeErr != nil {
			var susp *suspension
			if errors.As(nodeErr, &susp) {
				// The node suspended: persist the continuation and hand
				// control back to the caller. State at suspension is the
				// state BEFORE the node ran, so the node re-executes from
				// its start on resume.
				return st, nodeCount, cg.suspend(ctx, cfg, current, st, susp)
			}
			observability.LogNodeError(cfg.logger, current, nodeErr)
			return st, nodeCount, nodeErr
		}
		observability.LogNodeComplete(cfg.logger, current, nodeDurationMs)
		nodeCount++

		// A consumed resume response never carries past the node that
		// consumed it.
		base.resume = nil
		cfg.resume = nil

		merged, err := cg.schema.Apply(st, update)
		if err != nil {
			return st, nodeCount, &NodeError{NodeID: current, Op: "merge update", Err: err}
		}
		st = merged

		// Determine next node. Dispatch edges may run fan-out instances
		// and merge further updates into state.
		next, fanned, err := cg.routeAfter(ctx, base, st, current, cfg)
		if err != nil {
			return st, nodeCount, err
		}
		st = fanned

		// Checkpoint after successful node execution (and fan-out merge)
		if cfg.checkpointStore != nil {
			if err := cg.saveCheckpoint(ctx, cfg, current, st, next, nil); err != nil {
				return st, nodeCount, err
			}
		}

		current = next
	}

	return st, nodeCount, nil
}

// suspend persists an interrupt checkpoint and converts the internal
// suspension into the public *Interrupted error. The checkpoint records
// the state before the suspended node ran and names the node itself as
// NextNode, so Resume re-enters it.
func (cg *CompiledGraph) suspend(ctx context.Context, cfg *runConfig, nodeID string, st state.State, susp *suspension) error {
	if cfg.checkpointStore == nil {
		return fmt.Errorf("node %s: %w", nodeID, ErrInterruptRequiresCheckpointing)
	}

	pending := &checkpoint.PendingInterrupt{
		NodeID:  nodeID,
		Kind:    susp.kind,
		Expects: susp.expects,
		Payload: susp.payload,
		Replay:  susp.replay,
	}

	// Interrupt checkpoints are always fatal on failure: without the
	// persisted continuation the run could never resume.
	fatal := cfg.checkpointFailureFatal
	cfg.checkpointFailureFatal = true
	err := cg.saveCheckpoint(ctx, cfg, nodeID, st, nodeID, pending)
	cfg.checkpointFailureFatal = fatal
	if err != nil {
		return err
	}

	cfg.metrics.RecordInterrupt(ctx, nodeID, susp.kind)

	return &Interrupted{
		ThreadID: cfg.threadID,
		NodeID:   nodeID,
		Kind:     susp.kind,
		Expects:  susp.expects,
		Payload:  susp.payload,
	}
}

// saveCheckpoint persists the current state after node execution.
func (cg *CompiledGraph) saveCheckpoint(ctx context.Context, cfg *runConfig, nodeID string, st state.State, nextNode string, pending *checkpoint.PendingInterrupt) error {
	stateBytes, err := state.Snapshot(st)
	if err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{NodeID: nodeID, Op: "serialize", Err: err}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, "serialize", err)
		return nil
	}

	cfg.sequence++
	cp := checkpoint.New(cfg.threadID, nodeID, cfg.sequence, stateBytes, nextNode)
	if pending != nil {
		cp = cp.WithInterrupt(pending)
	}

	data, err := cp.Marshal()
	if err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{NodeID: nodeID, Op: "marshal", Err: err}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, "marshal", err)
		return nil
	}

	if err := cfg.checkpointStore.Save(cfg.threadID, nodeID, data); err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{NodeID: nodeID, Op: "save", Err: err}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, "save", err)
		return nil
	}

	sizeBytes := len(data)
	observability.LogCheckpoint(cfg.logger, nodeID, sizeBytes)
	cfg.metrics.RecordCheckpoint(ctx, nodeID, int64(sizeBytes))

	return nil
}

// executeNode executes a single node with panic recovery.
// Returns the node's partial update and any error (including wrapped panics).
func (cg *CompiledGraph) executeNode(nodeCtx *Context, nodeID string, st state.State) (update state.Update, err error) {
	fn, exists := cg.getNode(nodeID)
	if !exists {
		// Shouldn't happen if compilation was successful
		return nil, &NodeError{
			NodeID: nodeID,
			Op:     "lookup",
			Err:    fmt.Errorf("node not found: %s", nodeID),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			update = nil
			err = &PanicError{
				NodeID: nodeID,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	update, err = fn(nodeCtx, st)
	if err != nil {
		var susp *suspension
		if errors.As(err, &susp) {
			// Control flow, not failure; the executor intercepts it.
			return nil, err
		}
		return nil, &NodeError{
			NodeID: nodeID,
			Op:     "execute",
			Err:    err,
		}
	}

	return update, nil
}

// routeAfter determines the next node after current has executed.
// Dispatch edges take precedence, then conditional edges, then simple
// edges. For dispatch edges the fan-out runs here and the merged state
// is returned alongside the join node.
func (cg *CompiledGraph) routeAfter(ctx context.Context, base *Context, st state.State, current string, cfg *runConfig) (string, state.State, error) {
	if de, exists := cg.getDispatch(current); exists {
		dispatches := de.fn(base.withNode(current), st)
		if len(dispatches) == 0 {
			return de.fallback, st, nil
		}

		merged, err := cg.executeDispatch(ctx, base, st, current, dispatches, cfg)
		if err != nil {
			return "", st, err
		}
		return de.join, merged, nil
	}

	if router, exists := cg.getRouter(current); exists {
		next := router(base.withNode(current), st)

		if next == "" {
			return "", st, &RouterError{
				FromNode: current,
				Returned: next,
				Err:      ErrInvalidRouterResult,
			}
		}

		if next != END {
			if _, exists := cg.getNode(next); !exists {
				return "", st, &RouterError{
					FromNode: current,
					Returned: next,
					Err:      ErrRouterTargetNotFound,
				}
			}
		}

		return next, st, nil
	}

	edges := cg.getEdges(current)
	if len(edges) == 0 {
		// No outgoing edges; shouldn't happen if compilation was successful
		return "", st, &NodeError{
			NodeID: current,
			Op:     "routing",
			Err:    fmt.Errorf("no outgoing edge from node %s", current),
		}
	}

	// Simple edges take the first target.
	return edges[0], st, nil
}
