package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jsegov/shipspec/pkg/observability"
	"github.com/jsegov/shipspec/pkg/state"
)

// instanceResult holds the outcome of one fan-out instance.
type instanceResult struct {
	index  int
	update state.Update
	err    error
}

// isCancellation reports whether an instance error was caused by the
// fan-out context being cancelled rather than by the node itself.
func isCancellation(err error) bool {
	var cancelErr *CancellationError
	return errors.As(err, &cancelErr) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// executeDispatch runs the fan-out instances concurrently and merges
// their updates into state in dispatch order.
//
// Every instance receives the same state snapshot; instances never see
// each other's writes. The merge is deterministic regardless of
// completion order because updates are applied in dispatch order, and
// instances may only write commutative channels, so the outcome is
// independent of how the scheduler interleaved them.
//
// The first instance error cancels the remaining instances and is
// returned wrapped in a *DispatchError.
func (cg *CompiledGraph) executeDispatch(ctx context.Context, base *Context, st state.State, fromNode string, dispatches []Dispatch, cfg *runConfig) (state.State, error) {
	startTime := time.Now()

	observability.LogFanOut(cfg.logger, fromNode, len(dispatches))
	cfg.metrics.RecordFanOut(ctx, fromNode, int64(len(dispatches)))

	// Validate targets before launching anything.
	for _, d := range dispatches {
		if _, exists := cg.getNode(d.To); !exists {
			return st, &DispatchError{
				FromNode: fromNode,
				To:       d.To,
				Err:      ErrNodeNotFound,
			}
		}
	}

	// First failure cancels the siblings.
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan instanceResult, len(dispatches))
	var wg sync.WaitGroup

	for i, d := range dispatches {
		wg.Add(1)
		go func(index int, d Dispatch) {
			defer wg.Done()

			// No pre-cancellation check: every instance enters its node
			// so it can observe fanCtx.Done() itself.
			instanceCtx := base.withDispatch(fanCtx, d.To, d.Input, index)

			nodeStart := time.Now()
			update, err := cg.executeNode(instanceCtx, d.To, st)
			cfg.metrics.RecordNodeExecution(fanCtx, d.To, time.Since(nodeStart), err)

			if err != nil {
				cancel()
			}
			results <- instanceResult{index: index, update: update, err: err}
		}(i, d)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect updates indexed by dispatch order.
	updates := make([]state.Update, len(dispatches))
	var firstErr *DispatchError

	for res := range results {
		if res.err != nil {
			// Cancellations triggered by an earlier failure are noise;
			// keep the instance that actually failed.
			if firstErr == nil || (!isCancellation(res.err) && isCancellation(firstErr.Err)) {
				firstErr = &DispatchError{
					FromNode: fromNode,
					Instance: res.index,
					To:       dispatches[res.index].To,
					Err:      res.err,
				}
			}
			continue
		}
		updates[res.index] = res.update
	}

	if firstErr != nil {
		return st, firstErr
	}

	// Merge in dispatch order, rejecting writes to order-dependent
	// channels.
	merged := st
	for i, update := range updates {
		for name := range update {
			if !cg.schema.Commutative(name) {
				return st, &DispatchError{
					FromNode: fromNode,
					Instance: i,
					To:       dispatches[i].To,
					Err:      &NodeError{
						NodeID: dispatches[i].To,
						Op:     "merge channel " + name,
						Err:    ErrNonCommutativeFanOut,
					},
				}
			}
		}

		next, err := cg.schema.Apply(merged, update)
		if err != nil {
			return st, &DispatchError{
				FromNode: fromNode,
				Instance: i,
				To:       dispatches[i].To,
				Err:      err,
			}
		}
		merged = next
	}

	cfg.logger.Debug("fan-out completed",
		"from_node", fromNode,
		"instances", len(dispatches),
		"duration_ms", time.Since(startTime).Milliseconds())

	return merged, nil
}
