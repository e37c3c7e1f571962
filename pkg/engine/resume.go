package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/state"
)

// Resume continues a run suspended on an interrupt point.
//
// It loads the thread's latest checkpoint, validates that the response
// shape matches what the pending interrupt declared, and re-enters the
// suspended node with the response available through Context.Interrupt.
//
// A response of the wrong shape fails with *InvalidResumeResponseError
// WITHOUT touching the persisted checkpoint, so the caller can retry
// with a corrected response and the suspension survives intact.
//
// Valid shapes:
//   - checkpoint.ResponseText expects a string
//   - checkpoint.ResponseStructured expects a map[string]any
func (cg *CompiledGraph) Resume(ctx context.Context, store checkpoint.Store, threadID string, response any, opts ...RunOption) (state.State, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	cp, err := loadThread(store, threadID)
	if err != nil {
		return nil, err
	}

	if cp.Interrupt == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingInterrupt, threadID)
	}

	// Validate response shape BEFORE any state is restored or written.
	if err := validateResponse(threadID, cp.Interrupt.Expects, response); err != nil {
		return nil, err
	}

	st, err := cg.schema.Restore(cp.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	startNode := cp.NextNode
	if startNode != END && !cg.HasNode(startNode) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, startNode)
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.checkpointStore = store
	cfg.threadID = threadID
	cfg.sequence = cp.Sequence

	// Earlier responses replay first; the new response answers the
	// pending interrupt.
	values := make([]any, 0, len(cp.Interrupt.Replay)+1)
	values = append(values, cp.Interrupt.Replay...)
	values = append(values, response)
	cfg.resume = &resumeSlot{values: values}

	result, _, runErr := cg.runFrom(ctx, st, startNode, &cfg)
	return result, runErr
}

// Continue resumes a run from its latest checkpoint after a crash or
// restart. It starts execution at the checkpoint's next node with the
// checkpointed state.
//
// If the thread is suspended on an interrupt, Continue does not execute
// anything: it returns the reconstructed *Interrupted so the caller can
// re-surface the pending question and collect a response for Resume.
func (cg *CompiledGraph) Continue(ctx context.Context, store checkpoint.Store, threadID string, opts ...RunOption) (state.State, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	cp, err := loadThread(store, threadID)
	if err != nil {
		return nil, err
	}

	st, err := cg.schema.Restore(cp.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	if cp.Interrupt != nil {
		return st, &Interrupted{
			ThreadID: threadID,
			NodeID:   cp.Interrupt.NodeID,
			Kind:     cp.Interrupt.Kind,
			Expects:  cp.Interrupt.Expects,
			Payload:  cp.Interrupt.Payload,
		}
	}

	startNode := cp.NextNode
	if startNode == END {
		return st, nil
	}
	if !cg.HasNode(startNode) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, startNode)
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.checkpointStore = store
	cfg.threadID = threadID
	cfg.sequence = cp.Sequence

	result, _, runErr := cg.runFrom(ctx, st, startNode, &cfg)
	return result, runErr
}

// Pending reports the interrupt a thread is suspended on, or nil when
// the thread is not suspended. Useful for reconnecting clients.
func Pending(store checkpoint.Store, threadID string) (*checkpoint.PendingInterrupt, error) {
	cp, err := loadThread(store, threadID)
	if err != nil {
		return nil, err
	}
	return cp.Interrupt, nil
}

// loadThread loads and version-checks the latest checkpoint for a thread.
func loadThread(store checkpoint.Store, threadID string) (*checkpoint.Checkpoint, error) {
	cp, err := checkpoint.LoadLatest(store, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoints, threadID)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if cp.Version != checkpoint.Version {
		return nil, fmt.Errorf("%w: got %d, expected %d",
			ErrCheckpointVersionMismatch, cp.Version, checkpoint.Version)
	}

	return cp, nil
}

// validateResponse checks a resume response against the expected shape.
func validateResponse(threadID string, expects checkpoint.ResponseKind, response any) error {
	switch expects {
	case checkpoint.ResponseText:
		if _, ok := response.(string); ok {
			return nil
		}
	case checkpoint.ResponseStructured:
		if _, ok := response.(map[string]any); ok {
			return nil
		}
	default:
		return fmt.Errorf("unknown response kind %q for thread %s", expects, threadID)
	}

	return &InvalidResumeResponseError{
		ThreadID: threadID,
		Expected: expects,
		Got:      fmt.Sprintf("%T", response),
	}
}
