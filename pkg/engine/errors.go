// Package engine provides the graph-structured workflow execution core:
// node/edge execution, conditional fan-out dispatch, checkpoint
// persistence, and interrupt suspension.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrNoEntryPoint indicates SetEntry() was not called before Compile().
	ErrNoEntryPoint = errors.New("entry point not set")

	// ErrEntryNotFound indicates the entry point references a non-existent node.
	ErrEntryNotFound = errors.New("entry point node not found")

	// ErrNodeNotFound indicates an edge references a non-existent node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoPathToEnd indicates no path exists from the entry point to END.
	ErrNoPathToEnd = errors.New("no path to END from entry")
)

// Sentinel errors for execution.
var (
	// ErrMaxIterations indicates the execution loop exceeded the configured limit.
	ErrMaxIterations = errors.New("exceeded maximum iterations")

	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrInvalidRouterResult indicates a router function returned an empty string.
	ErrInvalidRouterResult = errors.New("router returned empty string")

	// ErrRouterTargetNotFound indicates a router function returned an unknown node ID.
	ErrRouterTargetNotFound = errors.New("router returned unknown node")

	// ErrInterruptInFanOut indicates a fan-out instance tried to suspend.
	// Interrupt points are only legal on sequential nodes.
	ErrInterruptInFanOut = errors.New("interrupt inside fan-out instance")

	// ErrNonCommutativeFanOut indicates a fan-out instance wrote a channel
	// whose reducer is order-dependent. Only order-insensitive reducers
	// (upsert, concat) are safe targets of concurrent writes.
	ErrNonCommutativeFanOut = errors.New("fan-out wrote order-dependent channel")
)

// Sentinel errors for checkpointing and resume.
var (
	// ErrThreadIDRequired indicates checkpointing was enabled without a thread ID.
	ErrThreadIDRequired = errors.New("thread ID required for checkpointing")

	// ErrInterruptRequiresCheckpointing indicates a node suspended but no
	// checkpoint store was configured, so the run cannot be resumed.
	ErrInterruptRequiresCheckpointing = errors.New("interrupt requires checkpointing")

	// ErrDeserializeState indicates state deserialization failed.
	ErrDeserializeState = errors.New("failed to deserialize state")

	// ErrNoCheckpoints indicates no checkpoints exist for the thread.
	ErrNoCheckpoints = errors.New("no checkpoints found for thread")

	// ErrNoPendingInterrupt indicates a resume was attempted on a thread
	// that is not suspended on an interrupt.
	ErrNoPendingInterrupt = errors.New("no pending interrupt for thread")

	// ErrCheckpointVersionMismatch indicates the checkpoint version is incompatible.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")
)

// NodeError wraps an error with node context.
type NodeError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// Op is the operation that failed (e.g., "execute").
	Op string
	// Err is the underlying error from the node.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from node execution.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// CancellationError captures the state when execution was cancelled.
type CancellationError struct {
	// NodeID is the node that was about to execute or was executing.
	NodeID string
	// Cause is the underlying cancellation cause.
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled at node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// RouterError wraps errors from conditional edge routing.
type RouterError struct {
	// FromNode is the node with the conditional edge.
	FromNode string
	// Returned is the value the router returned.
	Returned string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	return fmt.Sprintf("router from %s returned %q: %v", e.FromNode, e.Returned, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouterError) Unwrap() error {
	return e.Err
}

// MaxIterationsError provides context when the loop limit is exceeded.
type MaxIterationsError struct {
	// Max is the configured iteration limit.
	Max int
	// LastNodeID is the node that would have executed next.
	LastNodeID string
}

// Error implements the error interface.
func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum iterations (%d) at node %s", e.Max, e.LastNodeID)
}

// Unwrap returns ErrMaxIterations for errors.Is support.
func (e *MaxIterationsError) Unwrap() error {
	return ErrMaxIterations
}

// DispatchError wraps an error from one fan-out instance.
// The engine cancels sibling instances before returning it.
type DispatchError struct {
	// FromNode is the node with the fan-out edge.
	FromNode string
	// Instance is the index of the failed dispatch.
	Instance int
	// To is the node the instance was running.
	To string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("fan-out from %s (instance %d -> %s): %v", e.FromNode, e.Instance, e.To, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// NodeID is the node where checkpointing failed.
	NodeID string
	// Op is the operation that failed ("save", "load", "serialize").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at node %s: %v", e.Op, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// Interrupted is returned from Run when a node suspends on an interrupt
// point. It is not a failure: the run is checkpointed and can be resumed
// with CompiledGraph.Resume once the caller has a response.
type Interrupted struct {
	// ThreadID identifies the suspended run.
	ThreadID string
	// NodeID is the suspended node.
	NodeID string
	// Kind discriminates the interrupt payload (e.g. "document_review").
	Kind string
	// Expects constrains the resume response shape.
	Expects checkpoint.ResponseKind
	// Payload is the data shown to the caller.
	Payload json.RawMessage
}

// Error implements the error interface.
func (e *Interrupted) Error() string {
	return fmt.Sprintf("run %s suspended at node %s awaiting %s response (%s)",
		e.ThreadID, e.NodeID, e.Expects, e.Kind)
}

// InvalidResumeResponseError indicates a resume response whose shape does
// not match what the pending interrupt expects. The persisted checkpoint
// is left untouched so the caller can retry with a corrected response.
type InvalidResumeResponseError struct {
	// ThreadID identifies the suspended run.
	ThreadID string
	// Expected is the response shape the interrupt declared.
	Expected checkpoint.ResponseKind
	// Got describes the rejected value's type.
	Got string
}

// Error implements the error interface.
func (e *InvalidResumeResponseError) Error() string {
	return fmt.Sprintf("thread %s: resume expects %s response, got %s", e.ThreadID, e.Expected, e.Got)
}
