package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
)

// Context provides execution context to nodes.
// It embeds context.Context for cancellation and deadlines, and adds
// per-run services (logger, event emitter) and per-node metadata.
//
// The executor creates a derived Context for each node invocation with
// the node ID set and the logger enriched.
type Context struct {
	context.Context

	logger   *slog.Logger
	emitter  Emitter
	threadID string
	nodeID   string

	// input carries the per-instance extra input for fan-out instances.
	// Nil for sequential node invocations.
	input any

	// resume holds a pending resume response after Resume re-enters a
	// suspended node. Shared across derived contexts so consumption is
	// visible to the executor.
	resume *resumeSlot

	// inFanOut marks contexts handed to fan-out instances, where
	// suspension is not allowed.
	inFanOut bool
}

// resumeSlot carries resume responses into the re-entered node.
// Interrupt calls consume them in order; once exhausted, the next
// Interrupt call suspends again with the consumed responses recorded
// for replay.
type resumeSlot struct {
	values []any
	next   int
}

// Logger returns the configured logger, enriched with thread and node
// context. Never returns nil.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// ThreadID returns the identifier of this run's checkpoint thread.
// Empty when checkpointing is not configured.
func (c *Context) ThreadID() string {
	return c.threadID
}

// NodeID returns the node currently executing.
func (c *Context) NodeID() string {
	return c.nodeID
}

// Input returns the per-instance input for a fan-out instance, or nil
// for sequential invocations.
func (c *Context) Input() any {
	return c.input
}

// Emit sends an event to the run's emitter. No-op when none is configured.
func (c *Context) Emit(ev Event) {
	if c.emitter == nil {
		return
	}
	if ev.Node == "" {
		ev.Node = c.nodeID
	}
	c.emitter.Emit(ev)
}

// EmitProgress emits a progress event for the current node.
func (c *Context) EmitProgress(message string) {
	c.Emit(Event{Type: EventProgress, Message: message})
}

// EmitToken emits a streamed text fragment for the current node.
func (c *Context) EmitToken(text string) {
	c.Emit(Event{Type: EventToken, Text: text})
}

// Interrupt suspends the run to collect external input.
//
// On first entry it returns a non-nil error that the node must return
// unchanged; the executor checkpoints the run with the pending interrupt
// and surfaces *Interrupted to the caller. When the run is resumed, the
// node re-executes from its start and the Interrupt call returns the
// resume response instead.
//
// Nodes with interrupt points should therefore perform the Interrupt
// call before side effects, so re-execution on resume does not repeat
// work:
//
//	resp, err := ctx.Interrupt("document_review", checkpoint.ResponseText, doc)
//	if err != nil {
//	    return nil, err
//	}
//	// resp is the reviewer's response
//
// A node may interrupt more than once per invocation: earlier responses
// are recorded in the checkpoint and replayed to earlier Interrupt calls
// on each re-execution, so multi-step reviews work without extra nodes.
//
// Interrupt is illegal inside fan-out instances.
func (c *Context) Interrupt(kind string, expects checkpoint.ResponseKind, payload any) (any, error) {
	if c.inFanOut {
		return nil, fmt.Errorf("node %s: %w", c.nodeID, ErrInterruptInFanOut)
	}

	if c.resume != nil && c.resume.next < len(c.resume.values) {
		v := c.resume.values[c.resume.next]
		c.resume.next++
		return v, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &NodeError{NodeID: c.nodeID, Op: "interrupt payload", Err: err}
	}

	var replay []any
	if c.resume != nil {
		replay = c.resume.values[:c.resume.next]
	}

	return nil, &suspension{
		kind:    kind,
		expects: expects,
		payload: raw,
		replay:  replay,
	}
}

// suspension is the internal control-flow error Interrupt returns.
// The executor intercepts it; it never escapes Run.
type suspension struct {
	kind    string
	expects checkpoint.ResponseKind
	payload json.RawMessage

	// replay preserves responses consumed before this suspension.
	replay []any
}

// Error implements the error interface.
func (s *suspension) Error() string {
	return fmt.Sprintf("suspended awaiting %s response (%s)", s.expects, s.kind)
}

// withNode returns a derived context for one node invocation.
func (c *Context) withNode(nodeID string) *Context {
	return &Context{
		Context:  c.Context,
		logger:   c.logger.With("thread_id", c.threadID, "node_id", nodeID),
		emitter:  c.emitter,
		threadID: c.threadID,
		nodeID:   nodeID,
		resume:   c.resume,
	}
}

// withDispatch returns a derived context for one fan-out instance.
func (c *Context) withDispatch(ctx context.Context, nodeID string, input any, instance int) *Context {
	return &Context{
		Context:  ctx,
		logger:   c.logger.With("thread_id", c.threadID, "node_id", nodeID, "instance", instance),
		emitter:  c.emitter,
		threadID: c.threadID,
		nodeID:   nodeID,
		input:    input,
		inFanOut: true,
	}
}
