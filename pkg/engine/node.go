package engine

import "github.com/jsegov/shipspec/pkg/state"

// END is the terminal node identifier.
// Use this as an edge target to indicate the workflow should terminate.
const END = "__end__"

// NodeFunc is the signature for all node functions.
// Nodes receive the execution context and the current merged state, and
// return a partial state update to be merged via each channel's reducer.
// A nil update is a valid no-op.
//
// Nodes never route: the engine exclusively owns routing decisions.
//
// Example:
//
//	func planner(ctx *engine.Context, st state.State) (state.Update, error) {
//	    subtasks, err := decompose(ctx, st["query"].(string))
//	    if err != nil {
//	        return nil, err
//	    }
//	    return state.Update{"subtasks": subtasks}, nil
//	}
type NodeFunc func(ctx *Context, st state.State) (state.Update, error)

// RouterFunc determines the next node based on state after a node runs.
// It is used for conditional edges.
//
// The router should return a valid node ID or engine.END.
// Returning an empty string or an unknown node ID causes a runtime error.
type RouterFunc func(ctx *Context, st state.State) string

// Dispatch names one concurrent node instance to launch from a fan-out
// edge, with its per-instance extra input.
type Dispatch struct {
	// To is the node to run.
	To string

	// Input is the instance's extra input, available to the node via
	// Context.Input.
	Input any
}

// DispatchFunc computes the fan-out instances to launch after a node
// runs. Returning an empty list routes to the edge's fallback node
// instead of fanning out.
type DispatchFunc func(ctx *Context, st state.State) []Dispatch
