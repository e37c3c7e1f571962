package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jsegov/shipspec/pkg/state"
)

// dispatchEdge describes a fan-out edge: a function that computes the
// concurrent instances to launch, the join node their merged updates
// flow into, and the fallback node taken when no instances are produced.
type dispatchEdge struct {
	fn       DispatchFunc
	join     string
	fallback string
}

// Graph is a mutable builder for creating workflow graphs.
// Use NewGraph to create a graph bound to a state schema, then chain
// AddNode, AddEdge, and SetEntry calls to define the workflow.
//
// Graph is NOT thread-safe during building. Use a single goroutine to
// construct the graph, then call Compile() to create an immutable
// CompiledGraph that can be safely shared.
//
// Example:
//
//	g := engine.NewGraph("spec", schema).
//	    AddNode("planner", plannerNode).
//	    AddNode("worker", workerNode).
//	    AddNode("aggregator", aggregatorNode).
//	    AddDispatchEdge("planner", dispatchSubtasks, "aggregator", "aggregator").
//	    AddEdge("aggregator", engine.END).
//	    SetEntry("planner")
//
//	compiled, err := g.Compile()
type Graph struct {
	mu               sync.RWMutex
	name             string
	schema           *state.Schema
	nodes            map[string]NodeFunc
	edges            map[string][]string
	conditionalEdges map[string]RouterFunc
	dispatchEdges    map[string]dispatchEdge
	entryPoint       string
}

// NewGraph creates a new graph builder. The name identifies the workflow
// in logs and metrics; the schema defines the state channels nodes may
// read and write.
//
// Panics if schema is nil.
func NewGraph(name string, schema *state.Schema) *Graph {
	if schema == nil {
		panic("engine: schema cannot be nil")
	}
	return &Graph{
		name:             name,
		schema:           schema,
		nodes:            make(map[string]NodeFunc),
		edges:            make(map[string][]string),
		conditionalEdges: make(map[string]RouterFunc),
		dispatchEdges:    make(map[string]dispatchEdge),
	}
}

// AddNode adds a named node to the graph.
// Returns the graph for method chaining.
//
// Panics if:
//   - id is empty
//   - id is the reserved word "END" or "__end__" (case-insensitive)
//   - id contains whitespace (space, tab, newline)
//   - fn is nil
//   - id already exists in the graph
func (g *Graph) AddNode(id string, fn NodeFunc) *Graph {
	if id == "" {
		panic("engine: node ID cannot be empty")
	}

	idLower := strings.ToLower(id)
	if idLower == "end" || idLower == "__end__" {
		panic("engine: node ID cannot be reserved word 'END'")
	}

	if strings.ContainsAny(id, " \t\n\r") {
		panic("engine: node ID cannot contain whitespace")
	}

	if fn == nil {
		panic("engine: node function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		panic(fmt.Sprintf("engine: duplicate node ID: %s", id))
	}

	g.nodes[id] = fn
	return g
}

// AddEdge adds an unconditional edge from one node to another.
// The target can be a node ID or engine.END.
// Returns the graph for method chaining.
//
// Edge validation happens at Compile() time, not here.
// This allows edges to be added in any order.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddConditionalEdge adds a conditional edge where a RouterFunc
// determines the next node at runtime based on state.
// Returns the graph for method chaining.
//
// The router function should return a valid node ID or engine.END.
// Returning an empty string or unknown node ID causes a runtime error.
//
// A node can have either simple edges, a conditional edge, or a dispatch
// edge. If multiple are present, dispatch takes precedence over
// conditional, which takes precedence over simple edges.
func (g *Graph) AddConditionalEdge(from string, router RouterFunc) *Graph {
	if router == nil {
		panic("engine: router function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.conditionalEdges[from] = router
	return g
}

// AddDispatchEdge adds a fan-out edge. After the source node runs, fn
// computes the instances to launch; the engine runs each instance
// concurrently with its own input, merges their updates in dispatch
// order, and continues at join. When fn returns no instances, execution
// routes to fallback instead.
//
// Fan-out instances may only write channels whose reducer is
// commutative; the engine rejects order-dependent writes at merge time.
//
// Panics if fn is nil or join is empty. An empty fallback defaults to
// the join node.
func (g *Graph) AddDispatchEdge(from string, fn DispatchFunc, join, fallback string) *Graph {
	if fn == nil {
		panic("engine: dispatch function cannot be nil")
	}
	if join == "" {
		panic("engine: dispatch join cannot be empty")
	}
	if fallback == "" {
		fallback = join
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.dispatchEdges[from] = dispatchEdge{fn: fn, join: join, fallback: fallback}
	return g
}

// SetEntry designates the entry point node.
// This must be called before Compile().
// Returns the graph for method chaining.
//
// Entry point validation happens at Compile() time.
func (g *Graph) SetEntry(id string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entryPoint = id
	return g
}
