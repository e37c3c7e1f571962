package engine

import (
	"errors"
	"fmt"
	"log/slog"
)

// Compile validates the graph and creates an executable CompiledGraph.
// Returns an error if validation fails. Multiple errors are joined together.
//
// Validation checks (in order):
//  1. Entry point must be set
//  2. Entry point must reference an existing node
//  3. All edge sources must reference existing nodes
//  4. All edge targets must reference existing nodes or END
//  5. Dispatch edge join and fallback nodes must exist
//  6. A path to END must exist from the entry point
//
// Unreachable nodes (not reachable from entry) are logged as warnings
// but do not cause compilation to fail: dispatch targets are reached at
// runtime, not through static edges.
func (g *Graph) Compile() (*CompiledGraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error

	if g.entryPoint == "" {
		errs = append(errs, ErrNoEntryPoint)
	} else if _, exists := g.nodes[g.entryPoint]; !exists {
		errs = append(errs, fmt.Errorf("%w: %s", ErrEntryNotFound, g.entryPoint))
	}

	for from, targets := range g.edges {
		if from != END {
			if _, exists := g.nodes[from]; !exists {
				errs = append(errs, fmt.Errorf("%w: edge source '%s' does not exist", ErrNodeNotFound, from))
			}
		}
		for _, to := range targets {
			if to != END {
				if _, exists := g.nodes[to]; !exists {
					errs = append(errs, fmt.Errorf("%w: edge target '%s' does not exist", ErrNodeNotFound, to))
				}
			}
		}
	}

	for from := range g.conditionalEdges {
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: conditional edge source '%s' does not exist", ErrNodeNotFound, from))
		}
	}

	for from, de := range g.dispatchEdges {
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: dispatch edge source '%s' does not exist", ErrNodeNotFound, from))
		}
		if de.join != END {
			if _, exists := g.nodes[de.join]; !exists {
				errs = append(errs, fmt.Errorf("%w: dispatch join '%s' does not exist", ErrNodeNotFound, de.join))
			}
		}
		if de.fallback != END {
			if _, exists := g.nodes[de.fallback]; !exists {
				errs = append(errs, fmt.Errorf("%w: dispatch fallback '%s' does not exist", ErrNodeNotFound, de.fallback))
			}
		}
	}

	if g.entryPoint != "" {
		if _, exists := g.nodes[g.entryPoint]; exists {
			if !g.hasPathToEnd() {
				errs = append(errs, ErrNoPathToEnd)
			}
		}
	}

	g.warnUnreachableNodes()

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return g.buildCompiled(), nil
}

// MustCompile is Compile that panics on error.
// Workflow graphs are fixed at startup, so a bad graph is a bug.
func (g *Graph) MustCompile() *CompiledGraph {
	cg, err := g.Compile()
	if err != nil {
		panic(err)
	}
	return cg
}

// hasPathToEnd checks if there's a path from entry to END using reverse
// reachability. Conditional edges are assumed to potentially reach END
// (the router might return it); dispatch edges reach their join and
// fallback nodes.
func (g *Graph) hasPathToEnd() bool {
	canReachEnd := make(map[string]bool)
	canReachEnd[END] = true

	changed := true
	for changed {
		changed = false

		for from, targets := range g.edges {
			if canReachEnd[from] {
				continue
			}
			for _, to := range targets {
				if canReachEnd[to] {
					canReachEnd[from] = true
					changed = true
					break
				}
			}
		}

		for from := range g.conditionalEdges {
			if !canReachEnd[from] {
				canReachEnd[from] = true
				changed = true
			}
		}

		for from, de := range g.dispatchEdges {
			if canReachEnd[from] {
				continue
			}
			if canReachEnd[de.join] || canReachEnd[de.fallback] {
				canReachEnd[from] = true
				changed = true
			}
		}
	}

	return canReachEnd[g.entryPoint]
}

// warnUnreachableNodes logs warnings for nodes not reachable from entry.
func (g *Graph) warnUnreachableNodes() {
	if g.entryPoint == "" {
		return
	}

	reachable := g.findReachableNodes()

	for nodeID := range g.nodes {
		if !reachable[nodeID] {
			slog.Warn("node is unreachable from entry", "workflow", g.name, "node_id", nodeID)
		}
	}
}

// findReachableNodes returns the set of nodes reachable from the entry point.
func (g *Graph) findReachableNodes() map[string]bool {
	reachable := make(map[string]bool)

	if g.entryPoint == "" {
		return reachable
	}

	queue := []string{g.entryPoint}
	reachable[g.entryPoint] = true

	visit := func(queue []string, id string) []string {
		if id != END && !reachable[id] {
			reachable[id] = true
			queue = append(queue, id)
		}
		return queue
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, target := range g.edges[current] {
			queue = visit(queue, target)
		}

		if de, hasDispatch := g.dispatchEdges[current]; hasDispatch {
			queue = visit(queue, de.join)
			queue = visit(queue, de.fallback)
			// Dispatch targets are runtime-determined; assume any node
			// may be dispatched.
			for nodeID := range g.nodes {
				queue = visit(queue, nodeID)
			}
		}

		// Routers are runtime-determined too: they could return any node.
		if _, hasConditional := g.conditionalEdges[current]; hasConditional {
			for nodeID := range g.nodes {
				queue = visit(queue, nodeID)
			}
		}
	}

	return reachable
}

// buildCompiled creates the immutable CompiledGraph from the builder state.
func (g *Graph) buildCompiled() *CompiledGraph {
	nodes := make(map[string]NodeFunc, len(g.nodes))
	for id, fn := range g.nodes {
		nodes[id] = fn
	}

	edges := make(map[string][]string, len(g.edges))
	for from, targets := range g.edges {
		edges[from] = make([]string, len(targets))
		copy(edges[from], targets)
	}

	conditionalEdges := make(map[string]RouterFunc, len(g.conditionalEdges))
	for from, router := range g.conditionalEdges {
		conditionalEdges[from] = router
	}

	dispatchEdges := make(map[string]dispatchEdge, len(g.dispatchEdges))
	for from, de := range g.dispatchEdges {
		dispatchEdges[from] = de
	}

	return &CompiledGraph{
		name:             g.name,
		schema:           g.schema,
		nodes:            nodes,
		edges:            edges,
		conditionalEdges: conditionalEdges,
		dispatchEdges:    dispatchEdges,
		entryPoint:       g.entryPoint,
	}
}
