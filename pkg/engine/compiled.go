package engine

import "github.com/jsegov/shipspec/pkg/state"

// CompiledGraph is an immutable, executable workflow graph.
// It is created by calling Compile() on a Graph builder.
//
// CompiledGraph is thread-safe and can be used concurrently for multiple
// Run() calls. The graph structure cannot be modified after compilation.
type CompiledGraph struct {
	name             string
	schema           *state.Schema
	nodes            map[string]NodeFunc
	edges            map[string][]string
	conditionalEdges map[string]RouterFunc
	dispatchEdges    map[string]dispatchEdge
	entryPoint       string
}

// Name returns the workflow name.
func (cg *CompiledGraph) Name() string {
	return cg.name
}

// Schema returns the state schema the graph was built with.
func (cg *CompiledGraph) Schema() *state.Schema {
	return cg.schema
}

// EntryPoint returns the entry node ID.
func (cg *CompiledGraph) EntryPoint() string {
	return cg.entryPoint
}

// NodeIDs returns all node identifiers in the graph.
// The order is not guaranteed.
func (cg *CompiledGraph) NodeIDs() []string {
	ids := make([]string, 0, len(cg.nodes))
	for id := range cg.nodes {
		ids = append(ids, id)
	}
	return ids
}

// HasNode checks if a node exists in the graph.
func (cg *CompiledGraph) HasNode(id string) bool {
	_, exists := cg.nodes[id]
	return exists
}

// IsConditional returns true if the node has a conditional edge.
func (cg *CompiledGraph) IsConditional(id string) bool {
	_, exists := cg.conditionalEdges[id]
	return exists
}

// IsDispatch returns true if the node has a fan-out dispatch edge.
func (cg *CompiledGraph) IsDispatch(id string) bool {
	_, exists := cg.dispatchEdges[id]
	return exists
}

// getNode returns the node function for the given ID.
func (cg *CompiledGraph) getNode(id string) (NodeFunc, bool) {
	fn, exists := cg.nodes[id]
	return fn, exists
}

// getRouter returns the router function for the given node.
func (cg *CompiledGraph) getRouter(id string) (RouterFunc, bool) {
	router, exists := cg.conditionalEdges[id]
	return router, exists
}

// getDispatch returns the dispatch edge for the given node.
func (cg *CompiledGraph) getDispatch(id string) (dispatchEdge, bool) {
	de, exists := cg.dispatchEdges[id]
	return de, exists
}

// getEdges returns the simple edge targets for the given node.
func (cg *CompiledGraph) getEdges(id string) []string {
	return cg.edges[id]
}
