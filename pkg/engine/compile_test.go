package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsegov/shipspec/pkg/state"
)

// TestCompile_Valid tests a well-formed graph compiles.
func TestCompile_Valid(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddNode("b", increment).
		AddEdge("a", "b").
		AddEdge("b", END).
		SetEntry("a")

	compiled, err := g.Compile()

	require.NoError(t, err)
	assert.Equal(t, "a", compiled.EntryPoint())
	assert.Equal(t, "test", compiled.Name())
	assert.True(t, compiled.HasNode("a"))
	assert.True(t, compiled.HasNode("b"))
	assert.False(t, compiled.HasNode("c"))
	assert.ElementsMatch(t, []string{"a", "b"}, compiled.NodeIDs())
}

// TestCompile_NoEntryPoint tests missing entry point.
func TestCompile_NoEntryPoint(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddEdge("a", END)

	_, err := g.Compile()

	assert.ErrorIs(t, err, ErrNoEntryPoint)
}

// TestCompile_EntryNotFound tests entry referencing a missing node.
func TestCompile_EntryNotFound(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddEdge("a", END).
		SetEntry("missing")

	_, err := g.Compile()

	assert.ErrorIs(t, err, ErrEntryNotFound)
}

// TestCompile_EdgeTargetNotFound tests edges to missing nodes.
func TestCompile_EdgeTargetNotFound(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddEdge("a", "missing").
		SetEntry("a")

	_, err := g.Compile()

	assert.ErrorIs(t, err, ErrNodeNotFound)
}

// TestCompile_NoPathToEnd tests a graph that can never terminate.
func TestCompile_NoPathToEnd(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddNode("b", increment).
		AddEdge("a", "b").
		AddEdge("b", "a").
		SetEntry("a")

	_, err := g.Compile()

	assert.ErrorIs(t, err, ErrNoPathToEnd)
}

// TestCompile_ConditionalEdgeAssumedToReachEnd tests that a router
// counts as a potential path to END.
func TestCompile_ConditionalEdgeAssumedToReachEnd(t *testing.T) {
	router := func(_ *Context, _ state.State) string { return END }

	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddConditionalEdge("a", router).
		SetEntry("a")

	compiled, err := g.Compile()

	require.NoError(t, err)
	assert.True(t, compiled.IsConditional("a"))
}

// TestCompile_DispatchJoinValidated tests dispatch edge validation.
func TestCompile_DispatchJoinValidated(t *testing.T) {
	dispatch := func(_ *Context, _ state.State) []Dispatch { return nil }

	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddDispatchEdge("a", dispatch, "missing", "").
		SetEntry("a")

	_, err := g.Compile()

	assert.ErrorIs(t, err, ErrNodeNotFound)
}

// TestCompile_DispatchFallbackDefaultsToJoin tests the fallback default.
func TestCompile_DispatchFallbackDefaultsToJoin(t *testing.T) {
	dispatch := func(_ *Context, _ state.State) []Dispatch { return nil }

	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddNode("join", increment).
		AddDispatchEdge("a", dispatch, "join", "").
		AddEdge("join", END).
		SetEntry("a")

	compiled, err := g.Compile()

	require.NoError(t, err)
	assert.True(t, compiled.IsDispatch("a"))

	de, ok := compiled.getDispatch("a")
	require.True(t, ok)
	assert.Equal(t, "join", de.fallback)
}

// TestCompile_MultipleErrorsJoined tests that all problems surface at once.
func TestCompile_MultipleErrorsJoined(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddEdge("a", "missing1").
		AddEdge("missing2", END)

	_, err := g.Compile()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEntryPoint)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

// TestAddNode_Panics tests builder validation panics.
func TestAddNode_Panics(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
	}{
		{"empty id", func() {
			NewGraph("test", testSchema()).AddNode("", increment)
		}},
		{"reserved END", func() {
			NewGraph("test", testSchema()).AddNode("END", increment)
		}},
		{"reserved __end__", func() {
			NewGraph("test", testSchema()).AddNode("__end__", increment)
		}},
		{"whitespace", func() {
			NewGraph("test", testSchema()).AddNode("bad id", increment)
		}},
		{"nil function", func() {
			NewGraph("test", testSchema()).AddNode("a", nil)
		}},
		{"duplicate", func() {
			NewGraph("test", testSchema()).AddNode("a", increment).AddNode("a", increment)
		}},
		{"nil router", func() {
			NewGraph("test", testSchema()).AddNode("a", increment).AddConditionalEdge("a", nil)
		}},
		{"nil dispatch", func() {
			NewGraph("test", testSchema()).AddNode("a", increment).AddDispatchEdge("a", nil, "a", "")
		}},
		{"empty join", func() {
			NewGraph("test", testSchema()).AddNode("a", increment).
				AddDispatchEdge("a", func(_ *Context, _ state.State) []Dispatch { return nil }, "", "")
		}},
		{"nil schema", func() {
			NewGraph("test", nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, tt.fn)
		})
	}
}

// TestMustCompile_PanicsOnInvalid tests MustCompile.
func TestMustCompile_PanicsOnInvalid(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("a", increment)

	assert.Panics(t, func() { g.MustCompile() })
}
