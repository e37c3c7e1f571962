package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/state"
)

// TestRun_LinearFlow tests basic linear execution with reducer merging.
func TestRun_LinearFlow(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("inc1", increment).
		AddNode("inc2", increment).
		AddNode("inc3", increment).
		AddEdge("inc1", "inc2").
		AddEdge("inc2", "inc3").
		AddEdge("inc3", END).
		SetEntry("inc1")

	compiled, err := g.Compile()
	require.NoError(t, err)

	result, err := compiled.Run(testCtx(), nil)

	require.NoError(t, err)
	assert.Equal(t, 3, count(result))
}

// TestRun_SingleNode tests single node execution with seeded state.
func TestRun_SingleNode(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("only", increment).
		AddEdge("only", END).
		SetEntry("only")

	compiled, err := g.Compile()
	require.NoError(t, err)

	initial := testSchema().Initial()
	initial["count"] = 10

	result, err := compiled.Run(testCtx(), initial)

	require.NoError(t, err)
	assert.Equal(t, 11, count(result))
}

// TestRun_UpdatesMergeViaReducers tests that append channels accumulate
// across nodes instead of replacing.
func TestRun_UpdatesMergeViaReducers(t *testing.T) {
	var executed []string

	g := NewGraph("test", testSchema()).
		AddNode("a", makeTrackingNode("a", &executed)).
		AddNode("b", makeTrackingNode("b", &executed)).
		AddEdge("a", "b").
		AddEdge("b", END).
		SetEntry("a")

	compiled, err := g.Compile()
	require.NoError(t, err)

	result, err := compiled.Run(testCtx(), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, executed)
	assert.Equal(t, []string{"a", "b"}, result["log"])
}

// TestRun_NilUpdateIsNoOp tests that nodes may return a nil update.
func TestRun_NilUpdateIsNoOp(t *testing.T) {
	noop := func(_ *Context, _ state.State) (state.Update, error) {
		return nil, nil
	}

	g := NewGraph("test", testSchema()).
		AddNode("inc", increment).
		AddNode("noop", noop).
		AddEdge("inc", "noop").
		AddEdge("noop", END).
		SetEntry("inc")

	compiled, err := g.Compile()
	require.NoError(t, err)

	result, err := compiled.Run(testCtx(), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, count(result))
}

// TestRun_UnknownChannelFails tests that writing an undeclared channel
// fails the run with the node identified.
func TestRun_UnknownChannelFails(t *testing.T) {
	bad := func(_ *Context, _ state.State) (state.Update, error) {
		return state.Update{"bogus": 1}, nil
	}

	g := NewGraph("test", testSchema()).
		AddNode("bad", bad).
		AddEdge("bad", END).
		SetEntry("bad")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrUnknownChannel)
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "bad", nodeErr.NodeID)
}

// TestRun_ConditionalEdge tests conditional routing in both directions.
func TestRun_ConditionalEdge(t *testing.T) {
	tests := []struct {
		name     string
		initial  int
		expected []string
	}{
		{"routes left when count positive", 1, []string{"start", "left"}},
		{"routes right when count zero", 0, []string{"start", "right"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var executed []string

			router := func(_ *Context, st state.State) string {
				if count(st) > 0 {
					return "left"
				}
				return "right"
			}

			g := NewGraph("test", testSchema()).
				AddNode("start", makeTrackingNode("start", &executed)).
				AddNode("left", makeTrackingNode("left", &executed)).
				AddNode("right", makeTrackingNode("right", &executed)).
				AddConditionalEdge("start", router).
				AddEdge("left", END).
				AddEdge("right", END).
				SetEntry("start")

			compiled, err := g.Compile()
			require.NoError(t, err)

			initial := testSchema().Initial()
			initial["count"] = tt.initial

			_, err = compiled.Run(testCtx(), initial)

			require.NoError(t, err)
			assert.Equal(t, tt.expected, executed)
		})
	}
}

// TestRun_RouterEmptyString tests that an empty router result fails.
func TestRun_RouterEmptyString(t *testing.T) {
	router := func(_ *Context, _ state.State) string { return "" }

	g := NewGraph("test", testSchema()).
		AddNode("start", increment).
		AddConditionalEdge("start", router).
		SetEntry("start")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRouterResult)
	var routerErr *RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, "start", routerErr.FromNode)
}

// TestRun_RouterUnknownTarget tests that an unknown router target fails.
func TestRun_RouterUnknownTarget(t *testing.T) {
	router := func(_ *Context, _ state.State) string { return "nowhere" }

	g := NewGraph("test", testSchema()).
		AddNode("start", increment).
		AddConditionalEdge("start", router).
		SetEntry("start")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRouterTargetNotFound)
}

// TestRun_NodeError tests that node errors are wrapped with context and
// the state before the failing node is returned.
func TestRun_NodeError(t *testing.T) {
	boom := errors.New("boom")
	failing := func(_ *Context, _ state.State) (state.Update, error) {
		return nil, boom
	}

	g := NewGraph("test", testSchema()).
		AddNode("inc", increment).
		AddNode("fail", failing).
		AddEdge("inc", "fail").
		AddEdge("fail", END).
		SetEntry("inc")

	compiled, err := g.Compile()
	require.NoError(t, err)

	result, err := compiled.Run(testCtx(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "fail", nodeErr.NodeID)
	assert.Equal(t, 1, count(result))
}

// TestRun_PanicRecovery tests that a panicking node becomes a PanicError
// instead of crashing the process.
func TestRun_PanicRecovery(t *testing.T) {
	panicking := func(_ *Context, _ state.State) (state.Update, error) {
		panic("node exploded")
	}

	g := NewGraph("test", testSchema()).
		AddNode("panic", panicking).
		AddEdge("panic", END).
		SetEntry("panic")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil)

	require.Error(t, err)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "panic", panicErr.NodeID)
	assert.Equal(t, "node exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

// TestRun_MaxIterations tests that feedback loops are bounded.
func TestRun_MaxIterations(t *testing.T) {
	router := func(_ *Context, _ state.State) string { return "loop" }

	g := NewGraph("test", testSchema()).
		AddNode("loop", increment).
		AddConditionalEdge("loop", router).
		SetEntry("loop")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil, WithMaxIterations(5))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxIterations)
	var maxErr *MaxIterationsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 5, maxErr.Max)
}

// TestRun_Cancellation tests that a cancelled context stops the run
// between nodes.
func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	slow := func(_ *Context, _ state.State) (state.Update, error) {
		cancel()
		return nil, nil
	}

	g := NewGraph("test", testSchema()).
		AddNode("slow", slow).
		AddNode("never", increment).
		AddEdge("slow", "never").
		AddEdge("never", END).
		SetEntry("slow")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(ctx, nil)

	require.Error(t, err)
	var cancelErr *CancellationError
	require.ErrorAs(t, err, &cancelErr)
	assert.Equal(t, "never", cancelErr.NodeID)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestRun_NilContext tests nil context rejection.
func TestRun_NilContext(t *testing.T) {
	g := NewGraph("test", testSchema()).
		AddNode("only", increment).
		AddEdge("only", END).
		SetEntry("only")

	compiled, err := g.Compile()
	require.NoError(t, err)

	//nolint:staticcheck // deliberately nil
	_, err = compiled.Run(nil, nil)

	assert.ErrorIs(t, err, ErrNilContext)
}

// TestRun_CheckpointsAfterEachNode tests checkpoint persistence.
func TestRun_CheckpointsAfterEachNode(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	g := NewGraph("test", testSchema()).
		AddNode("a", increment).
		AddNode("b", increment).
		AddEdge("a", "b").
		AddEdge("b", END).
		SetEntry("a")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil, WithCheckpointing(store, "thread-1"))
	require.NoError(t, err)

	infos, err := store.List("thread-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	latest, err := checkpoint.LoadLatest(store, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "b", latest.NodeID)
	assert.Equal(t, END, latest.NextNode)
	assert.Nil(t, latest.Interrupt)
}

// TestRun_CheckpointingRequiresThreadID tests option validation.
func TestRun_CheckpointingRequiresThreadID(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	g := NewGraph("test", testSchema()).
		AddNode("only", increment).
		AddEdge("only", END).
		SetEntry("only")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil, WithCheckpointing(store, ""))

	assert.ErrorIs(t, err, ErrThreadIDRequired)
}

// TestRun_EmitterReceivesEvents tests progress and token events reach
// the configured emitter with the node filled in.
func TestRun_EmitterReceivesEvents(t *testing.T) {
	emitting := func(ctx *Context, _ state.State) (state.Update, error) {
		ctx.EmitProgress("working")
		ctx.EmitToken("partial ")
		ctx.EmitToken("text")
		return nil, nil
	}

	var events []Event
	emitter := EmitterFunc(func(ev Event) { events = append(events, ev) })

	g := NewGraph("test", testSchema()).
		AddNode("emit", emitting).
		AddEdge("emit", END).
		SetEntry("emit")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil, WithEmitter(emitter))
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, EventProgress, events[0].Type)
	assert.Equal(t, "emit", events[0].Node)
	assert.Equal(t, EventToken, events[1].Type)
	assert.Equal(t, "partial ", events[1].Text)
}

// TestContinue_AfterCrash tests resuming a partially-completed run from
// its latest checkpoint.
func TestContinue_AfterCrash(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	var executed []string
	failOnce := true
	flaky := func(_ *Context, st state.State) (state.Update, error) {
		if failOnce {
			failOnce = false
			return nil, errors.New("transient")
		}
		executed = append(executed, "flaky")
		n, _ := st["count"].(float64)
		return state.Update{"count": int(n) + 1}, nil
	}

	g := NewGraph("test", testSchema()).
		AddNode("a", makeTrackingNode("a", &executed)).
		AddNode("flaky", flaky).
		AddEdge("a", "flaky").
		AddEdge("flaky", END).
		SetEntry("a")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), nil, WithCheckpointing(store, "thread-1"))
	require.Error(t, err)

	result, err := compiled.Continue(testCtx(), store, "thread-1")

	require.NoError(t, err)
	// Node "a" ran once; only the failed node re-executed.
	assert.Equal(t, []string{"a", "flaky"}, executed)
	assert.Equal(t, []any{"a"}, anySlice(result["log"]))
}

// TestContinue_NoCheckpoints tests the unknown-thread error.
func TestContinue_NoCheckpoints(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	g := NewGraph("test", testSchema()).
		AddNode("only", increment).
		AddEdge("only", END).
		SetEntry("only")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Continue(testCtx(), store, "missing")

	assert.ErrorIs(t, err, ErrNoCheckpoints)
}

// anySlice normalizes typed or JSON-restored slices for comparison.
func anySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}

// TestRun_Deadline exercises the cancellation path with a real deadline.
func TestRun_Deadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	stall := func(c *Context, _ state.State) (state.Update, error) {
		select {
		case <-c.Done():
			return nil, c.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}

	g := NewGraph("test", testSchema()).
		AddNode("stall", stall).
		AddEdge("stall", END).
		SetEntry("stall")

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Run(ctx, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
