package engine

import (
	"context"
	"time"

	"github.com/jsegov/shipspec/pkg/state"
)

// testCtx returns a context with a generous timeout for tests.
func testCtx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = cancel // test contexts expire via timeout
	return ctx
}

// task is an Identifiable record for upsert channels in tests.
type task struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

func (t task) StateID() string { return t.ID }

// testSchema declares the channels used across engine tests:
// a replace counter, an order-dependent log, and two commutative
// channels for fan-out tests.
func testSchema() *state.Schema {
	return state.MustSchema(
		state.Replace("count", 0),
		state.Append[string]("log"),
		state.Concat[string]("results"),
		state.Upsert[task]("tasks"),
	)
}

// increment bumps the count channel by one.
func increment(_ *Context, st state.State) (state.Update, error) {
	n, _ := st["count"].(int)
	return state.Update{"count": n + 1}, nil
}

// makeTrackingNode records execution order in executed and appends its
// name to the log channel.
func makeTrackingNode(name string, executed *[]string) NodeFunc {
	return func(_ *Context, _ state.State) (state.Update, error) {
		*executed = append(*executed, name)
		return state.Update{"log": name}, nil
	}
}

// count reads the count channel, tolerating the float64 that JSON
// round-trips produce.
func count(st state.State) int {
	switch v := st["count"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
