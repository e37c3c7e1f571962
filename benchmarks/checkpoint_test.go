package benchmarks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jsegov/shipspec/pkg/engine"
	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/state"
)

// benchState builds a realistically sized snapshot payload.
func benchState() []byte {
	st := state.State{
		"query": "how does the cache evict entries under memory pressure",
		"subtasks": []map[string]any{
			{"id": "st-1", "query": "find the eviction policy", "status": "complete", "result": "LRU with a 512MB high-water mark"},
			{"id": "st-2", "query": "find the memory accounting", "status": "complete", "result": "tracked per shard in bytes"},
			{"id": "st-3", "query": "find the eviction trigger", "status": "pending"},
		},
		"answer": "",
	}
	data, err := state.Snapshot(st)
	if err != nil {
		panic(err)
	}
	return data
}

func newSQLiteStore(b *testing.B) *checkpoint.SQLiteStore {
	b.Helper()
	store, err := checkpoint.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	return store
}

func BenchmarkMemoryStore_Save(b *testing.B) {
	store := checkpoint.NewMemoryStore()
	data := benchState()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save("thread-1", "node-1", data)
	}
}

func BenchmarkMemoryStore_Load(b *testing.B) {
	store := checkpoint.NewMemoryStore()
	data := benchState()
	_ = store.Save("thread-1", "node-1", data)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Load("thread-1", "node-1")
	}
}

func BenchmarkSQLiteStore_Save(b *testing.B) {
	store := newSQLiteStore(b)
	data := benchState()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save("thread-1", nodeID(i%100), data)
	}
}

func BenchmarkSQLiteStore_Load(b *testing.B) {
	store := newSQLiteStore(b)
	data := benchState()
	_ = store.Save("thread-1", "node-1", data)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Load("thread-1", "node-1")
	}
}

func BenchmarkRun_WithCheckpointing(b *testing.B) {
	store := checkpoint.NewMemoryStore()
	compiled := mustCompile(b, buildLinearGraph(5))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, nil,
			engine.WithCheckpointing(store, "thread-"+nodeID(i)),
		)
	}
}

func BenchmarkRun_WithoutCheckpointing(b *testing.B) {
	compiled := mustCompile(b, buildLinearGraph(5))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, nil)
	}
}

func BenchmarkSnapshotRestore(b *testing.B) {
	schema := state.MustSchema(
		state.Replace("query", ""),
		state.Replace("answer", ""),
	)
	data, err := state.Snapshot(state.State{"query": "q", "answer": "a"})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = schema.Restore(data)
	}
}
