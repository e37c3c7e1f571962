package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/retrieval"
	"github.com/jsegov/shipspec/pkg/scan"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// scriptedLLM routes requests by system-prompt substring. Responses for
// unmatched prompts fall back to defaultReply. Thread safe; fan-out
// workers call it concurrently.
type scriptedLLM struct {
	mu sync.Mutex

	// scripts maps a system-prompt substring to the canned reply.
	scripts map[string]string

	// replies overrides scripts per call when non-empty, consumed FIFO
	// against the same substring key.
	queues map[string][]string

	defaultReply string
	requests     []llm.CompletionRequest
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		scripts:      make(map[string]string),
		queues:       make(map[string][]string),
		defaultReply: "ok",
	}
}

func (f *scriptedLLM) on(promptSubstring, reply string) *scriptedLLM {
	f.scripts[promptSubstring] = reply
	return f
}

// onNext queues a one-shot reply for the prompt, consumed before the
// standing script. Used for review loops where the same node answers
// differently across iterations.
func (f *scriptedLLM) onNext(promptSubstring, reply string) *scriptedLLM {
	f.queues[promptSubstring] = append(f.queues[promptSubstring], reply)
	return f
}

func (f *scriptedLLM) reply(req llm.CompletionRequest) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	for key, queued := range f.queues {
		if len(queued) > 0 && strings.Contains(req.SystemPrompt, key) {
			f.queues[key] = queued[1:]
			return queued[0]
		}
	}
	for key, reply := range f.scripts {
		if strings.Contains(req.SystemPrompt, key) {
			return reply
		}
	}
	return f.defaultReply
}

func (f *scriptedLLM) calls() []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.CompletionRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *scriptedLLM) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: f.reply(req), FinishReason: "stop"}, nil
}

func (f *scriptedLLM) Stream(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	content := f.reply(req)
	ch := make(chan llm.StreamChunk, len(content)+1)
	// Chunk per word so token events are observable.
	for _, word := range strings.SplitAfter(content, " ") {
		ch <- llm.StreamChunk{Content: word}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// failingLLM errors on every call.
type failingLLM struct {
	err error
}

func (f *failingLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, f.err
}

func (f *failingLLM) Stream(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, f.err
}

// stubRetriever returns n fragments naming the query.
func stubRetriever(n int) retrieval.RetrieverFunc {
	return func(_ context.Context, query string, k int) ([]retrieval.Fragment, error) {
		if n < k {
			k = n
		}
		out := make([]retrieval.Fragment, k)
		for i := range out {
			out[i] = retrieval.Fragment{
				Filepath:  fmt.Sprintf("pkg/demo/file%d.go", i),
				Content:   "func Demo() {} // " + query,
				Type:      "function",
				StartLine: 1,
				EndLine:   1,
			}
		}
		return out, nil
	}
}

// subtasksJSON renders planner output for n subtasks.
func subtasksJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id":"st-%d","query":"subtask %d"}`, i, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// stubScanner returns canned findings or a canned error.
type stubScanner struct {
	name     string
	findings []scan.Finding
	err      error
}

func (s *stubScanner) Name() string { return s.name }
func (s *stubScanner) Scan(context.Context, string) ([]scan.Finding, error) {
	return s.findings, s.err
}
