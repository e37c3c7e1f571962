// Package retrieval defines the code-retrieval collaborator contract:
// relevance-ranked context fragments for a query. The orchestration core
// only depends on this contract; chunking and vector search live behind
// the Retriever implementation.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Fragment is one retrieved piece of codebase context.
type Fragment struct {
	Filepath   string `json:"filepath"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	SymbolName string `json:"symbol_name,omitempty"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
}

// Retriever returns up to k fragments for a query, relevance-ranked.
// Ordering is not guaranteed stable across calls.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Fragment, error)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, query string, k int) ([]Fragment, error)

// Retrieve implements Retriever.
func (f RetrieverFunc) Retrieve(ctx context.Context, query string, k int) ([]Fragment, error) {
	return f(ctx, query, k)
}

// Render formats a fragment for prompt inclusion. Token budgeting
// estimates against exactly this text.
func (f Fragment) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "// %s:%d-%d", f.Filepath, f.StartLine, f.EndLine)
	if f.SymbolName != "" {
		fmt.Fprintf(&b, " (%s)", f.SymbolName)
	}
	b.WriteString("\n")
	b.WriteString(f.Content)
	return b.String()
}

// RenderAll joins fragments into one prompt block.
func RenderAll(fragments []Fragment) string {
	parts := make([]string, len(fragments))
	for i, f := range fragments {
		parts[i] = f.Render()
	}
	return strings.Join(parts, "\n\n")
}
