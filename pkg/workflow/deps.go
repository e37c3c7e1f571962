// Package workflow defines the three concrete graphs (spec, planning,
// productionalize) as topology plus node bodies over the engine's
// primitives. External collaborators come in through Deps; nodes never
// reach for ambient globals.
package workflow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/retrieval"
	"github.com/jsegov/shipspec/pkg/scan"
	"github.com/jsegov/shipspec/pkg/tokens"
)

// Researcher gathers external context (web search, docs) for a query.
// The result is opaque text fed into prompts and token budgeting.
type Researcher interface {
	Research(ctx context.Context, query string) (string, error)
}

// ResearcherFunc adapts a function to the Researcher interface.
type ResearcherFunc func(ctx context.Context, query string) (string, error)

// Research implements Researcher.
func (f ResearcherFunc) Research(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}

// Deps carries the collaborators workflow nodes call.
type Deps struct {
	LLM       llm.Client
	Retriever retrieval.Retriever

	// Researcher and Scanners are only used by the productionalize
	// graph and may be nil/empty elsewhere.
	Researcher Researcher
	Scanners   []scan.Scanner
	ScanTarget string

	Budget tokens.Budget

	// RetrieveK is the fragment count requested per worker retrieval.
	// Defaults to 8.
	RetrieveK int

	Logger *slog.Logger
}

// withDefaults fills zero-valued fields.
func (d Deps) withDefaults() Deps {
	if d.RetrieveK <= 0 {
		d.RetrieveK = 8
	}
	if d.Budget.MaxContextTokens == 0 {
		d.Budget = tokens.Budget{MaxContextTokens: 16000, ReservedOutputTokens: 2000}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ScanTarget == "" {
		d.ScanTarget = "."
	}
	return d
}

// validate checks the collaborators a graph cannot run without.
func (d Deps) validate(needRetrieval bool) error {
	if d.LLM == nil {
		return errors.New("workflow: LLM client is required")
	}
	if needRetrieval && d.Retriever == nil {
		return errors.New("workflow: retriever is required")
	}
	return nil
}
