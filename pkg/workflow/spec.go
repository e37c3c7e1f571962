package workflow

import (
	"fmt"
	"strings"

	"github.com/jsegov/shipspec/pkg/engine"
	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/retrieval"
	"github.com/jsegov/shipspec/pkg/state"
	"github.com/jsegov/shipspec/pkg/tokens"
)

// Channel names shared by the spec and productionalize graphs.
const (
	ChanQuery     = "query"
	ChanSubtasks  = "subtasks"
	ChanFragments = "fragments"
	ChanAnswer    = "answer"
)

// SpecSchema declares the spec graph's state channels. Subtasks and
// fragments use order-insensitive reducers because worker instances
// write them concurrently.
func SpecSchema() *state.Schema {
	return state.MustSchema(
		state.Replace(ChanQuery, ""),
		state.Upsert[Subtask](ChanSubtasks),
		state.Concat[retrieval.Fragment](ChanFragments),
		state.Replace(ChanAnswer, ""),
	)
}

// NewSpecGraph builds the ask workflow:
// planner -> fan-out worker per subtask -> aggregator -> END.
// Zero subtasks routes straight to the aggregator.
func NewSpecGraph(deps Deps) (*engine.CompiledGraph, error) {
	if err := deps.validate(true); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	g := engine.NewGraph("spec", SpecSchema()).
		AddNode("planner", plannerNode(deps)).
		AddNode("worker", workerNode(deps)).
		AddNode("aggregator", aggregatorNode(deps)).
		AddDispatchEdge("planner", dispatchWorkers, "aggregator", "aggregator").
		AddEdge("aggregator", engine.END).
		SetEntry("planner")

	return g.Compile()
}

// dispatchWorkers launches one worker instance per pending subtask.
func dispatchWorkers(_ *engine.Context, st state.State) []engine.Dispatch {
	subtasks, _ := st[ChanSubtasks].([]Subtask)
	pending := pendingSubtasks(subtasks)

	out := make([]engine.Dispatch, 0, len(pending))
	for _, s := range pending {
		out = append(out, engine.Dispatch{To: "worker", Input: s})
	}
	return out
}

// plannerNode decomposes the query into independently-researchable
// subtasks.
func plannerNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		query, _ := st[ChanQuery].(string)

		ctx.EmitProgress("decomposing query")

		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "Decompose the user's question about a codebase into 3-7 independently-researchable subtasks. " +
				`Respond with a JSON list: [{"query": "..."}]. Respond with [] if the question needs no decomposition.`,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: query}},
		})
		if err != nil {
			return nil, fmt.Errorf("plan query: %w", err)
		}

		subtasks, err := parseSubtasks(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("plan query: %w", err)
		}

		ctx.Logger().Info("query decomposed", "subtasks", len(subtasks))
		if len(subtasks) == 0 {
			return nil, nil
		}
		return state.Update{ChanSubtasks: subtasks}, nil
	}
}

// workerNode answers one subtask: retrieve fragments, prune to the
// context share of the budget, ask the LLM, and upsert the completed
// subtask. Each instance writes only commutative channels.
func workerNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, _ state.State) (state.Update, error) {
		sub, ok := ctx.Input().(Subtask)
		if !ok {
			return nil, fmt.Errorf("worker dispatched without a subtask")
		}

		ctx.EmitProgress("researching: " + sub.Query)

		fragments, err := deps.Retriever.Retrieve(ctx, sub.Query, deps.RetrieveK)
		if err != nil {
			return nil, fmt.Errorf("retrieve for subtask %s: %w", sub.ID, err)
		}

		pruned := tokens.PruneByBudget(fragments, deps.Budget.ContextBudget(), retrieval.Fragment.Render)

		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "Answer the question using only the provided code context. Cite files by path.",
			Messages: []llm.Message{{
				Role:    llm.RoleUser,
				Content: "Context:\n" + retrieval.RenderAll(pruned) + "\n\nQuestion: " + sub.Query,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("answer subtask %s: %w", sub.ID, err)
		}

		sub.Status = StatusComplete
		sub.Result = resp.Content

		return state.Update{
			ChanSubtasks:  sub,
			ChanFragments: pruned,
		}, nil
	}
}

// aggregatorNode synthesizes subtask results into one answer, streaming
// token events as the model produces text.
func aggregatorNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		query, _ := st[ChanQuery].(string)
		subtasks, _ := st[ChanSubtasks].([]Subtask)

		ctx.EmitProgress("synthesizing answer")

		var findings strings.Builder
		for _, s := range subtasks {
			if s.Status != StatusComplete {
				continue
			}
			fmt.Fprintf(&findings, "## %s\n%s\n\n", s.Query, s.Result)
		}

		prompt := "Question: " + query
		if findings.Len() > 0 {
			prompt += "\n\nResearch findings:\n" + findings.String()
		}
		prompt = tokens.TruncateText(prompt, deps.Budget.Available())

		answer, err := streamCompletion(ctx, deps.LLM, llm.CompletionRequest{
			SystemPrompt: "Synthesize the research findings into a single coherent answer.",
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("synthesize answer: %w", err)
		}

		return state.Update{ChanAnswer: answer}, nil
	}
}

// streamCompletion runs a streaming call, forwarding partial text as
// token events and returning the accumulated output.
func streamCompletion(ctx *engine.Context, client llm.Client, req llm.CompletionRequest) (string, error) {
	stream, err := client.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			return out.String(), chunk.Error
		}
		if chunk.Content != "" {
			out.WriteString(chunk.Content)
			ctx.EmitToken(chunk.Content)
		}
	}

	return out.String(), nil
}
