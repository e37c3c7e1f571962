package workflow

import (
	"fmt"
	"strings"

	"github.com/jsegov/shipspec/pkg/engine"
	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/state"
	"github.com/jsegov/shipspec/pkg/tokens"
)

// Planning phases, recorded in the phase channel so resumed runs and
// observers can tell where the document pipeline stands.
const (
	PhaseClarifying = "clarifying"
	PhasePRD        = "prd"
	PhasePRDReview  = "prd_review"
	PhaseSpec       = "spec"
	PhaseSpecReview = "spec_review"
	PhaseDone       = "done"
)

// Planning graph channel names.
const (
	ChanPhase          = "phase"
	ChanQuestions      = "questions"
	ChanClarifications = "clarifications"
	ChanPRD            = "prd"
	ChanSpec           = "spec"
	ChanFeedback       = "feedback"
)

// PlanningSchema declares the planning graph's state channels. The graph
// is strictly sequential, so every channel uses an order-dependent
// reducer.
func PlanningSchema() *state.Schema {
	return state.MustSchema(
		state.Replace(ChanQuery, ""),
		state.Replace(ChanPhase, PhaseClarifying),
		state.Channel{Name: ChanQuestions, Reduce: replaceReduce, Decode: state.DecodeAs[[]string]()},
		state.Replace(ChanClarifications, map[string]any(nil)),
		state.Replace(ChanPRD, ""),
		state.Replace(ChanSpec, ""),
		state.Append[string](ChanFeedback),
	)
}

// NewPlanningGraph builds the document pipeline:
// questions -> clarifying -> prd -> prd_review -> spec -> spec_review -> END,
// where each review loops back to its generator until approved.
func NewPlanningGraph(deps Deps) (*engine.CompiledGraph, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	g := engine.NewGraph("planning", PlanningSchema()).
		AddNode("questions", questionsNode(deps)).
		AddNode("clarifying", clarifyingNode()).
		AddNode("prd", prdNode(deps)).
		AddNode("prd_review", reviewNode("PRD", ChanPRD, PhaseSpec)).
		AddNode("spec", specNode(deps)).
		AddNode("spec_review", reviewNode("spec", ChanSpec, PhaseDone)).
		AddEdge("questions", "clarifying").
		AddEdge("clarifying", "prd").
		AddEdge("prd", "prd_review").
		AddConditionalEdge("prd_review", reviewRouter(PhaseSpec, "prd", "spec")).
		AddEdge("spec", "spec_review").
		AddConditionalEdge("spec_review", reviewRouter(PhaseDone, "spec", engine.END)).
		SetEntry("questions")

	return g.Compile()
}

// questionsNode asks the model what it needs to know before drafting.
// The LLM call lives in its own node so that resuming the clarifying
// interrupt replays from a checkpoint taken after the call completed.
func questionsNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		query, _ := st[ChanQuery].(string)

		ctx.EmitProgress("generating clarifying questions")

		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "List the clarifying questions you need answered before writing the requirements, " +
				"one per line. Ask only what materially changes the outcome.",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: query}},
		})
		if err != nil {
			return nil, fmt.Errorf("generate clarifying questions: %w", err)
		}

		return state.Update{ChanQuestions: splitLines(resp.Content)}, nil
	}
}

// clarifyingNode suspends with the generated questions and records the
// user's answers. It performs no model calls, so re-executing it on
// resume repeats no work.
func clarifyingNode() engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		questions, _ := st[ChanQuestions].([]string)

		answer, err := ctx.Interrupt("clarification", checkpoint.ResponseStructured, map[string]any{
			"questions": questions,
		})
		if err != nil {
			return nil, err
		}

		answers, _ := answer.(map[string]any)
		return state.Update{
			ChanClarifications: answers,
			ChanPhase:          PhasePRD,
		}, nil
	}
}

// prdNode drafts the PRD from the query, clarification answers, and any
// reviewer feedback accumulated by earlier rejections.
func prdNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		ctx.EmitProgress("drafting PRD")

		prompt := documentPrompt(st, "")
		prompt = tokens.TruncateText(prompt, deps.Budget.Available())

		doc, err := streamCompletion(ctx, deps.LLM, llm.CompletionRequest{
			SystemPrompt: "Write a product requirements document in markdown. Cover goals, non-goals, " +
				"user stories, and acceptance criteria. Address every piece of reviewer feedback.",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("draft PRD: %w", err)
		}

		return state.Update{
			ChanPRD:   doc,
			ChanPhase: PhasePRDReview,
		}, nil
	}
}

// specNode drafts the technical spec from the approved PRD.
func specNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		ctx.EmitProgress("drafting technical spec")

		prd, _ := st[ChanPRD].(string)
		prompt := documentPrompt(st, "Approved PRD:\n"+prd)
		prompt = tokens.TruncateText(prompt, deps.Budget.Available())

		doc, err := streamCompletion(ctx, deps.LLM, llm.CompletionRequest{
			SystemPrompt: "Write a technical specification in markdown implementing the PRD. Cover architecture, " +
				"data model, interfaces, and testing strategy. Address every piece of reviewer feedback.",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("draft spec: %w", err)
		}

		return state.Update{
			ChanSpec:  doc,
			ChanPhase: PhaseSpecReview,
		}, nil
	}
}

// reviewNode suspends with the named document and interprets the
// response: approval advances the phase, anything else is feedback for
// the generator to address on the loop back.
func reviewNode(label, docChannel, approvedPhase string) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		doc, _ := st[docChannel].(string)

		response, err := ctx.Interrupt("document_review", checkpoint.ResponseText, map[string]any{
			"document": label,
			"content":  doc,
		})
		if err != nil {
			return nil, err
		}

		text, _ := response.(string)
		if isApproval(text) {
			ctx.Logger().Info("document approved", "document", label)
			return state.Update{ChanPhase: approvedPhase}, nil
		}

		ctx.Logger().Info("document revision requested", "document", label)
		return state.Update{ChanFeedback: text}, nil
	}
}

// reviewRouter routes after a review node: the approved phase moves
// forward, anything else loops back to the generator.
func reviewRouter(approvedPhase, regenerate, next string) engine.RouterFunc {
	return func(_ *engine.Context, st state.State) string {
		if phase, _ := st[ChanPhase].(string); phase == approvedPhase {
			return next
		}
		return regenerate
	}
}

// documentPrompt assembles the shared prompt preamble: the original
// request, clarification answers, extra context, and outstanding
// reviewer feedback.
func documentPrompt(st state.State, extra string) string {
	var b strings.Builder

	query, _ := st[ChanQuery].(string)
	b.WriteString("Request: " + query + "\n")

	if answers, _ := st[ChanClarifications].(map[string]any); len(answers) > 0 {
		b.WriteString("\nClarifications:\n")
		for q, a := range answers {
			fmt.Fprintf(&b, "- %s: %v\n", q, a)
		}
	}

	if extra != "" {
		b.WriteString("\n" + extra + "\n")
	}

	if feedback := feedbackList(st); len(feedback) > 0 {
		b.WriteString("\nReviewer feedback to address:\n")
		for _, f := range feedback {
			b.WriteString("- " + f + "\n")
		}
	}

	return b.String()
}

// feedbackList returns accumulated reviewer feedback.
func feedbackList(st state.State) []string {
	v, _ := st[ChanFeedback].([]string)
	return v
}

// splitLines returns the non-empty trimmed lines of text.
func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
