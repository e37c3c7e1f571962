package workflow

import (
	"fmt"
	"strings"

	"github.com/jsegov/shipspec/pkg/engine"
	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/retrieval"
	"github.com/jsegov/shipspec/pkg/scan"
	"github.com/jsegov/shipspec/pkg/state"
	"github.com/jsegov/shipspec/pkg/tokens"
)

// Productionalize phases, recorded so the review router can tell an
// approved report from one awaiting regeneration.
const (
	PhaseReport = "report"
	PhaseTasks  = "tasks"
)

// Productionalize graph channel names, beyond those shared with the
// spec graph.
const (
	ChanResearch    = "research"
	ChanScanResults = "scan_results"
	ChanReport      = "report"
	ChanTasks       = "tasks"
)

// ProductionalizeOptions toggles the graph's human-in-the-loop steps.
type ProductionalizeOptions struct {
	// SkipInterview bypasses the requirements interview before planning.
	SkipInterview bool

	// SkipReportReview sends the report straight to task generation.
	SkipReportReview bool
}

// ProductionalizeSchema declares the productionalize graph's channels.
// Subtasks and fragments are written from fan-out instances; everything
// else is sequential.
func ProductionalizeSchema() *state.Schema {
	return state.MustSchema(
		state.Replace(ChanQuery, ""),
		state.Replace(ChanPhase, PhaseReport),
		state.Upsert[Subtask](ChanSubtasks),
		state.Concat[retrieval.Fragment](ChanFragments),
		state.Replace(ChanResearch, ""),
		state.Channel{
			Name:   ChanScanResults,
			Reduce: replaceReduce,
			Decode: state.DecodeAs[[]scan.Result](),
		},
		state.Replace(ChanReport, ""),
		state.Channel{
			Name:   ChanTasks,
			Reduce: replaceReduce,
			Decode: state.DecodeAs[[]string](),
		},
		state.Append[string](ChanFeedback),
	)
}

// replaceReduce is last-write-wins for channels declared inline because
// they need a typed decoder.
func replaceReduce(current, update any) (any, error) {
	if update == nil {
		return current, nil
	}
	return update, nil
}

// NewProductionalizeGraph builds the hardening pipeline:
// planner -> researcher -> scanner -> fan-out workers -> aggregator ->
// report_review -> taskgen -> END, with the review loop regenerating the
// report on feedback and an option to skip review entirely.
func NewProductionalizeGraph(deps Deps, opts ProductionalizeOptions) (*engine.CompiledGraph, error) {
	if err := deps.validate(true); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	g := engine.NewGraph("productionalize", ProductionalizeSchema()).
		AddNode("planner", productionalizePlannerNode(deps, opts)).
		AddNode("researcher", researcherNode(deps)).
		AddNode("scanner", scannerNode(deps)).
		AddNode("worker", productionalizeWorkerNode(deps)).
		AddNode("aggregator", reportNode(deps)).
		AddNode("report_review", reportReviewNode(opts)).
		AddNode("taskgen", taskgenNode(deps)).
		AddEdge("planner", "researcher").
		AddEdge("researcher", "scanner").
		AddDispatchEdge("scanner", dispatchWorkers, "aggregator", "aggregator").
		AddEdge("aggregator", "report_review").
		AddConditionalEdge("report_review", reportReviewRouter).
		AddEdge("taskgen", engine.END).
		SetEntry("planner")

	return g.Compile()
}

// productionalizePlannerNode optionally interviews the user about
// constraints, then decomposes the hardening goal into subtasks. The
// interview precedes the planning call so resume repeats no LLM work.
func productionalizePlannerNode(deps Deps, opts ProductionalizeOptions) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		query, _ := st[ChanQuery].(string)

		var constraints string
		if !opts.SkipInterview {
			answer, err := ctx.Interrupt("interview", checkpoint.ResponseStructured, map[string]any{
				"questions": []string{
					"What deployment environment is this targeting?",
					"Are there compliance requirements (SOC2, HIPAA, PCI)?",
					"What is the expected traffic profile?",
				},
			})
			if err != nil {
				return nil, err
			}
			constraints = renderAnswers(answer)
		}

		ctx.EmitProgress("planning hardening work")

		prompt := "Goal: " + query
		if constraints != "" {
			prompt += "\n\nConstraints:\n" + constraints
		}

		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "Decompose the production-hardening goal into 3-7 independently-researchable subtasks " +
				`covering reliability, security, and operability. Respond with a JSON list: [{"query": "..."}].`,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("plan hardening work: %w", err)
		}

		subtasks, err := parseSubtasks(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("plan hardening work: %w", err)
		}

		ctx.Logger().Info("hardening work planned", "subtasks", len(subtasks))
		update := state.Update{}
		if len(subtasks) > 0 {
			update[ChanSubtasks] = subtasks
		}
		if constraints != "" {
			update[ChanResearch] = "Constraints:\n" + constraints
		}
		if len(update) == 0 {
			return nil, nil
		}
		return update, nil
	}
}

// researcherNode gathers external context for the goal. A nil researcher
// is tolerated; research is enrichment, not a requirement.
func researcherNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		if deps.Researcher == nil {
			return nil, nil
		}

		query, _ := st[ChanQuery].(string)
		ctx.EmitProgress("researching best practices")

		text, err := deps.Researcher.Research(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("research: %w", err)
		}

		prior, _ := st[ChanResearch].(string)
		if prior != "" {
			text = prior + "\n\n" + text
		}
		return state.Update{ChanResearch: text}, nil
	}
}

// scannerNode runs the configured security scanners over the target.
// Unavailable tools are recorded as skipped; anything else a scanner
// reports wrong is fatal, corrupt signal being worse than none.
func scannerNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, _ state.State) (state.Update, error) {
		if len(deps.Scanners) == 0 {
			return nil, nil
		}

		ctx.EmitProgress("running security scanners")

		results, err := scan.RunAll(ctx, deps.Scanners, deps.ScanTarget)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", deps.ScanTarget, err)
		}

		for _, r := range results {
			if r.Skipped {
				ctx.Logger().Warn("scanner skipped", "tool", r.Tool, "reason", r.Reason)
				continue
			}
			ctx.Logger().Info("scanner completed", "tool", r.Tool, "findings", len(r.Findings))
		}

		return state.Update{ChanScanResults: results}, nil
	}
}

// productionalizeWorkerNode answers one hardening subtask with retrieved
// code context plus the scan findings touching the same files.
func productionalizeWorkerNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
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

		results, _ := st[ChanScanResults].([]scan.Result)
		findings := findingsForFragments(results, pruned)

		prompt := "Context:\n" + retrieval.RenderAll(pruned)
		if findings != "" {
			prompt += "\n\nSecurity findings in these files:\n" + findings
		}
		prompt += "\n\nQuestion: " + sub.Query

		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "Assess the production-readiness concern using the provided code context and security " +
				"findings. Cite files by path and be specific about gaps.",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("answer subtask %s: %w", sub.ID, err)
		}

		sub.Status = StatusComplete
		sub.Result = resp.Content
		sub.Findings = findings

		return state.Update{
			ChanSubtasks:  sub,
			ChanFragments: pruned,
		}, nil
	}
}

// findingsForFragments renders only the findings whose filepath matches
// a retrieved fragment, keeping each worker's prompt scoped to its own
// slice of the codebase.
func findingsForFragments(results []scan.Result, fragments []retrieval.Fragment) string {
	if len(results) == 0 || len(fragments) == 0 {
		return ""
	}
	files := make(map[string]bool, len(fragments))
	for _, f := range fragments {
		files[f.Filepath] = true
	}

	var b strings.Builder
	for _, r := range results {
		for _, f := range r.Findings {
			if !files[f.Filepath] {
				continue
			}
			fmt.Fprintf(&b, "[%s] %s %s %s:%d %s\n", r.Tool, f.RuleID, f.Severity, f.Filepath, f.Line, f.Message)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// reportNode synthesizes research, scan results, and subtask answers
// into a hardening report, streaming tokens as it writes.
func reportNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		ctx.EmitProgress("writing hardening report")

		var b strings.Builder
		query, _ := st[ChanQuery].(string)
		b.WriteString("Goal: " + query + "\n")

		if research, _ := st[ChanResearch].(string); research != "" {
			b.WriteString("\nResearch:\n" + research + "\n")
		}

		results, _ := st[ChanScanResults].([]scan.Result)
		if findings := renderFindings(results); findings != "" {
			b.WriteString("\nScan findings:\n" + findings + "\n")
		}

		subtasks, _ := st[ChanSubtasks].([]Subtask)
		for _, s := range subtasks {
			if s.Status != StatusComplete {
				continue
			}
			fmt.Fprintf(&b, "\n## %s\n%s\n", s.Query, s.Result)
		}

		if feedback := feedbackList(st); len(feedback) > 0 {
			b.WriteString("\nReviewer feedback to address:\n")
			for _, f := range feedback {
				b.WriteString("- " + f + "\n")
			}
		}

		prompt := tokens.TruncateText(b.String(), deps.Budget.Available())

		report, err := streamCompletion(ctx, deps.LLM, llm.CompletionRequest{
			SystemPrompt: "Write a production-readiness report in markdown: current gaps, security findings with " +
				"severity, and prioritized recommendations. Address every piece of reviewer feedback.",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("write report: %w", err)
		}

		return state.Update{ChanReport: report}, nil
	}
}

// reportReviewNode suspends with the report unless review is skipped.
// Approval proceeds to task generation; anything else regenerates.
func reportReviewNode(opts ProductionalizeOptions) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		if opts.SkipReportReview {
			return state.Update{ChanPhase: PhaseTasks}, nil
		}

		report, _ := st[ChanReport].(string)
		response, err := ctx.Interrupt("document_review", checkpoint.ResponseText, map[string]any{
			"document": "report",
			"content":  report,
		})
		if err != nil {
			return nil, err
		}

		text, _ := response.(string)
		if isApproval(text) {
			ctx.Logger().Info("report approved")
			return state.Update{ChanPhase: PhaseTasks}, nil
		}

		ctx.Logger().Info("report revision requested")
		return state.Update{ChanFeedback: text}, nil
	}
}

// reportReviewRouter proceeds once the review approved the report,
// otherwise loops back to regenerate it against the new feedback.
func reportReviewRouter(_ *engine.Context, st state.State) string {
	if phase, _ := st[ChanPhase].(string); phase == PhaseTasks {
		return "taskgen"
	}
	return "aggregator"
}

// taskgenNode turns the approved report into discrete implementation
// tasks.
func taskgenNode(deps Deps) engine.NodeFunc {
	return func(ctx *engine.Context, st state.State) (state.Update, error) {
		ctx.EmitProgress("generating implementation tasks")

		report, _ := st[ChanReport].(string)
		prompt := tokens.TruncateText(report, deps.Budget.Available())

		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "Convert the report's recommendations into discrete implementation tasks. " +
				`Respond with a JSON list of task description strings: ["..."].`,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("generate tasks: %w", err)
		}

		tasks, err := parseTasks(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("generate tasks: %w", err)
		}

		ctx.Logger().Info("tasks generated", "count", len(tasks))
		return state.Update{ChanTasks: tasks}, nil
	}
}

// renderFindings flattens scan results into prompt text, one finding
// per line, skipped tools noted.
func renderFindings(results []scan.Result) string {
	var b strings.Builder
	for _, r := range results {
		if r.Skipped {
			fmt.Fprintf(&b, "[%s] skipped: %s\n", r.Tool, r.Reason)
			continue
		}
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "[%s] %s %s %s:%d %s\n", r.Tool, f.RuleID, f.Severity, f.Filepath, f.Line, f.Message)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderAnswers flattens a structured interview response into prompt
// text.
func renderAnswers(answer any) string {
	answers, _ := answer.(map[string]any)
	if len(answers) == 0 {
		return ""
	}
	var b strings.Builder
	for q, a := range answers {
		fmt.Fprintf(&b, "- %s: %v\n", q, a)
	}
	return strings.TrimRight(b.String(), "\n")
}
