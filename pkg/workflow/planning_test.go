package workflow

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsegov/shipspec/pkg/engine"
	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
)

func planningClient() *scriptedLLM {
	return newScriptedLLM().
		on("List the clarifying questions", "What platforms?\nWhat scale?").
		on("Write a product requirements document", "# PRD\ndraft").
		on("Write a technical specification", "# Spec\ndraft")
}

// interruptedAs unwraps the suspension from a run error.
func interruptedAs(t *testing.T, err error) *engine.Interrupted {
	t.Helper()
	var interrupted *engine.Interrupted
	require.ErrorAs(t, err, &interrupted)
	return interrupted
}

// TestPlanningGraph_FullApprovalPath walks the pipeline end to end:
// clarification answers, then approval at both review gates.
func TestPlanningGraph_FullApprovalPath(t *testing.T) {
	ctx := testCtx(t)
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	graph, err := NewPlanningGraph(Deps{LLM: planningClient()})
	require.NoError(t, err)

	opts := []engine.RunOption{engine.WithCheckpointing(store, "track-1")}

	// Clarifying questions come first.
	_, err = graph.Run(ctx, map[string]any{ChanQuery: "build a rate limiter"}, opts...)
	in := interruptedAs(t, err)
	assert.Equal(t, "clarification", in.Kind)
	assert.Equal(t, checkpoint.ResponseStructured, in.Expects)

	var payload struct {
		Questions []string `json:"questions"`
	}
	require.NoError(t, json.Unmarshal(in.Payload, &payload))
	assert.Len(t, payload.Questions, 2)

	// Answer, then approve the PRD.
	_, err = graph.Resume(ctx, store, "track-1", map[string]any{"What platforms?": "linux"}, opts...)
	in = interruptedAs(t, err)
	assert.Equal(t, "document_review", in.Kind)
	assert.Contains(t, string(in.Payload), "PRD")

	_, err = graph.Resume(ctx, store, "track-1", "approve", opts...)
	in = interruptedAs(t, err)
	assert.Equal(t, "document_review", in.Kind)
	assert.Contains(t, string(in.Payload), "spec")

	// Approve the spec; the run completes.
	final, err := graph.Resume(ctx, store, "track-1", "approve", opts...)
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, final[ChanPhase])
	assert.Contains(t, final[ChanPRD].(string), "# PRD")
	assert.Contains(t, final[ChanSpec].(string), "# Spec")
	answers := final[ChanClarifications].(map[string]any)
	assert.Equal(t, "linux", answers["What platforms?"])
}

// TestPlanningGraph_FeedbackRegeneratesPRD tests the review loop:
// non-approval text is recorded as feedback and the PRD is redrafted
// with it before review comes around again.
func TestPlanningGraph_FeedbackRegeneratesPRD(t *testing.T) {
	ctx := testCtx(t)
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	client := planningClient().
		onNext("Write a product requirements document", "# PRD\nfirst draft").
		onNext("Write a product requirements document", "# PRD\nsecond draft")

	graph, err := NewPlanningGraph(Deps{LLM: client})
	require.NoError(t, err)

	opts := []engine.RunOption{engine.WithCheckpointing(store, "track-2")}

	_, err = graph.Run(ctx, map[string]any{ChanQuery: "build a cache"}, opts...)
	interruptedAs(t, err)

	_, err = graph.Resume(ctx, store, "track-2", map[string]any{}, opts...)
	in := interruptedAs(t, err)
	assert.Contains(t, string(in.Payload), "first draft")

	// Reject with feedback; the regenerated PRD comes back for review.
	_, err = graph.Resume(ctx, store, "track-2", "add a section on eviction", opts...)
	in = interruptedAs(t, err)
	assert.Equal(t, "document_review", in.Kind)
	assert.Contains(t, string(in.Payload), "second draft")

	// The redraft prompt carried the feedback.
	var sawFeedback bool
	for _, req := range client.calls() {
		if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "add a section on eviction") {
			sawFeedback = true
		}
	}
	assert.True(t, sawFeedback)
}

// TestPlanningGraph_ResumeDoesNotRegenerateQuestions tests that
// answering the clarification interrupt does not repeat the
// question-generation call: the questions come from the checkpoint, not
// a fresh model request.
func TestPlanningGraph_ResumeDoesNotRegenerateQuestions(t *testing.T) {
	ctx := testCtx(t)
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	client := planningClient()
	graph, err := NewPlanningGraph(Deps{LLM: client})
	require.NoError(t, err)

	opts := []engine.RunOption{engine.WithCheckpointing(store, "track-4")}

	_, err = graph.Run(ctx, map[string]any{ChanQuery: "build a queue"}, opts...)
	in := interruptedAs(t, err)
	assert.Contains(t, string(in.Payload), "What platforms?")

	_, err = graph.Resume(ctx, store, "track-4", map[string]any{"What platforms?": "linux"}, opts...)
	interruptedAs(t, err)

	var questionCalls int
	for _, req := range client.calls() {
		if strings.Contains(req.SystemPrompt, "List the clarifying questions") {
			questionCalls++
		}
	}
	assert.Equal(t, 1, questionCalls)
}

// TestPlanningGraph_RequiresCheckpointing tests that the first interrupt
// fails without a configured store.
func TestPlanningGraph_RequiresCheckpointing(t *testing.T) {
	graph, err := NewPlanningGraph(Deps{LLM: planningClient()})
	require.NoError(t, err)

	_, err = graph.Run(testCtx(t), map[string]any{ChanQuery: "q"})

	assert.ErrorIs(t, err, engine.ErrInterruptRequiresCheckpointing)
}

// TestPlanningGraph_WrongResumeShapePreservesSuspension tests shape
// validation: a string answer to the structured clarification is
// rejected and the thread can still be resumed correctly.
func TestPlanningGraph_WrongResumeShapePreservesSuspension(t *testing.T) {
	ctx := testCtx(t)
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	graph, err := NewPlanningGraph(Deps{LLM: planningClient()})
	require.NoError(t, err)

	opts := []engine.RunOption{engine.WithCheckpointing(store, "track-3")}

	_, err = graph.Run(ctx, map[string]any{ChanQuery: "q"}, opts...)
	interruptedAs(t, err)

	_, err = graph.Resume(ctx, store, "track-3", "not a map", opts...)
	var invalid *engine.InvalidResumeResponseError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, checkpoint.ResponseStructured, invalid.Expected)

	// The suspension survives the bad attempt.
	_, err = graph.Resume(ctx, store, "track-3", map[string]any{}, opts...)
	in := interruptedAs(t, err)
	assert.Equal(t, "document_review", in.Kind)
}
