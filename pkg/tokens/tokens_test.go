package tokens_test

import (
	"strings"
	"testing"

	"github.com/jsegov/shipspec/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char", "a", 1},
		{"exactly four", "abcd", 1},
		{"five chars rounds up", "abcde", 2},
		{"multibyte counts runes", "日本語の文章です", 2}, // 8 runes
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokens.Estimate(tt.text))
		})
	}
}

func TestBudget_Available(t *testing.T) {
	assert.Equal(t, 6000, tokens.Budget{MaxContextTokens: 8000, ReservedOutputTokens: 2000}.Available())
	assert.Equal(t, 0, tokens.Budget{MaxContextTokens: 100, ReservedOutputTokens: 500}.Available())
}

func TestBudget_ContextBudget(t *testing.T) {
	b := tokens.Budget{MaxContextTokens: 1000, ReservedOutputTokens: 0}
	assert.Equal(t, 700, b.ContextBudget())
}

func TestPruneByBudget_NeverExceedsBudget(t *testing.T) {
	ident := func(s string) string { return s }

	chunks := []string{
		strings.Repeat("a", 40), // 10 tokens
		strings.Repeat("b", 80), // 20 tokens
		strings.Repeat("c", 40), // 10 tokens
	}

	for budget := 0; budget <= 50; budget++ {
		kept := tokens.PruneByBudget(chunks, budget, ident)
		total := 0
		for _, c := range kept {
			total += tokens.Estimate(c)
		}
		assert.LessOrEqual(t, total, budget, "budget %d", budget)
	}
}

func TestPruneByBudget_StopsAtFirstOverflow(t *testing.T) {
	ident := func(s string) string { return s }

	chunks := []string{
		strings.Repeat("a", 40),  // 10 tokens, kept
		strings.Repeat("b", 400), // 100 tokens, overflows
		strings.Repeat("c", 4),   // 1 token, would fit but is after the stop
	}

	kept := tokens.PruneByBudget(chunks, 20, ident)
	require.Len(t, kept, 1)
	assert.Equal(t, chunks[0], kept[0])
}

func TestPruneByBudget_Idempotent(t *testing.T) {
	ident := func(s string) string { return s }

	chunks := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
	}

	once := tokens.PruneByBudget(chunks, 25, ident)
	twice := tokens.PruneByBudget(once, 25, ident)
	assert.Equal(t, once, twice)
}

func TestPruneByBudget_PreservesOrder(t *testing.T) {
	type frag struct{ id, body string }

	frags := []frag{
		{"1", "aaaa"},
		{"2", "bbbb"},
		{"3", "cccc"},
	}

	kept := tokens.PruneByBudget(frags, 3, func(f frag) string { return f.body })
	require.Len(t, kept, 3)
	assert.Equal(t, "1", kept[0].id)
	assert.Equal(t, "2", kept[1].id)
	assert.Equal(t, "3", kept[2].id)
}

func TestTruncateText_UnderBudgetUnchanged(t *testing.T) {
	text := "short text"
	assert.Equal(t, text, tokens.TruncateText(text, 100))
}

func TestTruncateText_PrefersLineBreak(t *testing.T) {
	// Line break at ~75% of the slice, well past the 60% floor.
	head := strings.Repeat("a", 300)
	text := head + "\n" + strings.Repeat("b", 300)

	got := tokens.TruncateText(text, 100) // 400-char slice
	require.True(t, strings.HasSuffix(got, tokens.TruncationMarker))
	body := strings.TrimSuffix(got, tokens.TruncationMarker)
	assert.Equal(t, head, body)
}

func TestTruncateText_FallsBackToSentence(t *testing.T) {
	// No line breaks; sentence end at ~80% of the slice.
	text := strings.Repeat("a", 318) + ". " + strings.Repeat("b", 300)

	got := tokens.TruncateText(text, 100)
	body := strings.TrimSuffix(got, tokens.TruncationMarker)
	assert.True(t, strings.HasSuffix(body, "."))
	assert.LessOrEqual(t, len(body), 400)
}

func TestTruncateText_FallsBackToWordBoundary(t *testing.T) {
	// No line breaks or sentence ends; spaces everywhere.
	text := strings.Repeat("word ", 200)

	got := tokens.TruncateText(text, 50) // 200-char slice
	body := strings.TrimSuffix(got, tokens.TruncationMarker)
	assert.True(t, strings.HasSuffix(body, "word"), "should cut at a word boundary")
	assert.False(t, strings.HasSuffix(body, " "))
	assert.LessOrEqual(t, len(body), 200)
	assert.GreaterOrEqual(t, len(body), 180) // within the 90% floor
}

func TestTruncateText_HardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("x", 1000)

	got := tokens.TruncateText(text, 100)
	body := strings.TrimSuffix(got, tokens.TruncationMarker)
	assert.Len(t, body, 400)
}

func TestTruncateText_NeverSplitsMultibyte(t *testing.T) {
	text := strings.Repeat("語", 1000)

	got := tokens.TruncateText(text, 100)
	for _, r := range got {
		assert.NotEqual(t, '�', r)
	}
}
