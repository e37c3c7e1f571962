// Package tokens provides token estimation and budget-aware pruning for
// prompt assembly.
//
// Estimation uses a fixed 4-characters-per-token heuristic rather than a
// real tokenizer. The heuristic is intentionally cheap: every worker node
// runs it over every retrieved fragment on every invocation, and the
// numbers only need to be consistent, not exact.
package tokens

import (
	"strings"
	"unicode/utf8"
)

// CharsPerToken is the fixed estimation ratio.
const CharsPerToken = 4

// ContextFraction is the share of the available budget worker nodes
// reserve for retrieved context. The remainder covers instructions
// and conversation history.
const ContextFraction = 0.70

// TruncationMarker is appended to text shortened by TruncateText.
const TruncationMarker = "\n…[truncated]"

// Budget describes the token envelope for a single LLM call.
type Budget struct {
	MaxContextTokens     int `json:"max_context_tokens" yaml:"max_context_tokens"`
	ReservedOutputTokens int `json:"reserved_output_tokens" yaml:"reserved_output_tokens"`
}

// Available returns the tokens usable for input context.
// Never negative.
func (b Budget) Available() int {
	avail := b.MaxContextTokens - b.ReservedOutputTokens
	if avail < 0 {
		return 0
	}
	return avail
}

// ContextBudget returns the portion of the available budget reserved
// for retrieved context in worker nodes.
func (b Budget) ContextBudget() int {
	return int(float64(b.Available()) * ContextFraction)
}

// Estimate returns the estimated token count for text: ceil(chars / 4).
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// PruneByBudget returns the longest prefix of items whose total estimated
// token count fits within budget. Iteration stops at the first item that
// would overflow; later, smaller items are not considered. Order is
// preserved and the function is idempotent: pruning an already-pruned
// sequence with the same budget returns it unchanged.
func PruneByBudget[T any](items []T, budget int, text func(T) string) []T {
	kept := make([]T, 0, len(items))
	used := 0
	for _, item := range items {
		cost := Estimate(text(item))
		if used+cost > budget {
			break
		}
		kept = append(kept, item)
		used += cost
	}
	return kept
}

// TruncateText shortens text to fit within budget tokens, appending
// TruncationMarker. Text already within budget is returned unchanged.
//
// The cut point prefers natural boundaries near the end of the slice:
// the last paragraph or line break no earlier than 60% in, then the last
// sentence end no earlier than 70%, then the last word boundary no
// earlier than 90%. Failing all three, the text is cut exactly at the
// character limit. The cut never splits a multi-byte character.
func TruncateText(text string, budget int) string {
	if Estimate(text) <= budget {
		return text
	}

	runes := []rune(text)
	limit := budget * CharsPerToken
	if limit > len(runes) {
		limit = len(runes)
	}
	slice := runes[:limit]

	if cut := lastBoundary(slice, isLineBreak, 0.60); cut > 0 {
		return string(slice[:cut]) + TruncationMarker
	}
	if cut := lastSentenceEnd(slice, 0.70); cut > 0 {
		return string(slice[:cut]) + TruncationMarker
	}
	if cut := lastBoundary(slice, isSpace, 0.90); cut > 0 {
		return string(slice[:cut]) + TruncationMarker
	}
	return string(slice) + TruncationMarker
}

// lastBoundary returns the index just before the last rune matching match,
// searching no earlier than floor*len(slice). Returns 0 if none found.
func lastBoundary(slice []rune, match func(rune) bool, floor float64) int {
	min := int(float64(len(slice)) * floor)
	for i := len(slice) - 1; i >= min; i-- {
		if match(slice[i]) {
			return i
		}
	}
	return 0
}

// lastSentenceEnd returns the index just after the last sentence-ending
// punctuation followed by whitespace (or at end of slice), no earlier
// than floor*len(slice). Returns 0 if none found.
func lastSentenceEnd(slice []rune, floor float64) int {
	min := int(float64(len(slice)) * floor)
	for i := len(slice) - 1; i >= min; i-- {
		if !isSentenceEnd(slice[i]) {
			continue
		}
		if i == len(slice)-1 || isSpace(slice[i+1]) || isLineBreak(slice[i+1]) {
			return i + 1
		}
	}
	return 0
}

func isLineBreak(r rune) bool {
	return r == '\n'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}

func isSentenceEnd(r rune) bool {
	return strings.ContainsRune(".!?", r)
}
