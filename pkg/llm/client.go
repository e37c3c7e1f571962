// Package llm defines the completion client contract the workflow nodes
// depend on, with Claude CLI and OpenAI-backed implementations.
// The orchestration core treats completions as opaque text; provider
// specifics stay behind the Client interface.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Client is the completion interface workflow nodes call.
type Client interface {
	// Complete performs a blocking completion call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream performs a streaming completion call. The returned channel
	// is closed after the final chunk (Done=true) or an error chunk.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// CompletionRequest configures a completion call.
type CompletionRequest struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`

	// Model overrides the client's default when non-empty.
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Message is a conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role identifies the message sender.
type Role string

// Standard message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// CompletionResponse is the output of a completion call.
type CompletionResponse struct {
	Content      string        `json:"content"`
	Usage        TokenUsage    `json:"usage"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"`
	Duration     time.Duration `json:"duration"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content string      `json:"content,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"` // only set in the final chunk
	Done    bool        `json:"done"`
	Error   error       `json:"-"` // non-nil if streaming failed
}

// Error wraps a provider failure with the operation and whether a retry
// might succeed.
type Error struct {
	Op        string
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a provider error.
func NewError(op string, err error, retryable bool) *Error {
	return &Error{Op: op, Err: err, Retryable: retryable}
}
