package llm

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI implements Client using the official OpenAI Go SDK. It also
// covers OpenAI-compatible endpoints via WithBaseURL.
type OpenAI struct {
	client openai.Client
	model  string
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	apiKey  string
	baseURL string
	model   string
}

// WithAPIKey sets the API key. The SDK falls back to OPENAI_API_KEY
// when unset.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openAIConfig) { c.apiKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOpenAIModel sets the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// NewOpenAI creates an OpenAI-backed client.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	cfg := openAIConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAI{
		client: openai.NewClient(clientOpts...),
		model:  cfg.model,
	}
}

// Complete implements Client.
func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	completion, err := o.client.Chat.Completions.New(ctx, o.buildParams(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError("complete", ctx.Err(), false)
		}
		return nil, NewError("complete", err, true)
	}

	resp := &CompletionResponse{
		Model:    completion.Model,
		Duration: time.Since(start),
		Usage: TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}
	if len(completion.Choices) > 0 {
		resp.Content = completion.Choices[0].Message.Content
		resp.FinishReason = string(completion.Choices[0].FinishReason)
	}

	return resp, nil
}

// Stream implements Client.
func (o *OpenAI) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	params := o.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case ch <- StreamChunk{Content: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				ch <- StreamChunk{Error: ctx.Err()}
				return
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Error: NewError("stream", err, true)}
			return
		}

		select {
		case ch <- StreamChunk{
			Done: true,
			Usage: &TokenUsage{
				InputTokens:  int(acc.Usage.PromptTokens),
				OutputTokens: int(acc.Usage.CompletionTokens),
				TotalTokens:  int(acc.Usage.TotalTokens),
			},
		}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// buildParams converts a request to the SDK's parameter shape.
func (o *OpenAI) buildParams(req CompletionRequest) openai.ChatCompletionNewParams {
	model := o.model
	if req.Model != "" {
		model = req.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.SystemPrompt),
				},
			},
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg))
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	return params
}

// convertMessage maps one conversation turn to the SDK's union type.
func convertMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	switch msg.Role {
	case RoleSystem:
		return openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				},
			},
		}
	case RoleAssistant:
		return openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				},
			},
		}
	default:
		return openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				},
			},
		}
	}
}
