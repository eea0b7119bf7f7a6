package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentworld/core/internal/infra"
)

// AnthropicProvider adapts anthropic-sdk-go to the abstract LLMProvider
// interface. Grounded on the teacher's
// internal/agent/providers/anthropic.go, trimmed to the one concern this
// spec needs (streamed completion over an abstract message/tool shape).
// It stores an internal/infra retry config built from MaxRetries, but
// Stream makes a single streaming request and does not retry it.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        *infra.RetryConfig
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

// NewAnthropicProvider builds a provider backed by the real Anthropic
// SDK client.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	retry := infra.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        retry,
	}, nil
}

// Stream implements LLMProvider.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, system := convertMessagesToAnthropic(req.Messages)
	tools := convertToolsToAnthropic(req.Tools)

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
		Tools:     tools,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		sseStream := p.client.Messages.NewStreaming(ctx, params)
		defer sseStream.Close()

		var toolCalls []ToolCall
		var currentToolID, currentToolName string
		var currentArgs string

		for sseStream.Next() {
			event := sseStream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					currentToolID = tu.ID
					currentToolName = tu.Name
					currentArgs = ""
				}
			case anthropic.ContentBlockDeltaEvent:
				if textDelta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
					out <- Chunk{Type: ChunkText, TextDelta: textDelta.Text}
				}
				if inputDelta, ok := ev.Delta.AsAny().(anthropic.InputJSONDelta); ok {
					currentArgs += inputDelta.PartialJSON
				}
			case anthropic.ContentBlockStopEvent:
				if currentToolID != "" {
					toolCalls = append(toolCalls, ToolCall{ID: currentToolID, Name: currentToolName, Arguments: currentArgs})
					currentToolID, currentToolName, currentArgs = "", "", ""
				}
			case anthropic.MessageStopEvent:
				if len(toolCalls) > 0 {
					out <- Chunk{Type: ChunkToolCalls, ToolCalls: toolCalls}
				}
				out <- Chunk{Type: ChunkDone}
			}
		}
		if err := sseStream.Err(); err != nil {
			out <- Chunk{Type: ChunkError, Err: fmt.Errorf("providers: anthropic stream: %w", err)}
		}
	}()

	return out, nil
}

// retryConfig returns the retry policy this provider was configured with.
// Nothing in the package calls it; Stream does not use it.
func (p *AnthropicProvider) retryConfig() *infra.RetryConfig { return p.retry }

func convertMessagesToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var system string
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out, system
}

func convertToolsToAnthropic(tools []ToolSchema) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
			},
		})
	}
	return out
}
