package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentworld/core/internal/infra"
)

// OpenAIProvider adapts sashabaranov/go-openai to the abstract
// LLMProvider interface. Grounded on the teacher's
// internal/agent/providers/openai.go shape; retry/backoff on the initial
// stream connection is delegated to internal/infra's generic Retry
// instead of a bespoke loop, since CreateChatCompletionStream here
// returns its error synchronously (unlike the Anthropic SDK's
// iterate-to-discover-errors shape).
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	retry        *infra.RetryConfig
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

// NewOpenAIProvider builds a provider backed by the real OpenAI SDK
// client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: openai API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	retry := infra.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		retry:        retry,
	}, nil
}

// Stream implements LLMProvider.
func (p *OpenAIProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessagesToOpenAI(req.Messages),
		Tools:       convertToolsToOpenAI(req.Tools),
		Temperature: float32(req.Temperature),
		Stream:      true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	stream, result := infra.Retry(ctx, p.retry, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		return p.client.CreateChatCompletionStream(ctx, chatReq)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("providers: openai: %w", result.LastError)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		type pendingCall struct{ name, args string }
		calls := make(map[int]*pendingCall)
		var order []int

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out <- Chunk{Type: ChunkError, Err: fmt.Errorf("providers: openai stream: %w", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				out <- Chunk{Type: ChunkText, TextDelta: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if calls[idx] == nil {
					calls[idx] = &pendingCall{}
					order = append(order, idx)
				}
				if tc.Function.Name != "" {
					calls[idx].name = tc.Function.Name
				}
				calls[idx].args += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				if len(order) > 0 {
					var toolCalls []ToolCall
					for _, idx := range order {
						toolCalls = append(toolCalls, ToolCall{Name: calls[idx].name, Arguments: calls[idx].args})
					}
					out <- Chunk{Type: ChunkToolCalls, ToolCalls: toolCalls}
				}
				out <- Chunk{Type: ChunkDone}
				return
			}
		}
		out <- Chunk{Type: ChunkDone}
	}()

	return out, nil
}

func convertMessagesToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func convertToolsToOpenAI(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Parameters, &params)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
