package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/agentworld/core/internal/infra"
)

// GeminiProvider adapts google.golang.org/genai to the abstract
// LLMProvider interface. Grounded on the teacher's
// internal/agent/providers/google.go, trimmed to the streamed completion
// path this spec needs.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
	retry        *infra.RetryConfig
}

// GeminiConfig configures a GeminiProvider.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
}

// NewGeminiProvider builds a provider backed by the real Google Gen AI
// SDK client.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: gemini API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("providers: gemini: new client: %w", err)
	}

	retry := infra.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	return &GeminiProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		retry:        retry,
	}, nil
}

// Stream implements LLMProvider.
func (p *GeminiProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, system := convertMessagesToGemini(req.Messages)
	genConfig := &genai.GenerateContentConfig{}
	if system != "" {
		genConfig.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		genConfig.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(req.MaxTokens)
	}
	if tools := convertToolsToGemini(req.Tools); len(tools) > 0 {
		genConfig.Tools = tools
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var toolCalls []ToolCall
		_, result := infra.Retry(ctx, p.retry, func(ctx context.Context) (struct{}, error) {
			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, genConfig)
			for resp, err := range streamIter {
				if err != nil {
					return struct{}{}, err
				}
				if resp == nil {
					continue
				}
				for _, candidate := range resp.Candidates {
					if candidate == nil || candidate.Content == nil {
						continue
					}
					for _, part := range candidate.Content.Parts {
						if part == nil {
							continue
						}
						if part.Text != "" {
							out <- Chunk{Type: ChunkText, TextDelta: part.Text}
						}
						if part.FunctionCall != nil {
							argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
							if jsonErr != nil {
								argsJSON = []byte("{}")
							}
							toolCalls = append(toolCalls, ToolCall{
								Name:      part.FunctionCall.Name,
								Arguments: string(argsJSON),
							})
						}
					}
				}
			}
			return struct{}{}, nil
		})
		if result.LastError != nil {
			out <- Chunk{Type: ChunkError, Err: fmt.Errorf("providers: gemini stream: %w", result.LastError)}
			return
		}

		if len(toolCalls) > 0 {
			out <- Chunk{Type: ChunkToolCalls, ToolCalls: toolCalls}
		}
		out <- Chunk{Type: ChunkDone}
	}()

	return out, nil
}

func convertMessagesToGemini(messages []Message) ([]*genai.Content, string) {
	var system string
	var out []*genai.Content
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}

		content := &genai.Content{}
		switch m.Role {
		case "assistant":
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		if m.Role == "tool" {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.ToolCallID, Response: response},
			})
		}
		out = append(out, content)
	}
	return out, system
}

func convertToolsToGemini(tools []ToolSchema) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Parameters, &params)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: params,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
