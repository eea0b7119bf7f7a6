package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentworld/core/internal/infra"
)

// BedrockProvider adapts the aws-sdk-go-v2 bedrockruntime client's
// ConverseStream API to the abstract LLMProvider interface. Grounded on
// the teacher's internal/agent/providers/bedrock.go.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        *infra.RetryConfig
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region       string
	DefaultModel string
	MaxRetries   int
}

// NewBedrockProvider builds a provider backed by the real AWS Bedrock
// runtime client, using the default AWS credential chain.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("providers: bedrock: load AWS config: %w", err)
	}

	retry := infra.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		retry:        retry,
	}, nil
}

// Stream implements LLMProvider.
func (p *BedrockProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, system := convertMessagesToBedrock(req.Messages)

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if req.MaxTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}

	stream, result := infra.Retry(ctx, p.retry, func(ctx context.Context) (*bedrockruntime.ConverseStreamOutput, error) {
		return p.client.ConverseStream(ctx, converseReq)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("providers: bedrock: %w", result.LastError)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		eventStream := stream.GetStream()
		defer eventStream.Close()

		var toolCalls []ToolCall
		var currentID, currentName string
		var argsBuilder strings.Builder

		for event := range eventStream.Events() {
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentID = aws.ToString(tu.Value.ToolUseId)
					currentName = aws.ToString(tu.Value.Name)
					argsBuilder.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- Chunk{Type: ChunkText, TextDelta: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						argsBuilder.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentID != "" {
					toolCalls = append(toolCalls, ToolCall{ID: currentID, Name: currentName, Arguments: argsBuilder.String()})
					currentID, currentName = "", ""
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				if len(toolCalls) > 0 {
					out <- Chunk{Type: ChunkToolCalls, ToolCalls: toolCalls}
				}
				out <- Chunk{Type: ChunkDone}
				return
			}
		}
		if err := eventStream.Err(); err != nil {
			out <- Chunk{Type: ChunkError, Err: fmt.Errorf("providers: bedrock stream: %w", err)}
			return
		}
		out <- Chunk{Type: ChunkDone}
	}()

	return out, nil
}

func convertMessagesToBedrock(messages []Message) ([]types.Message, string) {
	var system string
	var out []types.Message
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user", "assistant":
			role := types.ConversationRoleUser
			if m.Role == "assistant" {
				role = types.ConversationRoleAssistant
			}
			out = append(out, types.Message{
				Role:    role,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case "tool":
			out = append(out, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}},
			})
		}
	}
	return out, system
}
