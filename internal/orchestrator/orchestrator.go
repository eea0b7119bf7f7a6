// Package orchestrator implements spec component C9: the per-LLM-turn
// state machine (PREPARE -> CALL_LLM -> TEXT|TOOL_CALLS) that drives one
// agent's response to one triggering message.
//
// Grounded on the teacher's internal/agent/runtime.go Process/run
// agentic loop (stream a completion, accumulate tool calls, execute them,
// loop back for another completion) and internal/agent/event_emitter.go's
// lifecycle-event shape, adapted from the teacher's session/message model
// onto this spec's world/chat/bus model, and from the teacher's
// exception-based approval flow onto the typed tools.Outcome redesign.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/core/internal/approval"
	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/config"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/observability"
	"github.com/agentworld/core/internal/protocol"
	"github.com/agentworld/core/internal/providers"
	"github.com/agentworld/core/internal/routing"
	"github.com/agentworld/core/internal/storage"
	"github.com/agentworld/core/internal/tools"
)

// Trigger carries the detail of the event that caused this turn to run.
type Trigger struct {
	SenderID        string // the originating event's sender, for auto-mention
	SenderMessageID string // the originating event's messageId, for replyToMessageId
	ChatID          string
}

// Orchestrator runs one agent's LLM turn to completion: streaming a
// response, executing any requested tools, and resuming until the turn
// reaches a terminal state (published text, an approval/HITL sentinel
// awaiting human input, or a provider error).
type Orchestrator struct {
	storage   storage.Facade
	bus       *bus.Bus
	registry  *tools.Registry
	approvals *approval.Cache
	providers map[string]providers.LLMProvider
	metrics   *observability.Metrics
	log       *observability.Logger
}

// New builds an Orchestrator. providerSet maps an agent's Provider field
// (e.g. "anthropic", "openai") to the concrete adapter to call.
func New(store storage.Facade, b *bus.Bus, registry *tools.Registry, approvals *approval.Cache, providerSet map[string]providers.LLMProvider, metrics *observability.Metrics, log *observability.Logger) *Orchestrator {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	return &Orchestrator{
		storage:   store,
		bus:       b,
		registry:  registry,
		approvals: approvals,
		providers: providerSet,
		metrics:   metrics,
		log:       log,
	}
}

// RunTurn drives agent's turn to completion. It is the WorkFunc body a
// caller submits to the LLM queue for (world.ID, trigger.ChatID); the
// caller is responsible for the activity tracker's Begin/End pair around
// this call.
func (o *Orchestrator) RunTurn(ctx context.Context, world *model.World, agent *model.Agent, trigger Trigger) {
	for {
		resume, err := o.runOneCompletion(ctx, world, agent, trigger)
		if err != nil {
			o.log.Error("orchestrator: turn failed", "world_id", world.ID, "agent_id", agent.ID, "chat_id", trigger.ChatID, "error", err)
			return
		}
		if !resume {
			return
		}
	}
}

// runOneCompletion executes one CALL_LLM cycle: PREPARE, stream a
// completion, and handle the TEXT or TOOL_CALLS branch. It returns
// resume=true when the turn should loop back into another CALL_LLM cycle
// (a tool executed successfully or returned an error the model may
// recover from).
func (o *Orchestrator) runOneCompletion(ctx context.Context, world *model.World, agent *model.Agent, trigger Trigger) (resume bool, err error) {
	provider, ok := o.providers[agent.Provider]
	if !ok {
		o.emitSystemError(trigger.ChatID, fmt.Sprintf("no provider registered for %q", agent.Provider))
		return false, fmt.Errorf("orchestrator: unknown provider %q", agent.Provider)
	}

	req := providers.CompletionRequest{
		Model:       agent.Model,
		Messages:    o.prepareMessages(world, agent),
		Tools:       o.toolSchemas(),
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	}

	stream, err := provider.Stream(ctx, req)
	if err != nil {
		o.emitSSEError(agent.ID, "", err.Error())
		o.emitSystemError(trigger.ChatID, "LLM call failed: "+err.Error())
		return false, err
	}

	assistantMsgID := uuid.NewString()
	o.bus.Emit(bus.ChannelSSE, string(bus.SSEStart), bus.WorldSSEEvent{AgentName: agent.ID, Type: bus.SSEStart, MessageID: assistantMsgID})

	var text strings.Builder
	var toolCalls []model.ToolCall
	aborted := false

drain:
	for {
		select {
		case <-ctx.Done():
			aborted = true
			break drain
		case chunk, ok := <-stream:
			if !ok {
				break drain
			}
			switch chunk.Type {
			case providers.ChunkText:
				if chunk.TextDelta != "" {
					text.WriteString(chunk.TextDelta)
					o.bus.Emit(bus.ChannelSSE, string(bus.SSEChunk), bus.WorldSSEEvent{AgentName: agent.ID, Type: bus.SSEChunk, Content: chunk.TextDelta, MessageID: assistantMsgID})
				}
			case providers.ChunkToolCalls:
				for _, tc := range chunk.ToolCalls {
					id := tc.ID
					if id == "" {
						id = uuid.NewString()
					}
					toolCalls = append(toolCalls, model.ToolCall{ID: id, Name: tc.Name, Arguments: tc.Arguments})
				}
			case providers.ChunkError:
				o.emitSSEError(agent.ID, assistantMsgID, chunk.Err.Error())
				o.emitSystemError(trigger.ChatID, "LLM stream error: "+chunk.Err.Error())
				return false, chunk.Err
			case providers.ChunkDone:
				break drain
			}
		}
	}

	if aborted {
		o.flushPartial(ctx, agent, trigger, assistantMsgID, text.String(), toolCalls)
		o.bus.Emit(bus.ChannelSSE, string(bus.SSEEnd), bus.WorldSSEEvent{AgentName: agent.ID, Type: bus.SSEEnd, MessageID: assistantMsgID, Aborted: true})
		return false, nil
	}

	if len(toolCalls) == 0 {
		return false, o.finishText(ctx, world, agent, trigger, assistantMsgID, text.String())
	}

	return o.handleToolCalls(ctx, agent, trigger, assistantMsgID, text.String(), toolCalls)
}

// prepareMessages implements PREPARE steps 1-2: resolve the templated
// system prompt and filter sentinel rows out of agent memory before it is
// shown to the LLM.
func (o *Orchestrator) prepareMessages(world *model.World, agent *model.Agent) []providers.Message {
	vars := config.ParseWorldVariables(world.Variables)
	var undefined []string
	system := config.SubstituteTemplate(agent.SystemPrompt, vars, &undefined)
	if len(undefined) > 0 {
		o.log.Debug("orchestrator: system prompt references undefined variables", "agent_id", agent.ID, "keys", undefined)
	}

	out := make([]providers.Message, 0, len(agent.Memory)+1)
	out = append(out, providers.Message{Role: string(model.RoleSystem), Content: system})

	for _, row := range agent.Memory {
		switch row.Role {
		case model.RoleAssistant:
			if len(row.ToolCalls) > 0 {
				kept := make([]model.ToolCall, 0, len(row.ToolCalls))
				for _, tc := range row.ToolCalls {
					if !tc.IsClientSentinel() {
						kept = append(kept, tc)
					}
				}
				if len(kept) == 0 {
					continue // entirely client.* sentinel row: drop
				}
				out = append(out, providers.Message{Role: "assistant", Content: row.Content, ToolCalls: convertToolCalls(kept)})
				continue
			}
			out = append(out, providers.Message{Role: "assistant", Content: row.Content})
		case model.RoleTool:
			if strings.HasPrefix(row.ToolCallID, "approval_") || strings.HasPrefix(row.ToolCallID, "hitl_") {
				continue
			}
			out = append(out, providers.Message{Role: "tool", Content: row.Content, ToolCallID: row.ToolCallID})
		default:
			out = append(out, providers.Message{Role: string(row.Role), Content: row.Content})
		}
	}
	return out
}

func convertToolCalls(in []model.ToolCall) []providers.ToolCall {
	out := make([]providers.ToolCall, 0, len(in))
	for _, tc := range in {
		out = append(out, providers.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}

// toolSchemas attaches every registered tool plus the always-available
// built-in HITL escape hatch (spec §4.C9 TOOL_CALLS step 1: the model may
// call human_intervention.request even though it is never executed
// directly).
func (o *Orchestrator) toolSchemas() []providers.ToolSchema {
	names := o.registry.Names()
	out := make([]providers.ToolSchema, 0, len(names)+1)
	for _, name := range names {
		def, ok := o.registry.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, providers.ToolSchema{Name: def.Name, Description: def.Description, Parameters: def.ArgSchema})
	}
	out = append(out, providers.ToolSchema{
		Name:        tools.HumanInterventionTool,
		Description: "Ask a human to make a decision or provide information before continuing.",
		Parameters:  []byte(`{"type":"object","properties":{"prompt":{"type":"string"},"options":{"type":"array","items":{"type":"string"}},"context":{"type":"object"}},"required":["prompt"]}`),
	})
	return out
}

// finishText implements the TEXT branch: auto-mention, append, persist,
// publish.
func (o *Orchestrator) finishText(ctx context.Context, world *model.World, agent *model.Agent, trigger Trigger, messageID, text string) error {
	publishText := text
	if !strings.EqualFold(trigger.SenderID, routing.HumanSender) && trigger.SenderID != "" {
		if len(routing.ExtractParagraphBeginningMentions(text)) == 0 {
			publishText = "@" + trigger.SenderID + ", " + text
		}
	}

	now := time.Now()
	agent.Memory = append(agent.Memory, model.ChatMessage{
		Role:      model.RoleAssistant,
		Content:   text,
		Sender:    agent.ID,
		MessageID: messageID,
		ChatID:    trigger.ChatID,
		CreatedAt: now,
	})
	if err := o.storage.SaveAgent(ctx, agent); err != nil {
		o.emitSystemError(trigger.ChatID, "failed to persist agent memory: "+err.Error())
		return err
	}

	o.bus.Emit(bus.ChannelSSE, string(bus.SSEEnd), bus.WorldSSEEvent{AgentName: agent.ID, Type: bus.SSEEnd, MessageID: messageID})
	o.bus.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{
		Content:          publishText,
		Sender:           agent.ID,
		MessageID:        messageID,
		Timestamp:        now,
		ChatID:           trigger.ChatID,
		ReplyToMessageID: trigger.SenderMessageID,
	})
	return nil
}

// flushPartial persists whatever the turn produced before cancellation,
// per spec §7's cancellation semantics ("flush partial assistant row, no
// resume").
func (o *Orchestrator) flushPartial(ctx context.Context, agent *model.Agent, trigger Trigger, messageID, text string, toolCalls []model.ToolCall) {
	if text == "" && len(toolCalls) == 0 {
		return
	}
	agent.Memory = append(agent.Memory, model.ChatMessage{
		Role:      model.RoleAssistant,
		Content:   text,
		Sender:    agent.ID,
		MessageID: messageID,
		ChatID:    trigger.ChatID,
		CreatedAt: time.Now(),
		ToolCalls: toolCalls,
	})
	if err := o.storage.SaveAgent(ctx, agent); err != nil {
		o.log.Error("orchestrator: failed to flush partial turn", "agent_id", agent.ID, "error", err)
	}
}

// handleToolCalls implements the TOOL_CALLS branch, dispatching each call
// in order and stopping at the first one that requires approval or HITL.
func (o *Orchestrator) handleToolCalls(ctx context.Context, agent *model.Agent, trigger Trigger, assistantMsgID, text string, calls []model.ToolCall) (resume bool, err error) {
	now := time.Now()
	assistantRow := model.ChatMessage{
		Role:           model.RoleAssistant,
		Content:        text,
		Sender:         agent.ID,
		MessageID:      assistantMsgID,
		ChatID:         trigger.ChatID,
		CreatedAt:      now,
		ToolCalls:      calls,
		ToolCallStatus: make(map[string]model.ToolCallStatus),
	}
	agent.Memory = append(agent.Memory, assistantRow)
	rowIdx := len(agent.Memory) - 1

	anyExecuted := false

	for _, call := range calls {
		if o.willExecute(trigger.ChatID, call) {
			execID := call.ID
			o.bus.Emit(bus.ChannelWorld, string(bus.ToolStart), bus.WorldToolEvent{AgentName: agent.ID, Type: bus.ToolStart, MessageID: assistantMsgID, ChatID: trigger.ChatID, ToolExecution: bus.ToolExecution{ExecutionID: execID, ToolName: call.Name, Args: call.Arguments}})
		}

		outcome := tools.Dispatch(ctx, o.registry, o.approvals, trigger.ChatID, call, func(stream, chunk string) {
			o.bus.Emit(bus.ChannelWorld, string(bus.ToolStream), bus.WorldToolEvent{AgentName: agent.ID, Type: bus.ToolStream, MessageID: assistantMsgID, ChatID: trigger.ChatID, ToolExecution: bus.ToolExecution{ExecutionID: call.ID, ToolName: call.Name, Stream: stream, Result: chunk}})
		})

		switch outcome.Kind {
		case tools.KindNeedsHITL:
			return false, o.emitHITLSentinel(ctx, agent, trigger, call, outcome)
		case tools.KindNeedsApproval:
			return false, o.emitApprovalSentinel(ctx, agent, trigger, call, outcome)
		case tools.KindExecuted:
			o.bus.Emit(bus.ChannelWorld, string(bus.ToolResult), bus.WorldToolEvent{AgentName: agent.ID, Type: bus.ToolResult, MessageID: assistantMsgID, ChatID: trigger.ChatID, ToolExecution: bus.ToolExecution{ExecutionID: call.ID, ToolName: call.Name, Result: outcome.Result}})
			o.appendToolRow(agent, rowIdx, trigger, call.ID, outcome.Result)
			anyExecuted = true
		case tools.KindError:
			errBody := fmt.Sprintf(`{"error": %q}`, outcome.Err.Error())
			o.bus.Emit(bus.ChannelWorld, string(bus.ToolError), bus.WorldToolEvent{AgentName: agent.ID, Type: bus.ToolError, MessageID: assistantMsgID, ChatID: trigger.ChatID, ToolExecution: bus.ToolExecution{ExecutionID: call.ID, ToolName: call.Name, Result: errBody}})
			o.appendToolRow(agent, rowIdx, trigger, call.ID, errBody)
			anyExecuted = true
		}
	}

	if err := o.storage.SaveAgent(ctx, agent); err != nil {
		o.emitSystemError(trigger.ChatID, "failed to persist agent memory: "+err.Error())
		return false, err
	}
	return anyExecuted, nil
}

// willExecute mirrors tools.Dispatch's gating decision without running the
// tool, so the orchestrator can bracket actual executions with
// tool-start/tool-result events and skip that bracket for calls that will
// turn into an approval or HITL sentinel instead.
func (o *Orchestrator) willExecute(chatID string, call model.ToolCall) bool {
	if call.Name == tools.HumanInterventionTool {
		return false
	}
	def, ok := o.registry.Lookup(call.Name)
	if !ok {
		return false
	}
	if def.RequiresApproval && !o.approvals.IsApproved(chatID, call.Name) {
		return false
	}
	return true
}

func (o *Orchestrator) appendToolRow(agent *model.Agent, assistantRowIdx int, trigger Trigger, toolCallID, result string) {
	agent.Memory = append(agent.Memory, model.ChatMessage{
		Role:       model.RoleTool,
		Content:    result,
		ToolCallID: toolCallID,
		ChatID:     trigger.ChatID,
		CreatedAt:  time.Now(),
	})
	if agent.Memory[assistantRowIdx].ToolCallStatus == nil {
		agent.Memory[assistantRowIdx].ToolCallStatus = make(map[string]model.ToolCallStatus)
	}
	agent.Memory[assistantRowIdx].ToolCallStatus[toolCallID] = model.ToolCallStatus{Complete: true, Result: result}
}

// emitApprovalSentinel implements TOOL_CALLS step 2: transform the
// pending call into a client.requestApproval sentinel and end the turn.
func (o *Orchestrator) emitApprovalSentinel(ctx context.Context, agent *model.Agent, trigger Trigger, call model.ToolCall, outcome tools.Outcome) error {
	sentinelID := "approval_" + uuid.NewString()
	args := fmt.Sprintf(
		`{"originalToolCall":{"id":%q,"name":%q,"args":%s},"message":%q,"options":["deny","approve_once","approve_session"]}`,
		call.ID, call.Name, jsonOrEmptyObject(call.Arguments), outcome.ApprovalPrompt,
	)
	return o.emitSentinel(ctx, agent, trigger, protocol.ToolRequestApproval, sentinelID, args)
}

// emitHITLSentinel implements TOOL_CALLS step 1: transform the built-in
// human_intervention.request call into a client.humanIntervention
// sentinel and end the turn.
func (o *Orchestrator) emitHITLSentinel(ctx context.Context, agent *model.Agent, trigger Trigger, call model.ToolCall, outcome tools.Outcome) error {
	sentinelID := "hitl_" + uuid.NewString()
	contextJSON, err := marshalContext(outcome.HITLContext)
	if err != nil {
		contextJSON = "{}"
	}
	args := fmt.Sprintf(
		`{"originalToolCall":{"id":%q,"name":%q,"args":%s},"prompt":%q,"options":%s,"context":%s}`,
		call.ID, call.Name, jsonOrEmptyObject(call.Arguments), outcome.HITLPrompt, jsonStringArray(outcome.HITLOptions), contextJSON,
	)
	return o.emitSentinel(ctx, agent, trigger, protocol.ToolHumanIntervention, sentinelID, args)
}

func (o *Orchestrator) emitSentinel(ctx context.Context, agent *model.Agent, trigger Trigger, fnName, sentinelID, argsJSON string) error {
	messageID := uuid.NewString()
	now := time.Now()
	agent.Memory = append(agent.Memory, model.ChatMessage{
		Role:      model.RoleAssistant,
		Sender:    agent.ID,
		MessageID: messageID,
		ChatID:    trigger.ChatID,
		CreatedAt: now,
		ToolCalls: []model.ToolCall{{ID: sentinelID, Name: fnName, Arguments: argsJSON}},
	})
	if err := o.storage.SaveAgent(ctx, agent); err != nil {
		o.emitSystemError(trigger.ChatID, "failed to persist agent memory: "+err.Error())
		return err
	}
	// The published content carries the whole sentinel call (id, function
	// name, arguments), so a transport can surface it and reply under the
	// sentinel id.
	content, _ := json.Marshal(map[string]any{
		"tool_calls": []map[string]string{{"id": sentinelID, "name": fnName, "arguments": argsJSON}},
	})
	o.bus.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{
		Content:          string(content),
		Sender:           agent.ID,
		MessageID:        messageID,
		Timestamp:        now,
		ChatID:           trigger.ChatID,
		ReplyToMessageID: trigger.SenderMessageID,
	})
	return nil
}

func (o *Orchestrator) emitSSEError(agentID, messageID, errText string) {
	o.bus.Emit(bus.ChannelSSE, string(bus.SSEError), bus.WorldSSEEvent{AgentName: agentID, Type: bus.SSEError, Error: errText, MessageID: messageID})
}

func (o *Orchestrator) emitSystemError(chatID, content string) {
	o.bus.Emit(bus.ChannelSystem, "", bus.WorldSystemEvent{Content: content, ChatID: chatID, Timestamp: time.Now()})
}

func marshalContext(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func jsonOrEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

func jsonStringArray(items []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, it := range items {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf("%q", it))
	}
	b.WriteByte(']')
	return b.String()
}
