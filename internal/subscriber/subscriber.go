// Package subscriber implements spec component C8: one message-channel
// subscription per loaded agent, deciding whether to persist an incoming
// turn, dispatch it to the orchestrator, or route it to the tool-result
// handler.
//
// Grounded on the teacher's internal/channels package subscription shape
// (one handler registered per loaded participant, detached on unload) and
// internal/agent/approval.go's tool-result correlation-by-id check,
// adapted onto this spec's bus/mention-routing model.
package subscriber

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworld/core/internal/activity"
	"github.com/agentworld/core/internal/approval"
	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/llmqueue"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/observability"
	"github.com/agentworld/core/internal/orchestrator"
	"github.com/agentworld/core/internal/protocol"
	"github.com/agentworld/core/internal/routing"
	"github.com/agentworld/core/internal/storage"
	"github.com/agentworld/core/internal/tools"
)

// AgentSubscription attaches and detaches the message-channel handler for
// one loaded agent within one world.
type AgentSubscription struct {
	world     *model.World
	agent     *model.Agent
	storage   storage.Facade
	bus       *bus.Bus
	queue     *llmqueue.Queue
	tracker   *activity.Tracker
	approvals *approval.Cache
	orch      *orchestrator.Orchestrator
	registry  *tools.Registry
	turnLimit int
	log       *observability.Logger

	unsub func()
}

// New builds a subscription for agent in world. Attach registers its
// handler on the bus; Detach removes it. registry is the same tool
// registry the world's orchestrator uses, needed here to actually run a
// tool once a pending approval sentinel is resolved.
func New(world *model.World, agent *model.Agent, store storage.Facade, b *bus.Bus, queue *llmqueue.Queue, tracker *activity.Tracker, approvals *approval.Cache, orch *orchestrator.Orchestrator, registry *tools.Registry, turnLimit int, log *observability.Logger) *AgentSubscription {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	if turnLimit <= 0 {
		turnLimit = routing.DefaultTurnLimit
	}
	return &AgentSubscription{
		world: world, agent: agent, storage: store, bus: b, queue: queue,
		tracker: tracker, approvals: approvals, orch: orch, registry: registry, turnLimit: turnLimit, log: log,
	}
}

// Attach registers this agent's message-channel handler.
func (s *AgentSubscription) Attach() {
	s.unsub = s.bus.On(bus.ChannelMessage, func(event any) {
		msgEvent, ok := event.(bus.WorldMessageEvent)
		if !ok {
			return
		}
		s.handle(msgEvent)
	})
}

// Detach removes this agent's message-channel handler.
func (s *AgentSubscription) Detach() {
	if s.unsub != nil {
		s.unsub()
	}
}

func (s *AgentSubscription) handle(event bus.WorldMessageEvent) {
	// 1. cross-chat isolation
	if event.ChatID != s.world.CurrentChat {
		return
	}

	// 2. envelope parsing
	parsed := protocol.ParseMessageContent(event.Content, string(model.RoleUser))
	if parsed.IsToolResult {
		if parsed.TargetAgentID != "" && !strings.EqualFold(parsed.TargetAgentID, s.agent.ID) {
			return // addressed to a different agent
		}
		s.handleToolResult(event, parsed)
		return
	}

	// 3. shouldAgentRespond
	view := routing.AgentView{ID: s.agent.ID, AutoReply: s.agent.AutoReply}
	msgView := routing.MessageEvent{Content: event.Content, Sender: event.Sender, MessageID: event.MessageID}
	turnCount := routing.ConsecutiveTurnCount(toHistoryRows(s.agent.Memory), s.agent.ID)

	respond := routing.ShouldAgentRespond(view, msgView, turnCount, s.turnLimit)

	s.agent.Memory = append(s.agent.Memory, model.ChatMessage{
		Role:             model.RoleUser,
		Content:          event.Content,
		Sender:           event.Sender,
		MessageID:        event.MessageID,
		ReplyToMessageID: event.ReplyToMessageID,
		ChatID:           event.ChatID,
		CreatedAt:        event.Timestamp,
	})
	if err := s.storage.SaveAgent(context.Background(), s.agent); err != nil {
		s.log.Error("subscriber: failed to persist user turn", "agent_id", s.agent.ID, "error", err)
	}

	if !respond {
		if turnCount >= s.turnLimit && s.turnLimit > 0 {
			s.bus.Emit(bus.ChannelSystem, "", bus.WorldSystemEvent{
				Content: fmt.Sprintf("turn limit reached for agent %s", s.agent.ID), ChatID: event.ChatID, Timestamp: time.Now(),
			})
		}
		return
	}

	// 4. submit orchestrator work, bump activity
	s.dispatch(orchestrator.Trigger{SenderID: event.Sender, SenderMessageID: event.MessageID, ChatID: event.ChatID})
}

// handleToolResult implements C8's tool-result sub-handler: find the
// matching sentinel assistant row by tool_call_id, resolve the decision
// (executing the gated tool on approval, or recording the human's HITL
// choice), append a tool row addressed to the *original* LLM-assigned
// tool call id, mark the call complete, and resume the agent.
func (s *AgentSubscription) handleToolResult(event bus.WorldMessageEvent, parsed protocol.ParsedMessage) {
	owned := false
	sentinelRowIdx, sentinelCallIdx := -1, -1
	for i := range s.agent.Memory {
		row := s.agent.Memory[i]
		if row.Role != model.RoleAssistant {
			continue
		}
		for j, tc := range row.ToolCalls {
			if tc.ID == parsed.ToolCallID {
				owned = true
				sentinelRowIdx, sentinelCallIdx = i, j
			}
		}
	}
	if !owned {
		s.bus.Emit(bus.ChannelSystem, "", bus.WorldSystemEvent{
			Content: fmt.Sprintf("rejected tool result: tool_call_id %q not owned by agent %s", parsed.ToolCallID, s.agent.ID),
			ChatID:  event.ChatID, Timestamp: time.Now(),
		})
		return
	}
	sentinelArgs := s.agent.Memory[sentinelRowIdx].ToolCalls[sentinelCallIdx].Arguments

	resolved, err := s.resolveToolResult(event.ChatID, sentinelArgs, parsed)
	if err != nil {
		s.bus.Emit(bus.ChannelSystem, "", bus.WorldSystemEvent{
			Content: fmt.Sprintf("malformed tool result for %q: %v", parsed.ToolCallID, err),
			ChatID:  event.ChatID, Timestamp: time.Now(),
		})
		return
	}

	s.agent.Memory = append(s.agent.Memory, model.ChatMessage{
		Role:       model.RoleTool,
		Content:    resolved.content,
		ToolCallID: resolved.toolCallID,
		ChatID:     event.ChatID,
		CreatedAt:  time.Now(),
	})
	s.markToolCallComplete(resolved.toolCallID, resolved.content)

	if err := s.storage.SaveAgent(context.Background(), s.agent); err != nil {
		s.log.Error("subscriber: failed to persist tool result", "agent_id", s.agent.ID, "error", err)
		return
	}

	s.dispatch(orchestrator.Trigger{SenderID: event.Sender, SenderMessageID: event.MessageID, ChatID: event.ChatID})
}

// resolvedToolResult is what a tool_result envelope resolves to: the
// content and tool_call_id the resumed tool row must carry.
type resolvedToolResult struct {
	toolCallID string
	content    string
}

// markToolCallComplete records completion against whichever assistant
// row actually issued toolCallID (the original LLM-assigned id, not the
// sentinel id), so ToolCallStatus reflects the call the model knows
// about.
func (s *AgentSubscription) markToolCallComplete(toolCallID, result string) {
	for i := range s.agent.Memory {
		row := &s.agent.Memory[i]
		if row.Role != model.RoleAssistant {
			continue
		}
		for _, tc := range row.ToolCalls {
			if tc.ID == toolCallID {
				if row.ToolCallStatus == nil {
					row.ToolCallStatus = make(map[string]model.ToolCallStatus)
				}
				row.ToolCallStatus[toolCallID] = model.ToolCallStatus{Complete: true, Result: result}
				return
			}
		}
	}
}

// resolveToolResult implements spec §4.C9's "Approval sentinel lifecycle"
// and HITL resumption: on approval it executes the original gated tool
// call (embedded in the sentinel's own Arguments) and returns its real
// result, addressed to the original LLM-assigned tool_call_id; on denial
// it returns a short denial string addressed the same way; on a HITL
// reply it returns the human's chosen option text with nothing executed.
func (s *AgentSubscription) resolveToolResult(chatID, sentinelArgsJSON string, parsed protocol.ParsedMessage) (resolvedToolResult, error) {
	switch {
	case strings.HasPrefix(parsed.ToolCallID, "approval_"):
		decision, err := protocol.ParseApprovalDecision(parsed.Content)
		if err != nil {
			return resolvedToolResult{}, err
		}
		original, err := protocol.ParseOriginalToolCall(sentinelArgsJSON)
		if err != nil {
			return resolvedToolResult{}, err
		}
		if decision.Decision == "deny" {
			return resolvedToolResult{toolCallID: original.ID, content: "denied by user"}, nil
		}
		if decision.Scope == "session" {
			s.approvals.Set(chatID, decision.ToolName, true)
		}
		argsJSON := string(original.Args)
		if strings.TrimSpace(argsJSON) == "" {
			argsJSON = "{}"
		}
		result, execErr := tools.ExecuteApproved(context.Background(), s.registry, model.ToolCall{
			ID: original.ID, Name: original.Name, Arguments: argsJSON,
		}, nil)
		if execErr != nil {
			return resolvedToolResult{toolCallID: original.ID, content: fmt.Sprintf(`{"error": %q}`, execErr.Error())}, nil
		}
		return resolvedToolResult{toolCallID: original.ID, content: result}, nil

	case strings.HasPrefix(parsed.ToolCallID, "hitl_"):
		decision, err := protocol.ParseHITLDecision(parsed.Content)
		if err != nil {
			return resolvedToolResult{}, err
		}
		original, err := protocol.ParseOriginalToolCall(sentinelArgsJSON)
		if err != nil {
			return resolvedToolResult{}, err
		}
		return resolvedToolResult{toolCallID: original.ID, content: decision.Choice}, nil

	default:
		return resolvedToolResult{toolCallID: parsed.ToolCallID, content: parsed.Content}, nil
	}
}

func (s *AgentSubscription) dispatch(trigger orchestrator.Trigger) {
	s.tracker.Begin(s.agent.ID)
	s.queue.Submit(s.world.ID, trigger.ChatID, func(ctx context.Context) {
		defer s.tracker.End(s.agent.ID)
		s.orch.RunTurn(ctx, s.world, s.agent, trigger)
	})
}

func toHistoryRows(memory []model.ChatMessage) []routing.HistoryRow {
	out := make([]routing.HistoryRow, 0, len(memory))
	for _, m := range memory {
		out = append(out, routing.HistoryRow{Role: string(m.Role), Sender: m.Sender})
	}
	return out
}
