package subscriber

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworld/core/internal/activity"
	"github.com/agentworld/core/internal/approval"
	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/llmqueue"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/orchestrator"
	"github.com/agentworld/core/internal/protocol"
	"github.com/agentworld/core/internal/providers"
	"github.com/agentworld/core/internal/storage"
	"github.com/agentworld/core/internal/tools"
)

// fakeProvider streams a fixed text reply once per call.
type fakeProvider struct {
	mu   sync.Mutex
	text string
	n    int
}

func (f *fakeProvider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.Chunk, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	ch := make(chan providers.Chunk, 2)
	ch <- providers.Chunk{Type: providers.ChunkText, TextDelta: f.text}
	ch <- providers.Chunk{Type: providers.ChunkDone}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// newTestRegistry registers a "shell_cmd" tool requiring approval, so
// tool-result resumption tests can exercise the real execute path.
func newTestRegistry() *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(tools.Definition{
		Name:             "shell_cmd",
		RequiresApproval: true,
		Execute: func(ctx context.Context, argsJSON string, emit tools.StreamFunc) (string, error) {
			return "ran:" + argsJSON, nil
		},
	})
	return registry
}

func newHarness(t *testing.T, agent *model.Agent) (*AgentSubscription, storage.Facade, *bus.Bus, *llmqueue.Queue) {
	t.Helper()
	store := storage.NewMemoryFacade()
	b := bus.New(nil)
	queue := llmqueue.New(nil, nil)
	tracker := activity.New("w1", b, nil, nil)
	approvals := approval.New()
	provider := &fakeProvider{text: "a reply"}
	registry := newTestRegistry()
	orch := orchestrator.New(store, b, registry, approvals, map[string]providers.LLMProvider{"fake": provider}, nil, nil)

	world := &model.World{ID: "w1", CurrentChat: "c1"}
	store.SaveWorld(context.Background(), world)
	store.SaveAgent(context.Background(), agent)

	sub := New(world, agent, store, b, queue, tracker, approvals, orch, registry, 3, nil)
	sub.Attach()
	return sub, store, b, queue
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHandleIgnoresMessagesFromOtherChats(t *testing.T) {
	agent := &model.Agent{ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: true}
	_, store, b, _ := newHarness(t, agent)

	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: "hi", Sender: "HUMAN", ChatID: "different-chat"})

	time.Sleep(20 * time.Millisecond)
	got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
	if len(got.Memory) != 0 {
		t.Fatalf("got %d memory rows, want 0: cross-chat message must be ignored", len(got.Memory))
	}
}

func TestHandlePersistsUserTurnEvenWhenNotResponding(t *testing.T) {
	agent := &model.Agent{ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: false}
	_, store, b, _ := newHarness(t, agent)

	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: "hi", Sender: "HUMAN", ChatID: "c1", MessageID: "m1"})

	waitFor(t, func() bool {
		got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
		return len(got.Memory) == 1
	})
}

func TestHandleDispatchesOrchestratorWhenMentioned(t *testing.T) {
	agent := &model.Agent{ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: false}
	_, store, b, _ := newHarness(t, agent)

	var published []bus.WorldMessageEvent
	var mu sync.Mutex
	b.On(bus.ChannelMessage, func(event any) {
		if ev, ok := event.(bus.WorldMessageEvent); ok {
			mu.Lock()
			published = append(published, ev)
			mu.Unlock()
		}
	})

	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: "@agent-a hello", Sender: "HUMAN", ChatID: "c1", MessageID: "m1"})

	waitFor(t, func() bool {
		got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
		return len(got.Memory) >= 2 // user row + assistant reply
	})
}

func TestHandleToolResultRejectsUnownedToolCallID(t *testing.T) {
	agent := &model.Agent{ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: false}
	_, _, b, _ := newHarness(t, agent)

	var systemMsg bus.WorldSystemEvent
	b.On(bus.ChannelSystem, func(event any) {
		if ev, ok := event.(bus.WorldSystemEvent); ok {
			systemMsg = ev
		}
	})

	envelope, err := protocol.BuildEnvelope("approval_unknown", "agent-a", `{"decision":"approve","scope":"once","toolName":"shell_cmd"}`)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: envelope, Sender: "HUMAN", ChatID: "c1"})

	waitFor(t, func() bool { return strings.Contains(systemMsg.Content, "not owned") })
}

func TestHandleToolResultAcceptsOwnedCallAndResumes(t *testing.T) {
	sentinelArgs := `{"originalToolCall":{"id":"call-1","name":"shell_cmd","args":{"cmd":"ls"}},"message":"Approve?","options":["deny","approve_once","approve_session"]}`
	agent := &model.Agent{
		ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: false,
		Memory: []model.ChatMessage{
			{
				Role:           model.RoleAssistant,
				ChatID:         "c1",
				ToolCalls:      []model.ToolCall{{ID: "call-1", Name: "shell_cmd", Arguments: `{"cmd":"ls"}`}},
				ToolCallStatus: map[string]model.ToolCallStatus{},
			},
			{
				Role:      model.RoleAssistant,
				ChatID:    "c1",
				ToolCalls: []model.ToolCall{{ID: "approval_abc", Name: "client.requestApproval", Arguments: sentinelArgs}},
			},
		},
	}
	_, store, b, _ := newHarness(t, agent)

	envelope, err := protocol.BuildEnvelope("approval_abc", "agent-a", `{"decision":"approve","scope":"once","toolName":"shell_cmd"}`)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: envelope, Sender: "HUMAN", ChatID: "c1"})

	waitFor(t, func() bool {
		got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
		for _, m := range got.Memory {
			if m.Role == model.RoleTool && m.ToolCallID == "call-1" {
				return m.Content == `ran:{"cmd":"ls"}`
			}
		}
		return false
	})

	got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
	for _, m := range got.Memory {
		if m.Role == model.RoleTool && m.ToolCallID == "approval_abc" {
			t.Fatalf("resumed tool row must be keyed by the original LLM tool_call_id, not the sentinel id: %+v", m)
		}
	}
}

func TestHandleToolResultDenialSkipsExecution(t *testing.T) {
	sentinelArgs := `{"originalToolCall":{"id":"call-2","name":"shell_cmd","args":{"cmd":"rm -rf /"}},"message":"Approve?","options":["deny","approve_once","approve_session"]}`
	agent := &model.Agent{
		ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: false,
		Memory: []model.ChatMessage{
			{Role: model.RoleAssistant, ChatID: "c1", ToolCalls: []model.ToolCall{{ID: "call-2", Name: "shell_cmd", Arguments: `{"cmd":"rm -rf /"}`}}},
			{Role: model.RoleAssistant, ChatID: "c1", ToolCalls: []model.ToolCall{{ID: "approval_deny", Name: "client.requestApproval", Arguments: sentinelArgs}}},
		},
	}
	_, store, b, _ := newHarness(t, agent)

	envelope, _ := protocol.BuildEnvelope("approval_deny", "agent-a", `{"decision":"deny","scope":"once","toolName":"shell_cmd"}`)
	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: envelope, Sender: "HUMAN", ChatID: "c1"})

	waitFor(t, func() bool {
		got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
		for _, m := range got.Memory {
			if m.Role == model.RoleTool && m.ToolCallID == "call-2" {
				return m.Content == "denied by user"
			}
		}
		return false
	})
}

func TestHandleToolResultHITLResumesWithOriginalCallIDAndChoice(t *testing.T) {
	sentinelArgs := `{"originalToolCall":{"id":"call-3","name":"human_intervention.request","args":{}},"prompt":"pick","options":["A","B"],"context":{}}`
	agent := &model.Agent{
		ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: false,
		Memory: []model.ChatMessage{
			{Role: model.RoleAssistant, ChatID: "c1", ToolCalls: []model.ToolCall{{ID: "call-3", Name: "human_intervention.request"}}},
			{Role: model.RoleAssistant, ChatID: "c1", ToolCalls: []model.ToolCall{{ID: "hitl_xyz", Name: "client.humanIntervention", Arguments: sentinelArgs}}},
		},
	}
	_, store, b, _ := newHarness(t, agent)

	envelope, _ := protocol.BuildEnvelope("hitl_xyz", "agent-a", `{"decision":"approve","scope":"once","choice":"B","toolName":"client.humanIntervention"}`)
	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: envelope, Sender: "HUMAN", ChatID: "c1"})

	waitFor(t, func() bool {
		got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
		for _, m := range got.Memory {
			if m.Role == model.RoleTool && m.ToolCallID == "call-3" {
				return m.Content == "B"
			}
		}
		return false
	})
}

func TestHandleToolResultSessionApprovalPopulatesCache(t *testing.T) {
	sentinelArgs := `{"originalToolCall":{"id":"call-4","name":"shell_cmd","args":{}},"message":"Approve?","options":["deny","approve_once","approve_session"]}`
	agent := &model.Agent{
		ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: false,
		Memory: []model.ChatMessage{
			{Role: model.RoleAssistant, ChatID: "c1", ToolCalls: []model.ToolCall{{ID: "call-4", Name: "shell_cmd", Arguments: "{}"}}},
			{Role: model.RoleAssistant, ChatID: "c1", ToolCalls: []model.ToolCall{{ID: "approval_xyz", Name: "client.requestApproval", Arguments: sentinelArgs}}},
		},
	}
	store := storage.NewMemoryFacade()
	b := bus.New(nil)
	queue := llmqueue.New(nil, nil)
	tracker := activity.New("w1", b, nil, nil)
	approvals := approval.New()
	provider := &fakeProvider{text: "ok"}
	registry := newTestRegistry()
	orch := orchestrator.New(store, b, registry, approvals, map[string]providers.LLMProvider{"fake": provider}, nil, nil)
	world := &model.World{ID: "w1", CurrentChat: "c1"}
	store.SaveWorld(context.Background(), world)
	store.SaveAgent(context.Background(), agent)
	sub := New(world, agent, store, b, queue, tracker, approvals, orch, registry, 3, nil)
	sub.Attach()

	envelope, _ := protocol.BuildEnvelope("approval_xyz", "agent-a", `{"decision":"approve","scope":"session","toolName":"shell_cmd"}`)
	b.Emit(bus.ChannelMessage, "", bus.WorldMessageEvent{Content: envelope, Sender: "HUMAN", ChatID: "c1"})

	waitFor(t, func() bool { return approvals.IsApproved("c1", "shell_cmd") })
}
