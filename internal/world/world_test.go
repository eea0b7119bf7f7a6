package world

import (
	"context"
	"testing"
	"time"

	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/llmqueue"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/protocol"
	"github.com/agentworld/core/internal/providers"
	"github.com/agentworld/core/internal/storage"
	"github.com/agentworld/core/internal/tools"
)

type fakeProvider struct{ text string }

func (f *fakeProvider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.Chunk, error) {
	ch := make(chan providers.Chunk, 2)
	ch <- providers.Chunk{Type: providers.ChunkText, TextDelta: f.text}
	ch <- providers.Chunk{Type: providers.ChunkDone}
	close(ch)
	return ch, nil
}

func seedWorld(t *testing.T, store storage.Facade) {
	t.Helper()
	ctx := context.Background()
	if err := store.SaveWorld(ctx, &model.World{ID: "w1", CurrentChat: "c1"}); err != nil {
		t.Fatalf("SaveWorld: %v", err)
	}
	if err := store.SaveAgent(ctx, &model.Agent{ID: "agent-a", WorldID: "w1", Provider: "fake", AutoReply: true}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := store.SaveChat(ctx, &model.Chat{ID: "c1", WorldID: "w1", Title: model.DefaultChatTitle}); err != nil {
		t.Fatalf("SaveChat: %v", err)
	}
}

func newTestManager(t *testing.T) (*Manager, storage.Facade) {
	t.Helper()
	store := storage.NewMemoryFacade()
	seedWorld(t, store)
	mgr := NewManager(store, tools.NewRegistry(), map[string]providers.LLMProvider{"fake": &fakeProvider{text: "hi"}}, nil, nil, 3, storage.Sync, "", "")
	return mgr, store
}

func TestSubscribeWorldIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	h1, err := mgr.SubscribeWorld(context.Background(), "w1")
	if err != nil {
		t.Fatalf("SubscribeWorld: %v", err)
	}
	h2, err := mgr.SubscribeWorld(context.Background(), "w1")
	if err != nil {
		t.Fatalf("SubscribeWorld (second call): %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the second SubscribeWorld call to return the same handle")
	}
}

func TestSubscribeWorldUnknownWorldErrors(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.SubscribeWorld(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error subscribing to a world that was never saved")
	}
}

func TestPublishMessageDispatchesAgentResponse(t *testing.T) {
	mgr, store := newTestManager(t)
	h, err := mgr.SubscribeWorld(context.Background(), "w1")
	if err != nil {
		t.Fatalf("SubscribeWorld: %v", err)
	}

	mgr.PublishMessage(h, "hello everyone", "HUMAN", PublishMessageOpts{ChatID: "c1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.LoadAgent(context.Background(), "w1", "agent-a")
		if len(got.Memory) >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent never recorded a reply to the published message")
}

func TestPublishToolResultWrapsEnvelopeAndAddressesAgent(t *testing.T) {
	mgr, _ := newTestManager(t)
	h, err := mgr.SubscribeWorld(context.Background(), "w1")
	if err != nil {
		t.Fatalf("SubscribeWorld: %v", err)
	}

	var captured string
	unsub := mgr.SubscribeSSE(h, bus.ChannelMessage, func(event any) {
		if ev, ok := event.(bus.WorldMessageEvent); ok {
			captured = ev.Content
		}
	})
	defer unsub()

	err = mgr.PublishToolResult(h, "agent-a", ToolResultData{ToolCallID: "approval_1", Content: `{"decision":"approve","scope":"once","toolName":"shell_cmd"}`})
	if err != nil {
		t.Fatalf("PublishToolResult: %v", err)
	}

	parsed := protocol.ParseMessageContent(captured, "user")
	if !parsed.IsToolResult {
		t.Fatalf("got content %q, want a valid tool_result envelope surviving the publish unmodified", captured)
	}
	if parsed.TargetAgentID != "agent-a" {
		t.Fatalf("got target agent %q, want agent-a", parsed.TargetAgentID)
	}
	if parsed.ToolCallID != "approval_1" {
		t.Fatalf("got tool_call_id %q, want approval_1", parsed.ToolCallID)
	}
}

func TestStopMessageNoActiveProcessStatus(t *testing.T) {
	mgr, _ := newTestManager(t)
	h, err := mgr.SubscribeWorld(context.Background(), "w1")
	if err != nil {
		t.Fatalf("SubscribeWorld: %v", err)
	}

	status := mgr.StopMessage(h, "c1")
	if status != StopStatusNoActiveProcess {
		t.Fatalf("got %v, want no-active-process for an idle chat", status)
	}
}

func TestStopMessageStopsRunningChat(t *testing.T) {
	mgr, _ := newTestManager(t)
	h, err := mgr.SubscribeWorld(context.Background(), "w1")
	if err != nil {
		t.Fatalf("SubscribeWorld: %v", err)
	}

	started := make(chan struct{})
	h.queue.Submit("w1", "c1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	status := mgr.StopMessage(h, "c1")
	if status != StopStatusStopped {
		t.Fatalf("got %v, want stopped", status)
	}
}

func TestUnsubscribeWorldDetachesAgentsAndForgetsHandle(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.SubscribeWorld(context.Background(), "w1")
	if err != nil {
		t.Fatalf("SubscribeWorld: %v", err)
	}

	mgr.UnsubscribeWorld("w1")

	if err := mgr.LoadAgent("w1", &model.Agent{ID: "agent-b", WorldID: "w1"}); err != ErrWorldNotLoaded {
		t.Fatalf("got %v, want ErrWorldNotLoaded after UnsubscribeWorld", err)
	}
}

func TestLoadAgentOnUnloadedWorldErrors(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.LoadAgent("never-subscribed", &model.Agent{ID: "x"}); err != ErrWorldNotLoaded {
		t.Fatalf("got %v, want ErrWorldNotLoaded", err)
	}
}

var _ = llmqueue.ErrNoActiveRun
