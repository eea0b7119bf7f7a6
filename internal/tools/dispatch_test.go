package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/agentworld/core/internal/approval"
	"github.com/agentworld/core/internal/model"
)

func TestDispatchUnknownToolReturnsKindError(t *testing.T) {
	registry := NewRegistry()
	cache := approval.New()

	outcome := Dispatch(context.Background(), registry, cache, "chat-1", model.ToolCall{ID: "1", Name: "nope", Arguments: "{}"}, nil)
	if outcome.Kind != KindError || !errors.Is(outcome.Err, ErrUnknownTool) {
		t.Fatalf("got %+v, want KindError wrapping ErrUnknownTool", outcome)
	}
}

func TestDispatchExecutesToolAndReturnsResult(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Definition{
		Name: "echo",
		Execute: func(ctx context.Context, argsJSON string, emit StreamFunc) (string, error) {
			return "echoed:" + argsJSON, nil
		},
	})
	cache := approval.New()

	outcome := Dispatch(context.Background(), registry, cache, "chat-1", model.ToolCall{ID: "1", Name: "echo", Arguments: `{"x":1}`}, nil)
	if outcome.Kind != KindExecuted || outcome.Result != `echoed:{"x":1}` {
		t.Fatalf("got %+v", outcome)
	}
}

func TestDispatchToolExecutionErrorReturnsKindError(t *testing.T) {
	registry := NewRegistry()
	wantErr := errors.New("boom")
	registry.Register(Definition{
		Name: "broken",
		Execute: func(ctx context.Context, argsJSON string, emit StreamFunc) (string, error) {
			return "", wantErr
		},
	})
	cache := approval.New()

	outcome := Dispatch(context.Background(), registry, cache, "chat-1", model.ToolCall{ID: "1", Name: "broken", Arguments: "{}"}, nil)
	if outcome.Kind != KindError || !errors.Is(outcome.Err, wantErr) {
		t.Fatalf("got %+v", outcome)
	}
}

func TestDispatchRequiresApprovalWhenUncached(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Definition{
		Name:             "dangerous",
		RequiresApproval: true,
		Execute: func(ctx context.Context, argsJSON string, emit StreamFunc) (string, error) {
			t.Fatal("execute must not run before approval")
			return "", nil
		},
	})
	cache := approval.New()

	outcome := Dispatch(context.Background(), registry, cache, "chat-1", model.ToolCall{ID: "1", Name: "dangerous", Arguments: "{}"}, nil)
	if outcome.Kind != KindNeedsApproval {
		t.Fatalf("got %+v, want KindNeedsApproval", outcome)
	}
	if len(outcome.ApprovalOpts) != 3 {
		t.Fatalf("got %v options, want 3", outcome.ApprovalOpts)
	}
}

func TestDispatchSkipsApprovalWhenCached(t *testing.T) {
	registry := NewRegistry()
	executed := false
	registry.Register(Definition{
		Name:             "dangerous",
		RequiresApproval: true,
		Execute: func(ctx context.Context, argsJSON string, emit StreamFunc) (string, error) {
			executed = true
			return "ran", nil
		},
	})
	cache := approval.New()
	cache.Set("chat-1", "dangerous", true)

	outcome := Dispatch(context.Background(), registry, cache, "chat-1", model.ToolCall{ID: "1", Name: "dangerous", Arguments: "{}"}, nil)
	if outcome.Kind != KindExecuted || !executed {
		t.Fatalf("got %+v, executed=%v, want executed once approval is cached", outcome, executed)
	}
}

func TestDispatchHumanInterventionNeverExecutesAsATool(t *testing.T) {
	registry := NewRegistry()
	cache := approval.New()

	call := model.ToolCall{ID: "1", Name: HumanInterventionTool, Arguments: `{"prompt":"pick one","options":["a","b"]}`}
	outcome := Dispatch(context.Background(), registry, cache, "chat-1", call, nil)
	if outcome.Kind != KindNeedsHITL || outcome.HITLPrompt != "pick one" {
		t.Fatalf("got %+v", outcome)
	}
}

func TestDispatchHumanInterventionMalformedArgsIsKindError(t *testing.T) {
	registry := NewRegistry()
	cache := approval.New()

	call := model.ToolCall{ID: "1", Name: HumanInterventionTool, Arguments: `not json`}
	outcome := Dispatch(context.Background(), registry, cache, "chat-1", call, nil)
	if outcome.Kind != KindError {
		t.Fatalf("got %+v, want KindError", outcome)
	}
}

func TestDispatchValidatesArgumentsAgainstSchema(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Definition{
		Name:      "typed",
		ArgSchema: []byte(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
		Execute: func(ctx context.Context, argsJSON string, emit StreamFunc) (string, error) {
			return "ok", nil
		},
	})
	cache := approval.New()

	bad := Dispatch(context.Background(), registry, cache, "chat-1", model.ToolCall{ID: "1", Name: "typed", Arguments: `{}`}, nil)
	if bad.Kind != KindError {
		t.Fatalf("got %+v, want KindError for missing required field", bad)
	}

	good := Dispatch(context.Background(), registry, cache, "chat-1", model.ToolCall{ID: "2", Name: "typed", Arguments: `{"path":"/tmp/x"}`}, nil)
	if good.Kind != KindExecuted {
		t.Fatalf("got %+v, want KindExecuted", good)
	}
}
