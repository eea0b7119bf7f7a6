package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentworld/core/internal/model"
)

func TestShellToolExecutesCommandAndRecordsCompletion(t *testing.T) {
	store := NewShellStore()
	def := ShellTool(store, "w1", "c1")

	result, err := def.Execute(context.Background(), `{"cmd":"echo hello"}`, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(result) != "hello" {
		t.Fatalf("got %q", result)
	}
}

func TestShellToolRecordsNonZeroExit(t *testing.T) {
	store := NewShellStore()
	def := ShellTool(store, "w1", "c1")

	_, err := def.Execute(context.Background(), `{"cmd":"exit 3"}`, nil)
	if err == nil {
		t.Fatal("expected an error for a non-zero exit command")
	}
}

func TestShellToolStreamsOutputLines(t *testing.T) {
	store := NewShellStore()
	def := ShellTool(store, "w1", "c1")

	var lines []string
	_, err := def.Execute(context.Background(), `{"cmd":"printf 'a\nb\n'"}`, func(stream, chunk string) {
		lines = append(lines, chunk)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Fatalf("got %v, want [a b]", lines)
	}
}

func TestShellToolCancellationStopsCommand(t *testing.T) {
	store := NewShellStore()
	def := ShellTool(store, "w1", "c1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := def.Execute(ctx, `{"cmd":"sleep 5"}`, nil)
	if err == nil {
		t.Fatal("expected an error after the context was cancelled")
	}
}

func TestShellToolRejectsMalformedArgs(t *testing.T) {
	store := NewShellStore()
	def := ShellTool(store, "w1", "c1")

	if _, err := def.Execute(context.Background(), `not json`, nil); err == nil {
		t.Fatal("expected a decode error for malformed arguments")
	}
}

func TestShellStoreSweepRemovesOnlyOldTerminalExecutions(t *testing.T) {
	store := NewShellStore()
	old := &model.ShellExecution{ExecutionID: "old", State: model.ShellCompleted, EndedAt: time.Now().Add(-time.Hour)}
	recent := &model.ShellExecution{ExecutionID: "recent", State: model.ShellCompleted, EndedAt: time.Now()}
	running := &model.ShellExecution{ExecutionID: "running", State: model.ShellRunning}

	store.put(old, nil)
	store.put(recent, nil)
	store.put(running, nil)

	removed := store.Sweep(time.Now().Add(-time.Minute))
	if removed != 1 {
		t.Fatalf("got %d removed, want 1", removed)
	}
	if _, ok := store.Get("old"); ok {
		t.Fatal("expected old terminal execution to be swept")
	}
	if _, ok := store.Get("recent"); !ok {
		t.Fatal("recent terminal execution should survive the sweep window")
	}
	if _, ok := store.Get("running"); !ok {
		t.Fatal("non-terminal execution should never be swept")
	}
}

func TestShellStoreCancelSignalsRegisteredCancelFunc(t *testing.T) {
	store := NewShellStore()
	called := false
	store.put(&model.ShellExecution{ExecutionID: "e1", State: model.ShellRunning}, func() { called = true })

	if !store.Cancel("e1") {
		t.Fatal("expected Cancel to report true for a known execution")
	}
	if !called {
		t.Fatal("expected the registered cancel func to be invoked")
	}
	if store.Cancel("unknown") {
		t.Fatal("expected Cancel to report false for an unknown execution")
	}
}
