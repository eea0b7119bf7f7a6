package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/core/internal/model"
)

// ShellStore tracks ShellExecution records across their lifetime: a
// ShellExecution outlives its spawning orchestrator turn and is
// addressable by ExecutionID (spec §3). Safe for concurrent use.
//
// The built-in shell tool itself uses stdlib os/exec: the spec's
// ShellExecution entity is exactly "run a local command and capture its
// lifecycle," and no example repo wires a dedicated process-execution
// library for that narrow a concern (the teacher's only process
// sandboxing dependency, a microVM SDK, is out of proportion here).
type ShellStore struct {
	mu         sync.Mutex
	executions map[string]*model.ShellExecution
	cancels    map[string]context.CancelFunc
}

// NewShellStore creates an empty ShellStore.
func NewShellStore() *ShellStore {
	return &ShellStore{
		executions: make(map[string]*model.ShellExecution),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Get returns the execution record for id, if known.
func (s *ShellStore) Get(id string) (*model.ShellExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Cancel signals the running process for id to terminate, if still
// in-flight.
func (s *ShellStore) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Sweep deletes every terminal execution whose EndedAt is older than
// olderThan, returning how many were removed. Wired from
// internal/retention's cron-driven sweeper.
func (s *ShellStore) Sweep(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.executions {
		if e.IsTerminal() && e.EndedAt.Before(olderThan) {
			delete(s.executions, id)
			delete(s.cancels, id)
			removed++
		}
	}
	return removed
}

func (s *ShellStore) put(e *model.ShellExecution, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ExecutionID] = e
	if cancel != nil {
		s.cancels[e.ExecutionID] = cancel
	}
}

func (s *ShellStore) update(id string, mutate func(*model.ShellExecution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.executions[id]; ok {
		mutate(e)
	}
}

// ShellTool builds a Definition for the built-in shell_cmd tool,
// approval-required per spec S4 (running an arbitrary command is exactly
// the approval-gated example scenario).
func ShellTool(store *ShellStore, worldID, chatID string) Definition {
	schema := []byte(`{
		"type": "object",
		"properties": {"cmd": {"type": "string"}},
		"required": ["cmd"]
	}`)

	return Definition{
		Name:             "shell_cmd",
		Description:      "Run a shell command and return its combined output.",
		ArgSchema:        schema,
		RequiresApproval: true,
		Execute: func(ctx context.Context, argsJSON string, emit StreamFunc) (string, error) {
			var args struct {
				Cmd string `json:"cmd"`
			}
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return "", fmt.Errorf("tools: decode shell_cmd args: %w", err)
			}

			execID := uuid.NewString()
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			execRecord := &model.ShellExecution{
				ExecutionID: execID,
				WorldID:     worldID,
				ChatID:      chatID,
				State:       model.ShellQueued,
				Command:     args.Cmd,
				StartedAt:   time.Now(),
			}
			store.put(execRecord, cancel)

			store.update(execID, func(e *model.ShellExecution) { e.State = model.ShellStarting })

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", args.Cmd)
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return "", err
			}
			stderr, err := cmd.StderrPipe()
			if err != nil {
				return "", err
			}

			if err := cmd.Start(); err != nil {
				store.update(execID, func(e *model.ShellExecution) {
					e.State = model.ShellFailed
					e.EndedAt = time.Now()
				})
				return "", fmt.Errorf("tools: start shell_cmd: %w", err)
			}
			store.update(execID, func(e *model.ShellExecution) { e.State = model.ShellRunning })

			var wg sync.WaitGroup
			var outBuf, errBuf safeBuffer
			wg.Add(2)
			go streamPipe(&wg, stdout, "stdout", &outBuf, emit)
			go streamPipe(&wg, stderr, "stderr", &errBuf, emit)
			wg.Wait()

			waitErr := cmd.Wait()

			now := time.Now()
			switch {
			case runCtx.Err() != nil:
				store.update(execID, func(e *model.ShellExecution) {
					e.State = model.ShellCanceled
					e.EndedAt = now
					e.Stdout = outBuf.String()
					e.Stderr = errBuf.String()
				})
				return "", runCtx.Err()
			case waitErr != nil:
				exitCode := -1
				if ee, ok := waitErr.(*exec.ExitError); ok {
					exitCode = ee.ExitCode()
				}
				store.update(execID, func(e *model.ShellExecution) {
					e.State = model.ShellFailed
					e.EndedAt = now
					e.ExitCode = exitCode
					e.Stdout = outBuf.String()
					e.Stderr = errBuf.String()
				})
				return "", fmt.Errorf("tools: shell_cmd exited %d: %s", exitCode, errBuf.String())
			default:
				store.update(execID, func(e *model.ShellExecution) {
					e.State = model.ShellCompleted
					e.EndedAt = now
					e.ExitCode = 0
					e.Stdout = outBuf.String()
					e.Stderr = errBuf.String()
				})
				return outBuf.String(), nil
			}
		},
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func streamPipe(wg *sync.WaitGroup, pipe io.Reader, stream string, into *safeBuffer, emit StreamFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		into.Write([]byte(line + "\n"))
		if emit != nil {
			emit(stream, line)
		}
	}
}
