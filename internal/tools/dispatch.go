package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworld/core/internal/approval"
	"github.com/agentworld/core/internal/model"
)

// ErrUnknownTool is returned when a ToolCall names a tool not present in
// the Registry.
var ErrUnknownTool = errors.New("tools: unknown tool")

// HumanInterventionTool is the built-in tool name the orchestrator always
// transforms into a client.humanIntervention sentinel (spec §4.C9 step 1),
// never executing it directly.
const HumanInterventionTool = "human_intervention.request"

// Executor runs one tool call and returns its string result. emit, when
// non-nil, is called for intermediate progress/stream frames (long-running
// tools only); the orchestrator wires it to WorldToolEvent emission.
type Executor func(ctx context.Context, argsJSON string, emit StreamFunc) (result string, err error)

// StreamFunc receives one intermediate output chunk during a long-running
// tool execution, tagged "stdout" or "stderr".
type StreamFunc func(stream, chunk string)

// Definition describes one registered tool: its schema and whether
// invoking it requires human approval before execution.
type Definition struct {
	Name             string
	Description      string
	ArgSchema        []byte // raw JSON Schema, may be nil (no validation)
	RequiresApproval bool
	Execute          Executor
}

// Registry is the set of tools available to an agent's orchestrator turn.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Lookup returns the definition for name, if registered.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns every registered tool name, for schema attachment at
// CALL_LLM time.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	return out
}

// Outcome is the typed ToolDispatch variant the orchestrator switches on.
// Spec §9 explicitly redesigns the source's exception-based approval
// signaling into this typed return.
type Outcome struct {
	Kind           OutcomeKind
	Result         string   // set when Kind == KindExecuted
	ApprovalPrompt string   // set when Kind == KindNeedsApproval
	ApprovalOpts   []string // set when Kind == KindNeedsApproval
	HITLPrompt     string   // set when Kind == KindNeedsHITL
	HITLOptions    []string // set when Kind == KindNeedsHITL
	HITLContext    map[string]any
	Err            error // set when Kind == KindError
}

// OutcomeKind discriminates Outcome.
type OutcomeKind int

const (
	KindExecuted OutcomeKind = iota
	KindNeedsApproval
	KindNeedsHITL
	KindError
)

// Dispatch decides how to handle call for chatID and, for the Execute
// variant, actually runs the tool. This is the orchestrator's TOOL_CALLS
// step 1/2/3 decision, factored out so the orchestrator only switches on
// the returned Outcome (spec §9's typed-variant redesign).
func Dispatch(ctx context.Context, registry *Registry, cache *approval.Cache, chatID string, call model.ToolCall, emit StreamFunc) Outcome {
	if call.Name == HumanInterventionTool {
		var args struct {
			Prompt  string         `json:"prompt"`
			Options []string       `json:"options"`
			Context map[string]any `json:"context"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return Outcome{Kind: KindError, Err: fmt.Errorf("tools: decode human_intervention args: %w", err)}
		}
		return Outcome{Kind: KindNeedsHITL, HITLPrompt: args.Prompt, HITLOptions: args.Options, HITLContext: args.Context}
	}

	def, ok := registry.Lookup(call.Name)
	if !ok {
		return Outcome{Kind: KindError, Err: fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)}
	}

	if def.ArgSchema != nil {
		schema, err := CompileSchema(call.Name, def.ArgSchema)
		if err != nil {
			return Outcome{Kind: KindError, Err: err}
		}
		if err := schema.Validate(call.Arguments); err != nil {
			return Outcome{Kind: KindError, Err: err}
		}
	}

	if def.RequiresApproval && !cache.IsApproved(chatID, call.Name) {
		message := fmt.Sprintf("Approve tool call %q?", call.Name)
		return Outcome{Kind: KindNeedsApproval, ApprovalPrompt: message, ApprovalOpts: []string{"deny", "approve_once", "approve_session"}}
	}

	result, err := def.Execute(ctx, call.Arguments, emit)
	if err != nil {
		return Outcome{Kind: KindError, Err: err}
	}
	return Outcome{Kind: KindExecuted, Result: result}
}

// ExecuteApproved runs call's tool directly, bypassing the approval gate
// entirely. Used to resume a turn once a human has already approved a
// pending client.requestApproval sentinel (spec §4.C9 "Approval sentinel
// lifecycle"): the decision has already been made, so re-checking the
// approval cache here must not re-trigger another approval prompt for a
// once-scoped decision that was never written to the cache.
func ExecuteApproved(ctx context.Context, registry *Registry, call model.ToolCall, emit StreamFunc) (string, error) {
	def, ok := registry.Lookup(call.Name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	return def.Execute(ctx, call.Arguments, emit)
}
