// Package protocol implements spec component C10: the approval/HITL
// enhanced-string envelope that rides the message channel as a
// JSON-encoded control payload, plus the client-side sentinel tool names.
//
// Grounded on the teacher's internal/agent/approval.go ApprovalRequest /
// decision-enum shapes, adapted to the spec's discriminated envelope
// ({"__type": "tool_result", ...}).
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client-side sentinel function names. The LLM must never see either;
// the orchestrator's memory filter (spec §4.C9 PREPARE step 2) strips
// them before every call.
const (
	ToolRequestApproval    = "client.requestApproval"
	ToolHumanIntervention  = "client.humanIntervention"
)

// EnvelopeType discriminates control-message bodies.
const EnvelopeType = "tool_result"

// rawEnvelope is the wire shape of a control message body.
type rawEnvelope struct {
	Type       string `json:"__type"`
	ToolCallID string `json:"tool_call_id"`
	AgentID    string `json:"agentId"`
	Content    string `json:"content"`
}

// ApprovalDecision is the inner payload of an approval tool_result
// envelope.
type ApprovalDecision struct {
	Decision string `json:"decision"` // "approve" | "deny"
	Scope    string `json:"scope"`    // "once" | "session"
	ToolName string `json:"toolName"`
}

// HITLDecision is the inner payload of a HITL tool_result envelope.
type HITLDecision struct {
	Decision string `json:"decision"` // always "approve"
	Scope    string `json:"scope"`    // always "once"
	Choice   string `json:"choice"`
	ToolName string `json:"toolName"` // always ToolHumanIntervention
}

// ParsedMessage is the result of parsing a raw message body.
type ParsedMessage struct {
	// IsToolResult is true when raw was a well-formed tool_result envelope.
	IsToolResult bool

	// Role/Content/ToolCallID populate a chat-message row when
	// IsToolResult is true (Role is always "tool").
	Role       string
	Content    string
	ToolCallID string

	// TargetAgentID is the envelope's declared recipient (agentId). The
	// subscriber compares it with its own agent id so the reply reaches
	// exactly one agent; no mention text is added to the envelope. Empty
	// when IsToolResult is false.
	TargetAgentID string
}

// ParseMessageContent parses raw as a tool_result envelope. On success it
// returns a ParsedMessage with IsToolResult=true. On any parse failure
// (not JSON, wrong __type, missing required fields) it falls back to a
// plain message using defaultRole, matching the spec's backward
// compatibility requirement: "if the envelope is absent, the message is
// treated as plain user text."
func ParseMessageContent(raw string, defaultRole string) ParsedMessage {
	var env rawEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return ParsedMessage{Role: defaultRole, Content: raw}
	}
	if env.Type != EnvelopeType || env.ToolCallID == "" || env.AgentID == "" {
		return ParsedMessage{Role: defaultRole, Content: raw}
	}
	return ParsedMessage{
		IsToolResult:  true,
		Role:          "tool",
		Content:       env.Content,
		ToolCallID:    env.ToolCallID,
		TargetAgentID: env.AgentID,
	}
}

// ParseApprovalDecision decodes a tool_result envelope's inner content as
// an ApprovalDecision.
func ParseApprovalDecision(content string) (ApprovalDecision, error) {
	var d ApprovalDecision
	err := json.Unmarshal([]byte(content), &d)
	return d, err
}

// ParseHITLDecision decodes a tool_result envelope's inner content as a
// HITLDecision.
func ParseHITLDecision(content string) (HITLDecision, error) {
	var d HITLDecision
	err := json.Unmarshal([]byte(content), &d)
	return d, err
}

// OriginalToolCall is the real LLM-assigned tool call embedded inside a
// client.requestApproval/client.humanIntervention sentinel's Arguments
// (spec §4.C9 "originalToolCall"). Resolving a sentinel back to it is how
// the orchestrator/subscriber recover the id a resumed tool row must
// carry instead of the sentinel's own approval_.../hitl_... id.
type OriginalToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// sentinelArgs is the shape shared by both client.requestApproval and
// client.humanIntervention sentinel Arguments JSON.
type sentinelArgs struct {
	OriginalToolCall OriginalToolCall `json:"originalToolCall"`
}

// ParseOriginalToolCall extracts the originalToolCall embedded in a
// sentinel tool call's Arguments JSON.
func ParseOriginalToolCall(sentinelArgumentsJSON string) (OriginalToolCall, error) {
	var s sentinelArgs
	if err := json.Unmarshal([]byte(sentinelArgumentsJSON), &s); err != nil {
		return OriginalToolCall{}, fmt.Errorf("protocol: decode sentinel arguments: %w", err)
	}
	if s.OriginalToolCall.ID == "" {
		return OriginalToolCall{}, fmt.Errorf("protocol: sentinel arguments missing originalToolCall.id")
	}
	return s.OriginalToolCall, nil
}

// BuildEnvelope serializes a tool_result control message for publishing
// over the message channel (used by transports, exercised by tests here).
func BuildEnvelope(toolCallID, agentID, content string) (string, error) {
	env := rawEnvelope{
		Type:       EnvelopeType,
		ToolCallID: toolCallID,
		AgentID:    agentID,
		Content:    content,
	}
	b, err := json.Marshal(env)
	return string(b), err
}
