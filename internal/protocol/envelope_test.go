package protocol

import "testing"

func TestParseMessageContentPlainTextFallback(t *testing.T) {
	parsed := ParseMessageContent("just a regular message", "user")
	if parsed.IsToolResult {
		t.Fatal("plain text should not parse as a tool_result envelope")
	}
	if parsed.Role != "user" || parsed.Content != "just a regular message" {
		t.Fatalf("got %+v", parsed)
	}
}

func TestParseMessageContentMalformedJSONFallsBack(t *testing.T) {
	parsed := ParseMessageContent(`{"__type": "tool_result"`, "user")
	if parsed.IsToolResult {
		t.Fatal("truncated JSON should fall back to plain text")
	}
}

func TestParseMessageContentWrongTypeFallsBack(t *testing.T) {
	parsed := ParseMessageContent(`{"__type":"something_else","tool_call_id":"x","agentId":"a","content":"c"}`, "user")
	if parsed.IsToolResult {
		t.Fatal("wrong __type should fall back to plain text")
	}
}

func TestParseMessageContentMissingFieldsFallsBack(t *testing.T) {
	parsed := ParseMessageContent(`{"__type":"tool_result","agentId":"a","content":"c"}`, "user")
	if parsed.IsToolResult {
		t.Fatal("envelope missing tool_call_id should fall back to plain text")
	}
}

func TestBuildEnvelopeThenParseRoundTrips(t *testing.T) {
	raw, err := BuildEnvelope("approval_123", "agent-a", `{"decision":"approve","scope":"once","toolName":"shell.exec"}`)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	parsed := ParseMessageContent(raw, "user")
	if !parsed.IsToolResult {
		t.Fatalf("expected envelope round-trip to parse as tool_result, got %+v", parsed)
	}
	if parsed.ToolCallID != "approval_123" || parsed.TargetAgentID != "agent-a" || parsed.Role != "tool" {
		t.Fatalf("got %+v", parsed)
	}
}

func TestParseApprovalDecision(t *testing.T) {
	decision, err := ParseApprovalDecision(`{"decision":"approve","scope":"session","toolName":"shell.exec"}`)
	if err != nil {
		t.Fatalf("ParseApprovalDecision: %v", err)
	}
	if decision.Decision != "approve" || decision.Scope != "session" || decision.ToolName != "shell.exec" {
		t.Fatalf("got %+v", decision)
	}
}

func TestParseHITLDecision(t *testing.T) {
	decision, err := ParseHITLDecision(`{"decision":"approve","scope":"once","choice":"option-b","toolName":"client.humanIntervention"}`)
	if err != nil {
		t.Fatalf("ParseHITLDecision: %v", err)
	}
	if decision.Choice != "option-b" {
		t.Fatalf("got %+v", decision)
	}
}
