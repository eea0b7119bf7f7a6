// Package routing implements spec component C7: pure functions deciding
// who should respond to a given message, plus the main-agent injection
// rule. No direct teacher equivalent exists (nexus routes by
// channel/session, not by @mention); this logic is original, written in
// the teacher's idiom (pure functions, table-driven tests), stylistically
// informed by internal/multiagent/orchestrator.go's selectAgent
// precedence-chain pattern.
package routing

import (
	"errors"
	"regexp"
	"strings"
)

// ErrUnknownAgent is returned when an operation references an agent id
// not present in the known-agents set passed to it.
var ErrUnknownAgent = errors.New("routing: unknown agent")

// HumanSender is the reserved sender literal identifying a human-authored
// message, matched case-insensitively.
const HumanSender = "HUMAN"

var mentionToken = regexp.MustCompile(`^@([A-Za-z0-9_-]+)`)

// extractParagraphs splits text into maximal newline-delimited blocks.
func extractParagraphs(text string) []string {
	raw := strings.Split(text, "\n")
	var paragraphs []string
	var cur []string
	for _, line := range raw {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				paragraphs = append(paragraphs, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		paragraphs = append(paragraphs, strings.Join(cur, "\n"))
	}
	return paragraphs
}

// ExtractParagraphBeginningMentions returns, in order of first
// appearance, the unique agent ids mentioned at the very start of any
// paragraph in text. A mention is a "@<name>" token; trailing punctuation
// is not part of the token's name-pattern so it never needs stripping
// from the captured name itself, but leading text before the "@" on the
// same line disqualifies the paragraph (the mention must open the
// paragraph).
func ExtractParagraphBeginningMentions(text string) []string {
	var ordered []string
	seen := make(map[string]bool)

	for _, para := range extractParagraphs(text) {
		trimmed := strings.TrimLeft(para, " \t")
		m := mentionToken.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		name := strings.TrimRight(m[1], ",:;.!?")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		ordered = append(ordered, name)
	}
	return ordered
}

// InjectMainAgentMention prepends "@<mainAgent>, " to text when mainAgent
// is non-empty and text carries no paragraph-beginning mention at all. Idempotent: a text that already opens with any
// paragraph-beginning mention (including mainAgent's own) is returned
// unchanged, so repeated injection never double-prefixes.
func InjectMainAgentMention(text, mainAgent string) string {
	if mainAgent == "" {
		return text
	}
	if len(ExtractParagraphBeginningMentions(text)) > 0 {
		return text
	}
	return "@" + mainAgent + ", " + text
}

// MessageEvent is the minimal shape routing decisions need from an
// incoming message.
type MessageEvent struct {
	Content   string
	Sender    string
	MessageID string
}

// AgentView is the minimal shape routing decisions need from an agent.
type AgentView struct {
	ID        string
	AutoReply bool
}

// equalFold is a small readability wrapper around strings.EqualFold.
func equalFold(a, b string) bool { return strings.EqualFold(a, b) }

// ShouldAgentRespond implements spec §4.C7's three-part test: not the
// sender itself, mention-or-human-autoreply, and under the turn limit.
// turnCount is the number of immediately preceding consecutive assistant
// rows from this same agent in the message's thread (see TurnLimiter).
func ShouldAgentRespond(agent AgentView, event MessageEvent, turnCount int, turnLimit int) bool {
	if equalFold(event.Sender, agent.ID) {
		return false
	}

	mentions := ExtractParagraphBeginningMentions(event.Content)
	if len(mentions) > 0 {
		mentioned := false
		for _, m := range mentions {
			if equalFold(m, agent.ID) {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return false
		}
	} else {
		if !equalFold(event.Sender, HumanSender) || !agent.AutoReply {
			return false
		}
	}

	if turnLimit > 0 && turnCount >= turnLimit {
		return false
	}
	return true
}

// DefaultTurnLimit is the policy fixed by the spec: at most 3 consecutive
// assistant rows from the same agent with no intervening distinct sender,
// per message thread. Implementations are expected to make this
// configurable (spec §9 open question); callers should thread their own
// configured value through ShouldAgentRespond rather than relying on this
// constant except as a default.
const DefaultTurnLimit = 3

// ConsecutiveTurnCount counts how many of the most recent rows in history
// (oldest first) are consecutive assistant rows authored by agentID with
// no intervening row from a different sender, scanning from the end.
// Used by the message subscriber to compute turnCount for
// ShouldAgentRespond.
func ConsecutiveTurnCount(history []HistoryRow, agentID string) int {
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		row := history[i]
		if row.Role != "assistant" {
			break
		}
		if !equalFold(row.Sender, agentID) {
			break
		}
		count++
	}
	return count
}

// HistoryRow is the minimal shape ConsecutiveTurnCount needs from a
// memory row.
type HistoryRow struct {
	Role   string
	Sender string
}
