// Package title implements spec component C11: an idle-triggered
// subscriber that generates a short chat title once, the first time a
// chat goes idle while still carrying its default title.
//
// Grounded on the teacher's internal/agent/runtime.go summarization path
// (a bounded-transcript, chat-scoped LLM call gated by a precondition
// check before committing) adapted onto this spec's idle/title-sentinel
// model.
package title

import (
	"context"
	"strings"

	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/llmqueue"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/observability"
	"github.com/agentworld/core/internal/providers"
	"github.com/agentworld/core/internal/storage"
)

// maxTranscriptRows bounds the number of distinct user+assistant rows fed
// to the title-generation prompt.
const maxTranscriptRows = 12

// Generator subscribes to a world's idle events and generates chat
// titles.
type Generator struct {
	world    *model.World
	storage  storage.Facade
	bus      *bus.Bus
	queue    *llmqueue.Queue
	provider providers.LLMProvider
	model    string
	log      *observability.Logger

	unsub func()
}

// New builds a title Generator for world, using provider/model for its
// (cheap, short) title-generation completions.
func New(world *model.World, store storage.Facade, b *bus.Bus, queue *llmqueue.Queue, provider providers.LLMProvider, modelName string, log *observability.Logger) *Generator {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	return &Generator{world: world, storage: store, bus: b, queue: queue, provider: provider, model: modelName, log: log}
}

// Attach registers the idle handler.
func (g *Generator) Attach() {
	g.unsub = g.bus.On(bus.Channel(bus.ActivityIdle), func(event any) {
		if _, ok := event.(bus.WorldActivityEvent); !ok {
			return
		}
		g.onIdle()
	})
}

// Detach removes the idle handler.
func (g *Generator) Detach() {
	if g.unsub != nil {
		g.unsub()
	}
}

func (g *Generator) onIdle() {
	// Step 1: capture the target chat at the instant of receipt.
	targetChatID := g.world.CurrentChat
	if targetChatID == "" {
		return
	}

	ctx := context.Background()
	chat, err := g.storage.LoadChat(ctx, g.world.ID, targetChatID)
	if err != nil {
		return
	}
	// Step 2: only chats still carrying the default sentinel are eligible.
	if chat.Title != model.DefaultChatTitle {
		return
	}

	g.queue.Submit(g.world.ID, targetChatID, func(ctx context.Context) {
		g.generate(ctx, targetChatID)
	})
}

func (g *Generator) generate(ctx context.Context, targetChatID string) {
	transcript, firstUserTurn, err := g.buildTranscript(ctx, targetChatID)
	if err != nil {
		g.log.Error("title: failed to build transcript", "chat_id", targetChatID, "error", err)
		return
	}
	if len(transcript) == 0 {
		return
	}

	title := g.requestTitle(ctx, transcript)
	title = sanitize(title)
	if title == "" {
		title = fallbackTitle(firstUserTurn)
	}
	if title == "" {
		return
	}

	// Step 5: commit only if the chat's title is still the default sentinel.
	if err := g.storage.UpdateChatTitle(ctx, g.world.ID, targetChatID, model.DefaultChatTitle, title); err != nil {
		if err == storage.ErrStaleTitle {
			return // user or a prior generation already renamed it: skip silently
		}
		g.log.Error("title: failed to commit title", "chat_id", targetChatID, "error", err)
		return
	}

	g.bus.Emit(bus.ChannelSystem, "", bus.WorldSystemEvent{
		Content: "title updated: " + title,
		ChatID:  targetChatID,
	})
}

// buildTranscript gathers the most recent distinct user+assistant rows
// for targetChatID across every agent loaded in the world, tool-only rows
// excluded, deduplicated by messageId.
func (g *Generator) buildTranscript(ctx context.Context, targetChatID string) ([]providers.Message, string, error) {
	agents, err := g.storage.ListAgents(ctx, g.world.ID)
	if err != nil {
		return nil, "", err
	}

	type row struct {
		role, content, messageID string
	}
	seen := make(map[string]bool)
	var rows []row
	var firstUserTurn string

	for _, a := range agents {
		for _, m := range a.Memory {
			if m.ChatID != targetChatID {
				continue
			}
			if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
				continue
			}
			if m.MessageID != "" && seen[m.MessageID] {
				continue
			}
			if m.MessageID != "" {
				seen[m.MessageID] = true
			}
			if m.Role == model.RoleUser && firstUserTurn == "" {
				firstUserTurn = m.Content
			}
			rows = append(rows, row{role: string(m.Role), content: m.Content, messageID: m.MessageID})
		}
	}

	if len(rows) > maxTranscriptRows {
		rows = rows[len(rows)-maxTranscriptRows:]
	}

	out := make([]providers.Message, 0, len(rows)+1)
	out = append(out, providers.Message{
		Role:    "system",
		Content: "Summarize this conversation in a short plain-text title, 6 words or fewer. No quotes, no trailing punctuation, no prefix like \"Title:\".",
	})
	for _, r := range rows {
		out = append(out, providers.Message{Role: r.role, Content: r.content})
	}
	return out, firstUserTurn, nil
}

func (g *Generator) requestTitle(ctx context.Context, transcript []providers.Message) string {
	stream, err := g.provider.Stream(ctx, providers.CompletionRequest{Model: g.model, Messages: transcript, MaxTokens: 32})
	if err != nil {
		return ""
	}
	var text strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case providers.ChunkText:
			text.WriteString(chunk.TextDelta)
		case providers.ChunkDone, providers.ChunkError:
			return text.String()
		}
	}
	return text.String()
}

// sanitize strips surrounding quotes, a leading "Title:" label, and
// trailing punctuation from a raw model title.
func sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	for _, prefix := range []string{"Title:", "title:", "Title -", "Chat title:"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
		}
	}
	s = strings.Trim(s, `"'`)
	s = strings.TrimRight(s, ".!? \t")
	if isGeneric(s) {
		return ""
	}
	return s
}

func isGeneric(s string) bool {
	lower := strings.ToLower(s)
	switch lower {
	case "", "new chat", "untitled", "chat", "conversation":
		return true
	default:
		return false
	}
}

// fallbackTitle derives a short deterministic summary from the first user
// turn when the model's output is empty or generic.
func fallbackTitle(firstUserTurn string) string {
	s := strings.TrimSpace(firstUserTurn)
	if s == "" {
		return ""
	}
	words := strings.Fields(s)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}
