// Package world wires the ten other components together into the
// boundary API a transport (HTTP handler, CLI, test harness) calls: load
// a world, publish a message, publish a tool result, subscribe to
// streamed events, stop an in-flight chat.
//
// Grounded on the teacher's internal/channels Manager (load/unload
// attaches and detaches per-participant subscriptions) and
// internal/gateway/runtime.go's facade-over-subsystems shape.
package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/core/internal/activity"
	"github.com/agentworld/core/internal/approval"
	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/llmqueue"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/observability"
	"github.com/agentworld/core/internal/orchestrator"
	"github.com/agentworld/core/internal/protocol"
	"github.com/agentworld/core/internal/providers"
	"github.com/agentworld/core/internal/routing"
	"github.com/agentworld/core/internal/storage"
	"github.com/agentworld/core/internal/subscriber"
	"github.com/agentworld/core/internal/title"
	"github.com/agentworld/core/internal/tools"
)

// StopStatus is the result of a stopMessage call.
type StopStatus string

const (
	StopStatusStopped         StopStatus = "stopped"
	StopStatusNoActiveProcess StopStatus = "no-active-process"
	StopStatusError           StopStatus = "error"
)

// ErrWorldNotLoaded is returned by operations on a world that has not
// been loaded into the Manager.
var ErrWorldNotLoaded = errors.New("world: not loaded")

// Handle is a loaded world and the resources attached to it: an event
// bus, activity tracker, LLM queue, approval cache, and one subscription
// per loaded agent.
type Handle struct {
	World *model.World

	bus       *bus.Bus
	tracker   *activity.Tracker
	queue     *llmqueue.Queue
	approvals *approval.Cache
	orch      *orchestrator.Orchestrator
	persist   *storage.EventSubscriber
	titleGen  *title.Generator

	mu    sync.Mutex
	subs  map[string]*subscriber.AgentSubscription
}

// Manager owns every loaded world and the shared process-wide
// dependencies (storage backend, tool registry, provider set, metrics).
type Manager struct {
	mu        sync.RWMutex
	worlds    map[string]*Handle
	storage   storage.Facade
	registry  *tools.Registry
	providers map[string]providers.LLMProvider
	metrics   *observability.Metrics
	log       *observability.Logger
	turnLimit int
	persistMode storage.PersistenceMode
	titleProvider string
	titleModel    string
}

// NewManager builds a Manager bound to a storage backend and the shared
// tool registry / provider set every world's orchestrator uses.
func NewManager(store storage.Facade, registry *tools.Registry, providerSet map[string]providers.LLMProvider, metrics *observability.Metrics, log *observability.Logger, turnLimit int, persistMode storage.PersistenceMode, titleProvider, titleModel string) *Manager {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	if turnLimit <= 0 {
		turnLimit = routing.DefaultTurnLimit
	}
	return &Manager{
		worlds:        make(map[string]*Handle),
		storage:       store,
		registry:      registry,
		providers:     providerSet,
		metrics:       metrics,
		log:           log,
		turnLimit:     turnLimit,
		persistMode:   persistMode,
		titleProvider: titleProvider,
		titleModel:    titleModel,
	}
}

// SubscribeWorld loads worldID: attaches the event-persistence subscriber
// and a message subscription for every agent currently in the world, and
// starts title generation. Calling it twice for the same world is a
// no-op that returns the existing handle.
func (m *Manager) SubscribeWorld(ctx context.Context, worldID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.worlds[worldID]; ok {
		return h, nil
	}

	w, err := m.storage.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("world: load %s: %w", worldID, err)
	}

	b := bus.New(m.log)
	tracker := activity.New(worldID, b, m.metrics, m.log)
	queue := llmqueue.New(m.metrics, m.log)
	approvals := approval.New()
	orch := orchestrator.New(m.storage, b, m.registry, approvals, m.providers, m.metrics, m.log)

	persist := storage.NewEventSubscriber(worldID, m.storage, m.persistMode, m.log, m.metrics)
	persist.Attach(b)

	h := &Handle{
		World: w, bus: b, tracker: tracker, queue: queue, approvals: approvals,
		orch: orch, persist: persist, subs: make(map[string]*subscriber.AgentSubscription),
	}

	agents, err := m.storage.ListAgents(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("world: list agents for %s: %w", worldID, err)
	}
	for _, a := range agents {
		m.attachAgentLocked(h, a)
	}

	if tp, ok := m.providers[m.titleProvider]; ok {
		h.titleGen = title.New(w, m.storage, b, queue, tp, m.titleModel, m.log)
		h.titleGen.Attach()
	}

	m.worlds[worldID] = h
	return h, nil
}

// UnsubscribeWorld detaches every agent subscription and the persistence
// subscriber for worldID, and forgets the handle.
func (m *Manager) UnsubscribeWorld(worldID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.worlds[worldID]
	if !ok {
		return
	}
	h.mu.Lock()
	for _, s := range h.subs {
		s.Detach()
	}
	h.mu.Unlock()
	h.persist.Detach()
	if h.titleGen != nil {
		h.titleGen.Detach()
	}
	delete(m.worlds, worldID)
}

// LoadAgent attaches a message subscription for an agent freshly added to
// an already-loaded world.
func (m *Manager) LoadAgent(worldID string, a *model.Agent) error {
	m.mu.RLock()
	h, ok := m.worlds[worldID]
	m.mu.RUnlock()
	if !ok {
		return ErrWorldNotLoaded
	}
	m.attachAgentLocked(h, a)
	return nil
}

// UnloadAgent detaches a previously loaded agent's message subscription.
func (m *Manager) UnloadAgent(worldID, agentID string) error {
	m.mu.RLock()
	h, ok := m.worlds[worldID]
	m.mu.RUnlock()
	if !ok {
		return ErrWorldNotLoaded
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[agentID]; ok {
		s.Detach()
		delete(h.subs, agentID)
	}
	return nil
}

func (m *Manager) attachAgentLocked(h *Handle, a *model.Agent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := subscriber.New(h.World, a, m.storage, h.bus, h.queue, h.tracker, h.approvals, h.orch, m.registry, m.turnLimit, m.log)
	s.Attach()
	h.subs[a.ID] = s
}

// PublishMessageOpts carries publishMessage's optional fields.
type PublishMessageOpts struct {
	ChatID           string
	ReplyToMessageID string
}

// PublishMessage implements the publishMessage boundary API: it emits a
// WorldMessageEvent on h's bus and returns the event published.
func (m *Manager) PublishMessage(h *Handle, content, sender string, opts PublishMessageOpts) bus.WorldMessageEvent {
	chatID := opts.ChatID
	if chatID == "" {
		chatID = h.World.CurrentChat
	}
	ev := bus.WorldMessageEvent{
		Content:          content,
		Sender:           sender,
		MessageID:        uuid.NewString(),
		Timestamp:        time.Now(),
		ChatID:           chatID,
		ReplyToMessageID: opts.ReplyToMessageID,
	}
	h.bus.Emit(bus.ChannelMessage, "", ev)
	return ev
}

// ToolResultData is the payload of publishToolResult.
type ToolResultData struct {
	ToolCallID string
	Content    string // the inner, already-JSON-encoded decision payload
}

// PublishToolResult implements the publishToolResult boundary API: it
// wraps toolResultData in a tool_result envelope addressed to agentID and
// publishes it on the message channel, per §4.C10. The envelope's
// __type/agentId discriminator is how the subscriber routes it to
// exactly one agent (see subscriber.handle's envelope-parsing step); the
// envelope body is raw JSON and must reach ParseMessageContent unmodified,
// so unlike a plain-text publish this path never applies @mention
// injection on top of it.
func (m *Manager) PublishToolResult(h *Handle, agentID string, toolResultData ToolResultData) error {
	envelope, err := protocol.BuildEnvelope(toolResultData.ToolCallID, agentID, toolResultData.Content)
	if err != nil {
		return fmt.Errorf("world: build tool_result envelope: %w", err)
	}
	m.PublishMessage(h, envelope, "HUMAN", PublishMessageOpts{ChatID: h.World.CurrentChat})
	return nil
}

// SubscribeSSE attaches handler to one of the four logical channels and
// returns an unsubscribe function.
func (m *Manager) SubscribeSSE(h *Handle, channel bus.Channel, handler bus.Handler) (unsubscribe func()) {
	return h.bus.On(channel, handler)
}

// StopMessage implements the stopMessage boundary API: cancel the
// in-flight LLM queue lane for (worldID, chatID).
func (m *Manager) StopMessage(h *Handle, chatID string) StopStatus {
	err := h.queue.CancelChat(h.World.ID, chatID)
	switch {
	case err == nil:
		return StopStatusStopped
	case errors.Is(err, llmqueue.ErrNoActiveRun):
		return StopStatusNoActiveProcess
	default:
		return StopStatusError
	}
}
