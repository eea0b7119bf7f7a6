package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/observability"
)

// PersistenceMode selects whether EventSubscriber writes synchronously
// (await the storage call before returning from the bus handler) or
// asynchronously (fire-and-forget, errors only logged). Spec §4.C2:
// "sync mode is required in tests for determinism." Treated as load-time
// configuration (spec §9 open question), not changeable after Attach.
type PersistenceMode int

const (
	// Sync awaits storage.AppendEvent before the bus handler returns.
	Sync PersistenceMode = iota
	// Async fires storage.AppendEvent in a goroutine; errors are logged,
	// never propagated to the emitter.
	Async
)

// EventSubscriber is spec component C2: it attaches one handler per
// logical bus channel and, for every emission, builds an EventRecord and
// calls Facade.AppendEvent. It never modifies payloads.
//
// Grounded on the teacher's internal/agent/event_emitter.go atomic
// monotonic nextSeq() pattern (the seq itself is delegated to the
// storage facade here, since C1 owns that invariant). In Async mode each
// write runs in its own goroutine: there is no queue or drain, and writes
// may reach storage in a different order from the emissions.
type EventSubscriber struct {
	worldID string
	storage Facade
	mode    PersistenceMode
	log     *observability.Logger
	metrics *observability.Metrics

	unsubs []func()
}

// NewEventSubscriber creates a subscriber for worldID. log/metrics may be
// nil.
func NewEventSubscriber(worldID string, storage Facade, mode PersistenceMode, log *observability.Logger, metrics *observability.Metrics) *EventSubscriber {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	return &EventSubscriber{worldID: worldID, storage: storage, mode: mode, log: log, metrics: metrics}
}

// Attach registers handlers on every logical channel of b. Call Detach on
// world deletion to stop persisting and release the handler closures.
func (s *EventSubscriber) Attach(b *bus.Bus) {
	s.unsubs = append(s.unsubs,
		b.On(bus.ChannelMessage, func(e any) { s.persist(model.EventTypeMessage, e) }),
		b.On(bus.ChannelSSE, func(e any) { s.persist(model.EventTypeSSE, e) }),
		b.On(bus.ChannelWorld, func(e any) { s.persist(model.EventTypeWorld, e) }),
		b.On(bus.ChannelSystem, func(e any) { s.persist(model.EventTypeSystem, e) }),
	)
}

// Detach removes every handler this subscriber registered.
func (s *EventSubscriber) Detach() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

func (s *EventSubscriber) persist(typ model.EventType, payload any) {
	chatID := extractChatID(payload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("event persistence: marshal payload failed", "type", string(typ), "error", err)
		return
	}

	record := &model.EventRecord{
		ID:        uuid.NewString(),
		WorldID:   s.worldID,
		ChatID:    chatID,
		Type:      typ,
		Payload:   payloadJSON,
		CreatedAt: time.Now(),
	}

	write := func() {
		if _, err := s.storage.AppendEvent(context.Background(), record); err != nil {
			// Storage errors must never propagate out of the handler
			// (spec §4.C2: "fails safe").
			s.log.Error("event persistence: append failed", "world_id", s.worldID, "type", string(typ), "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.EventsPersisted.WithLabelValues(string(typ)).Inc()
		}
	}

	if s.mode == Sync {
		write()
		return
	}
	go write()
}

// extractChatID pulls a ChatID field out of the known bus event payload
// shapes via a type switch, so the persisted record is chat-scoped
// wherever applicable.
func extractChatID(payload any) string {
	switch e := payload.(type) {
	case bus.WorldMessageEvent:
		return e.ChatID
	case bus.WorldToolEvent:
		return e.ChatID
	case bus.WorldSystemEvent:
		return e.ChatID
	case bus.WorldSSEEvent:
		return "" // SSE frames do not carry chatId in the spec's payload shape
	case bus.WorldActivityEvent:
		return ""
	default:
		return ""
	}
}
