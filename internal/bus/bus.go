// Package bus implements the per-world event bus (spec component C3): a
// synchronous, in-process multiplexer over four logical channels (message,
// sse, world, system), each additionally fanned out to a handler registered
// on the event's own type-specific name (e.g. "response-start").
//
// Modeled on the teacher's internal/agent/event_sink.go EventSink/MultiSink
// shape, generalized from a single fixed sink into a named-channel emitter
// with copy-on-iteration handler lists so a handler may unsubscribe itself
// mid-emit.
package bus

import (
	"sync"

	"github.com/agentworld/core/internal/observability"
)

// Channel names the four logical channels plus the activity/tool
// type-specific sub-channels handlers may listen to narrowly.
type Channel string

const (
	ChannelMessage Channel = "message"
	ChannelSSE     Channel = "sse"
	ChannelWorld   Channel = "world"
	ChannelSystem  Channel = "system"
)

// Handler receives one emitted event. Handlers must not block for long:
// the bus is synchronous and a slow handler delays every other subscriber
// and the emitter itself.
type Handler func(event any)

type subscription struct {
	id int64
	h  Handler
}

// Bus is a per-world, synchronous, multi-channel event multiplexer.
// Handler panics are caught and logged; they never propagate to Emit.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Channel][]subscription
	nextID   int64
	log      *observability.Logger
}

// New creates an empty Bus. log may be nil, in which case a default
// logger is used.
func New(log *observability.Logger) *Bus {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	return &Bus{handlers: make(map[Channel][]subscription), log: log}
}

// On registers a handler on the given channel. Returns an unsubscribe
// function; calling it more than once is a safe no-op.
func (b *Bus) On(channel Channel, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[channel] = append(b.handlers[channel], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(channel, id) })
	}
}

func (b *Bus) remove(channel Channel, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[channel]
	for i, s := range subs {
		if s.id == id {
			b.handlers[channel] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// emitOn calls every handler registered on channel with payload, catching
// panics so one bad subscriber cannot take down the emitter or other
// subscribers. Handler lists are copied before iteration so a handler that
// unsubscribes itself mid-callback is safe.
func (b *Bus) emitOn(channel Channel, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[channel]))
	copy(subs, b.handlers[channel])
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeCall(channel, s.h, payload)
	}
}

func (b *Bus) safeCall(channel Channel, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus handler panicked", "channel", string(channel), "panic", r)
		}
	}()
	h(payload)
}

// Emit fans payload out on channel, and additionally on typeChannel when
// non-empty, so subscribers may listen narrowly to a type-specific name
// (e.g. "response-start", "tool-result") without filtering the whole
// logical channel.
func (b *Bus) Emit(channel Channel, typeChannel string, payload any) {
	b.emitOn(channel, payload)
	if typeChannel != "" {
		b.emitOn(Channel(typeChannel), payload)
	}
}
