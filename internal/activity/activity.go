// Package activity implements the per-world activity tracker (spec
// component C4): it counts in-flight orchestrator operations and emits
// response-start / response-end / idle on the world's event bus.
//
// Grounded loosely on the teacher's internal/agent/event_emitter.go
// run-lifecycle events (RunStarted/RunFinished), generalized into the
// spec's begin/end-with-idle shape, and wired to the
// internal/observability Prometheus gauges the way
// internal/observability/metrics.go wires ActiveSessions.
package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/observability"
)

// Tracker counts in-flight operations for one world and emits the
// response-start/response-end/idle triple on the world's bus. Safe for
// concurrent use.
type Tracker struct {
	mu                sync.Mutex
	pendingOperations int
	activityID        int64
	activeSources     map[string]int // source -> refcount, so repeated begins with the same source coexist
	worldID           string
	bus               *bus.Bus
	metrics           *observability.Metrics
	log               *observability.Logger
}

// New creates a Tracker bound to worldID's bus. metrics/log may be nil.
func New(worldID string, b *bus.Bus, metrics *observability.Metrics, log *observability.Logger) *Tracker {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	return &Tracker{
		activeSources: make(map[string]int),
		worldID:       worldID,
		bus:           b,
		metrics:       metrics,
		log:           log,
	}
}

// Pending reports the current in-flight operation count.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingOperations
}

// IsProcessing reports whether any operation is currently in flight.
func (t *Tracker) IsProcessing() bool {
	return t.Pending() > 0
}

// Begin registers the start of an operation attributed to source (e.g. an
// agent id). It always emits response-start; when the previous pending
// count was zero, a fresh activityID is minted for this busy period.
func (t *Tracker) Begin(source string) bus.WorldActivityEvent {
	t.mu.Lock()
	t.pendingOperations++
	if t.pendingOperations == 1 {
		t.activityID++
	}
	t.activeSources[source]++
	ev := t.snapshotLocked(bus.ActivityResponseStart, source)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveOperations.WithLabelValues(t.worldID).Set(float64(ev.PendingOperations))
	}
	t.emit(ev)
	return ev
}

// End registers the completion of an operation attributed to source. It
// emits response-end while other operations remain, or idle (and clears
// isProcessing) when the counter reaches zero. idle is the only event
// type that flips isProcessing false.
func (t *Tracker) End(source string) bus.WorldActivityEvent {
	t.mu.Lock()
	if t.pendingOperations > 0 {
		t.pendingOperations--
	}
	if n := t.activeSources[source]; n <= 1 {
		delete(t.activeSources, source)
	} else {
		t.activeSources[source] = n - 1
	}

	var evType bus.ActivityEventType
	if t.pendingOperations > 0 {
		evType = bus.ActivityResponseEnd
	} else {
		evType = bus.ActivityIdle
	}
	ev := t.snapshotLocked(evType, source)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveOperations.WithLabelValues(t.worldID).Set(float64(ev.PendingOperations))
		if evType == bus.ActivityIdle {
			t.metrics.IdleTransitions.WithLabelValues(t.worldID).Inc()
		}
	}
	t.emit(ev)
	return ev
}

func (t *Tracker) snapshotLocked(evType bus.ActivityEventType, source string) bus.WorldActivityEvent {
	sources := make([]string, 0, len(t.activeSources))
	for s := range t.activeSources {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return bus.WorldActivityEvent{
		Type:              evType,
		PendingOperations: t.pendingOperations,
		ActivityID:        t.activityID,
		Timestamp:         time.Now(),
		Source:            source,
		ActiveSources:     sources,
	}
}

func (t *Tracker) emit(ev bus.WorldActivityEvent) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(bus.ChannelWorld, string(ev.Type), ev)
}
