package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/agentworld/core/internal/model"
)

// MemoryFacade is an in-memory Facade backend. Safe for concurrent use.
// Grounded on the teacher's internal/storage/memory.go mutex-guarded map
// pattern.
type MemoryFacade struct {
	mu     sync.RWMutex
	worlds map[string]*model.World
	agents map[string]map[string]*model.Agent // worldID -> agentID -> agent
	chats  map[string]map[string]*model.Chat  // worldID -> chatID -> chat

	events   map[eventKey][]*model.EventRecord // (worldID, chatID) -> events in seq order
	nextSeq  map[eventKey]int64
}

type eventKey struct {
	worldID string
	chatID  string
}

// NewMemoryFacade creates an empty in-memory backend.
func NewMemoryFacade() *MemoryFacade {
	return &MemoryFacade{
		worlds:  make(map[string]*model.World),
		agents:  make(map[string]map[string]*model.Agent),
		chats:   make(map[string]map[string]*model.Chat),
		events:  make(map[eventKey][]*model.EventRecord),
		nextSeq: make(map[eventKey]int64),
	}
}

func (m *MemoryFacade) SaveWorld(_ context.Context, w *model.World) error {
	if w == nil || w.ID == "" {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.worlds[w.ID] = &cp
	return nil
}

func (m *MemoryFacade) LoadWorld(_ context.Context, worldID string) (*model.World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.worlds[worldID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryFacade) DeleteWorld(_ context.Context, worldID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worlds[worldID]; !ok {
		return ErrNotFound
	}
	delete(m.worlds, worldID)
	delete(m.agents, worldID)
	delete(m.chats, worldID)
	for k := range m.events {
		if k.worldID == worldID {
			delete(m.events, k)
			delete(m.nextSeq, k)
		}
	}
	return nil
}

func (m *MemoryFacade) ListWorlds(_ context.Context) ([]*model.World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.World, 0, len(m.worlds))
	for _, w := range m.worlds {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryFacade) SaveAgent(_ context.Context, a *model.Agent) error {
	if a == nil || a.ID == "" || a.WorldID == "" {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agents[a.WorldID] == nil {
		m.agents[a.WorldID] = make(map[string]*model.Agent)
	}
	cp := *a
	cp.Memory = append([]model.ChatMessage(nil), a.Memory...)
	m.agents[a.WorldID][a.ID] = &cp
	return nil
}

func (m *MemoryFacade) LoadAgent(_ context.Context, worldID, agentID string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.agents[worldID]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := byID[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Memory = append([]model.ChatMessage(nil), a.Memory...)
	return &cp, nil
}

func (m *MemoryFacade) DeleteAgent(_ context.Context, worldID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.agents[worldID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[agentID]; !ok {
		return ErrNotFound
	}
	delete(byID, agentID)
	return nil
}

func (m *MemoryFacade) ListAgents(_ context.Context, worldID string) ([]*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.agents[worldID]
	out := make([]*model.Agent, 0, len(byID))
	for _, a := range byID {
		cp := *a
		cp.Memory = append([]model.ChatMessage(nil), a.Memory...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryFacade) SaveChat(_ context.Context, c *model.Chat) error {
	if c == nil || c.ID == "" || c.WorldID == "" {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chats[c.WorldID] == nil {
		m.chats[c.WorldID] = make(map[string]*model.Chat)
	}
	cp := *c
	m.chats[c.WorldID][c.ID] = &cp
	return nil
}

func (m *MemoryFacade) LoadChat(_ context.Context, worldID, chatID string) (*model.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.chats[worldID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := byID[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryFacade) ListChats(_ context.Context, worldID string) ([]*model.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.chats[worldID]
	out := make([]*model.Chat, 0, len(byID))
	for _, c := range byID {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryFacade) DeleteChat(_ context.Context, worldID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.chats[worldID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[chatID]; !ok {
		return ErrNotFound
	}
	delete(byID, chatID)
	k := eventKey{worldID, chatID}
	delete(m.events, k)
	delete(m.nextSeq, k)
	return nil
}

func (m *MemoryFacade) UpdateChatTitle(_ context.Context, worldID, chatID, expectedOldTitle, newTitle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.chats[worldID]
	if !ok {
		return ErrNotFound
	}
	c, ok := byID[chatID]
	if !ok {
		return ErrNotFound
	}
	if c.Title != expectedOldTitle {
		return ErrStaleTitle
	}
	c.Title = newTitle
	return nil
}

func (m *MemoryFacade) AppendEvent(_ context.Context, record *model.EventRecord) (int64, error) {
	if record == nil || record.WorldID == "" {
		return 0, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey{record.WorldID, record.ChatID}
	m.nextSeq[k]++
	seq := m.nextSeq[k]
	record.Seq = seq
	cp := *record
	m.events[k] = append(m.events[k], &cp)
	return seq, nil
}

func (m *MemoryFacade) GetEventsByWorldAndChat(_ context.Context, q EventQuery) ([]*model.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*model.EventRecord
	if q.ChatID != "" {
		candidates = m.events[eventKey{q.WorldID, q.ChatID}]
	} else {
		for k, recs := range m.events {
			if k.worldID == q.WorldID {
				candidates = append(candidates, recs...)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })
	}

	var filtered []*model.EventRecord
	for _, r := range candidates {
		if q.Type != "" && r.Type != q.Type {
			continue
		}
		if q.StartSeq > 0 && r.Seq < q.StartSeq {
			continue
		}
		if q.EndSeq > 0 && r.Seq > q.EndSeq {
			continue
		}
		if !q.StartDate.IsZero() && r.CreatedAt.Before(q.StartDate) {
			continue
		}
		if !q.EndDate.IsZero() && r.CreatedAt.After(q.EndDate) {
			continue
		}
		cp := *r
		filtered = append(filtered, &cp)
	}

	if q.Offset > 0 {
		if q.Offset >= len(filtered) {
			return []*model.EventRecord{}, nil
		}
		filtered = filtered[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

func (m *MemoryFacade) DeleteEventsByWorldAndChat(_ context.Context, worldID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey{worldID, chatID}
	delete(m.events, k)
	delete(m.nextSeq, k)
	return nil
}
