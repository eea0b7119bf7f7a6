// Package approval implements the per-chat session-scoped approval cache
// (spec component C6): a plain chatId -> toolName -> approved map, touched
// only by the orchestrator and the subscriber's tool-result handler. No
// persistence, no TTL — the spec limits C6 to exactly this contract.
//
// Grounded on the teacher's internal/agent/approval.go ApprovalStore shape,
// scaled down: the teacher's richer ApprovalRequest lifecycle (pending
// requests, expiry) is not reproduced here because the spec's C6 is
// explicitly just the session-scoped boolean memory; that richer lifecycle
// lives in this package's caller, the orchestrator (C9).
package approval

import (
	"sync"
	"time"

	"github.com/agentworld/core/internal/model"
)

// Cache is an in-memory, chat-scoped approval memory. Safe for concurrent
// use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]model.ApprovalCacheEntry // chatID -> toolName -> entry
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]map[string]model.ApprovalCacheEntry)}
}

// Set records approved for (chatID, toolName).
func (c *Cache) Set(chatID, toolName string, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[chatID] == nil {
		c.entries[chatID] = make(map[string]model.ApprovalCacheEntry)
	}
	c.entries[chatID][toolName] = model.ApprovalCacheEntry{
		ChatID:    chatID,
		ToolName:  toolName,
		Approved:  approved,
		Timestamp: time.Now(),
	}
}

// Get reports whether (chatID, toolName) has a cached approval, and its
// value.
func (c *Cache) Get(chatID, toolName string) (approved bool, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byTool, ok := c.entries[chatID]
	if !ok {
		return false, false
	}
	entry, ok := byTool[toolName]
	if !ok {
		return false, false
	}
	return entry.Approved, true
}

// IsApproved reports whether toolName has a cached, approved=true entry
// for chatID. This is the call used by the orchestrator's approval gate.
func (c *Cache) IsApproved(chatID, toolName string) bool {
	approved, found := c.Get(chatID, toolName)
	return found && approved
}

// Clear drops every cached entry for chatID, e.g. on chat deletion.
func (c *Cache) Clear(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, chatID)
}
