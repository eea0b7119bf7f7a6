// Package storage implements spec component C1, the storage facade: a
// key-value-like persistence layer for worlds, agents, chats, and a
// sequenced event log, with pluggable backends (in-memory, embedded SQL
// via mattn/go-sqlite3, and Postgres via lib/pq).
//
// Grounded on the teacher's internal/storage/memory.go (mutex-guarded map
// store, sentinel errors, sorted+paginated List) for the in-memory
// backend, and internal/storage/cockroach.go (database/sql + a Postgres
// wire driver, prepared statements) for the SQL backend shape.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentworld/core/internal/model"
)

// Sentinel errors shared across every backend.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrStaleTitle is returned by UpdateChatTitle's compare-and-set when
	// the chat's current title no longer matches expectedOldTitle.
	ErrStaleTitle = errors.New("storage: chat title changed concurrently")
)

// EventQuery filters GetEventsByWorldAndChat.
type EventQuery struct {
	WorldID   string
	ChatID    string // optional
	Type      model.EventType // optional
	Limit     int             // optional, 0 = unbounded
	Offset    int
	StartSeq  int64 // optional, 0 = unbounded
	EndSeq    int64 // optional, 0 = unbounded
	StartDate time.Time
	EndDate   time.Time
}

// Facade is the storage contract every backend implements identically.
type Facade interface {
	SaveWorld(ctx context.Context, w *model.World) error
	LoadWorld(ctx context.Context, worldID string) (*model.World, error)
	DeleteWorld(ctx context.Context, worldID string) error
	ListWorlds(ctx context.Context) ([]*model.World, error)

	SaveAgent(ctx context.Context, a *model.Agent) error
	LoadAgent(ctx context.Context, worldID, agentID string) (*model.Agent, error)
	DeleteAgent(ctx context.Context, worldID, agentID string) error
	ListAgents(ctx context.Context, worldID string) ([]*model.Agent, error)

	SaveChat(ctx context.Context, c *model.Chat) error
	LoadChat(ctx context.Context, worldID, chatID string) (*model.Chat, error)
	ListChats(ctx context.Context, worldID string) ([]*model.Chat, error)
	DeleteChat(ctx context.Context, worldID, chatID string) error
	// UpdateChatTitle is a compare-and-set: it succeeds only if the
	// chat's stored title currently equals expectedOldTitle.
	UpdateChatTitle(ctx context.Context, worldID, chatID, expectedOldTitle, newTitle string) error

	// AppendEvent assigns the next monotonic seq for record's
	// (WorldID, ChatID) atomically and persists it.
	AppendEvent(ctx context.Context, record *model.EventRecord) (seq int64, err error)
	GetEventsByWorldAndChat(ctx context.Context, q EventQuery) ([]*model.EventRecord, error)
	DeleteEventsByWorldAndChat(ctx context.Context, worldID, chatID string) error
}
