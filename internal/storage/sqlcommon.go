package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworld/core/internal/model"
)

// sqlFacade is shared by the sqlite and Postgres backends: both ride
// database/sql, differing only in driver name and placeholder style.
// Grounded on the teacher's internal/storage/cockroach.go (database/sql +
// a wire driver, prepared statement shape).
type sqlFacade struct {
	db         *sql.DB
	dialect    string // "sqlite" | "postgres"
	placeholder func(n int) string
}

func newSQLFacade(db *sql.DB, dialect string) *sqlFacade {
	var ph func(int) string
	if dialect == "postgres" {
		ph = func(n int) string { return fmt.Sprintf("$%d", n) }
	} else {
		ph = func(int) string { return "?" }
	}
	return &sqlFacade{db: db, dialect: dialect, placeholder: ph}
}

const ddl = `
CREATE TABLE IF NOT EXISTS worlds (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	main_agent TEXT NOT NULL DEFAULT '',
	variables TEXT NOT NULL DEFAULT '',
	current_chat TEXT NOT NULL DEFAULT '',
	is_processing BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS agents (
	world_id TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_tokens INTEGER NOT NULL DEFAULT 0,
	system_prompt TEXT NOT NULL DEFAULT '',
	auto_reply BOOLEAN NOT NULL DEFAULT TRUE,
	memory TEXT NOT NULL DEFAULT '[]',
	llm_call_count INTEGER NOT NULL DEFAULT 0,
	last_llm_call TIMESTAMP,
	PRIMARY KEY (world_id, id)
);
CREATE TABLE IF NOT EXISTS chats (
	world_id TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (world_id, id)
);
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	world_id TEXT NOT NULL,
	chat_id TEXT NOT NULL DEFAULT '',
	seq BIGINT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	meta TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(world_id, chat_id, seq)
);
CREATE TABLE IF NOT EXISTS event_seq_counters (
	world_id TEXT NOT NULL,
	chat_id TEXT NOT NULL DEFAULT '',
	next_seq BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (world_id, chat_id)
);
`

// Migrate creates every table the backend needs, idempotently.
func (f *sqlFacade) migrate(ctx context.Context) error {
	_, err := f.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (f *sqlFacade) q(query string, n int) string {
	// query is written with "?" placeholders; for postgres we rewrite
	// sequentially to $1, $2, ... This keeps one query string literal per
	// statement regardless of dialect.
	if f.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+n*2)
	arg := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			arg++
			out = append(out, []byte(fmt.Sprintf("$%d", arg))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (f *sqlFacade) SaveWorld(ctx context.Context, w *model.World) error {
	if w == nil || w.ID == "" {
		return ErrNotFound
	}
	query := f.q(`INSERT INTO worlds (id, name, main_agent, variables, current_chat, is_processing)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name=excluded.name, main_agent=excluded.main_agent,
			variables=excluded.variables, current_chat=excluded.current_chat,
			is_processing=excluded.is_processing`, 6)
	_, err := f.db.ExecContext(ctx, query, w.ID, w.Name, w.MainAgent, w.Variables, w.CurrentChat, w.IsProcessing)
	if err != nil {
		return fmt.Errorf("storage: save world: %w", err)
	}
	return nil
}

func (f *sqlFacade) LoadWorld(ctx context.Context, worldID string) (*model.World, error) {
	query := f.q(`SELECT id, name, main_agent, variables, current_chat, is_processing FROM worlds WHERE id = ?`, 1)
	row := f.db.QueryRowContext(ctx, query, worldID)
	w := &model.World{}
	if err := row.Scan(&w.ID, &w.Name, &w.MainAgent, &w.Variables, &w.CurrentChat, &w.IsProcessing); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load world: %w", err)
	}
	return w, nil
}

func (f *sqlFacade) DeleteWorld(ctx context.Context, worldID string) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: delete world: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, f.q(`DELETE FROM worlds WHERE id = ?`, 1), worldID)
	if err != nil {
		return fmt.Errorf("storage: delete world: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, stmt := range []string{
		`DELETE FROM agents WHERE world_id = ?`,
		`DELETE FROM chats WHERE world_id = ?`,
		`DELETE FROM events WHERE world_id = ?`,
		`DELETE FROM event_seq_counters WHERE world_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, f.q(stmt, 1), worldID); err != nil {
			return fmt.Errorf("storage: delete world cascade: %w", err)
		}
	}
	return tx.Commit()
}

func (f *sqlFacade) ListWorlds(ctx context.Context) ([]*model.World, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT id, name, main_agent, variables, current_chat, is_processing FROM worlds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list worlds: %w", err)
	}
	defer rows.Close()
	var out []*model.World
	for rows.Next() {
		w := &model.World{}
		if err := rows.Scan(&w.ID, &w.Name, &w.MainAgent, &w.Variables, &w.CurrentChat, &w.IsProcessing); err != nil {
			return nil, fmt.Errorf("storage: list worlds: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// agentMemoryJSON/fromAgentMemoryJSON round-trip model.ChatMessage
// including nested ToolCalls, matching the spec's "tool_calls MUST be
// deserialized from their serialized form when the agent is loaded"
// requirement.
func agentMemoryJSON(rows []model.ChatMessage) (string, error) {
	b, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromAgentMemoryJSON(s string) ([]model.ChatMessage, error) {
	if s == "" {
		return nil, nil
	}
	var rows []model.ChatMessage
	if err := json.Unmarshal([]byte(s), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *sqlFacade) SaveAgent(ctx context.Context, a *model.Agent) error {
	if a == nil || a.ID == "" || a.WorldID == "" {
		return ErrNotFound
	}
	memJSON, err := agentMemoryJSON(a.Memory)
	if err != nil {
		return fmt.Errorf("storage: save agent: encode memory: %w", err)
	}
	query := f.q(`INSERT INTO agents (world_id, id, name, provider, model, temperature, max_tokens,
			system_prompt, auto_reply, memory, llm_call_count, last_llm_call)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (world_id, id) DO UPDATE SET name=excluded.name, provider=excluded.provider,
			model=excluded.model, temperature=excluded.temperature, max_tokens=excluded.max_tokens,
			system_prompt=excluded.system_prompt, auto_reply=excluded.auto_reply, memory=excluded.memory,
			llm_call_count=excluded.llm_call_count, last_llm_call=excluded.last_llm_call`, 12)
	_, err = f.db.ExecContext(ctx, query, a.WorldID, a.ID, a.Name, a.Provider, a.Model, a.Temperature,
		a.MaxTokens, a.SystemPrompt, a.AutoReply, memJSON, a.LLMCallCount, nullTime(a.LastLLMCall))
	if err != nil {
		return fmt.Errorf("storage: save agent: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (f *sqlFacade) LoadAgent(ctx context.Context, worldID, agentID string) (*model.Agent, error) {
	query := f.q(`SELECT world_id, id, name, provider, model, temperature, max_tokens, system_prompt,
			auto_reply, memory, llm_call_count, last_llm_call FROM agents WHERE world_id = ? AND id = ?`, 2)
	row := f.db.QueryRowContext(ctx, query, worldID, agentID)
	a := &model.Agent{}
	var memJSON string
	var lastCall sql.NullTime
	if err := row.Scan(&a.WorldID, &a.ID, &a.Name, &a.Provider, &a.Model, &a.Temperature, &a.MaxTokens,
		&a.SystemPrompt, &a.AutoReply, &memJSON, &a.LLMCallCount, &lastCall); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load agent: %w", err)
	}
	if lastCall.Valid {
		a.LastLLMCall = lastCall.Time
	}
	mem, err := fromAgentMemoryJSON(memJSON)
	if err != nil {
		return nil, fmt.Errorf("storage: load agent: decode memory: %w", err)
	}
	a.Memory = mem
	return a, nil
}

func (f *sqlFacade) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	res, err := f.db.ExecContext(ctx, f.q(`DELETE FROM agents WHERE world_id = ? AND id = ?`, 2), worldID, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (f *sqlFacade) ListAgents(ctx context.Context, worldID string) ([]*model.Agent, error) {
	query := f.q(`SELECT world_id, id, name, provider, model, temperature, max_tokens, system_prompt,
			auto_reply, memory, llm_call_count, last_llm_call FROM agents WHERE world_id = ? ORDER BY id`, 1)
	rows, err := f.db.QueryContext(ctx, query, worldID)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a := &model.Agent{}
		var memJSON string
		var lastCall sql.NullTime
		if err := rows.Scan(&a.WorldID, &a.ID, &a.Name, &a.Provider, &a.Model, &a.Temperature, &a.MaxTokens,
			&a.SystemPrompt, &a.AutoReply, &memJSON, &a.LLMCallCount, &lastCall); err != nil {
			return nil, fmt.Errorf("storage: list agents: %w", err)
		}
		if lastCall.Valid {
			a.LastLLMCall = lastCall.Time
		}
		mem, err := fromAgentMemoryJSON(memJSON)
		if err != nil {
			return nil, fmt.Errorf("storage: list agents: decode memory: %w", err)
		}
		a.Memory = mem
		out = append(out, a)
	}
	return out, rows.Err()
}

func (f *sqlFacade) SaveChat(ctx context.Context, c *model.Chat) error {
	if c == nil || c.ID == "" || c.WorldID == "" {
		return ErrNotFound
	}
	query := f.q(`INSERT INTO chats (world_id, id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (world_id, id) DO UPDATE SET title=excluded.title, updated_at=excluded.updated_at`, 5)
	_, err := f.db.ExecContext(ctx, query, c.WorldID, c.ID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: save chat: %w", err)
	}
	return nil
}

func (f *sqlFacade) LoadChat(ctx context.Context, worldID, chatID string) (*model.Chat, error) {
	query := f.q(`SELECT world_id, id, title, created_at, updated_at FROM chats WHERE world_id = ? AND id = ?`, 2)
	row := f.db.QueryRowContext(ctx, query, worldID, chatID)
	c := &model.Chat{}
	if err := row.Scan(&c.WorldID, &c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load chat: %w", err)
	}
	return c, nil
}

func (f *sqlFacade) ListChats(ctx context.Context, worldID string) ([]*model.Chat, error) {
	query := f.q(`SELECT world_id, id, title, created_at, updated_at FROM chats WHERE world_id = ? ORDER BY created_at`, 1)
	rows, err := f.db.QueryContext(ctx, query, worldID)
	if err != nil {
		return nil, fmt.Errorf("storage: list chats: %w", err)
	}
	defer rows.Close()
	var out []*model.Chat
	for rows.Next() {
		c := &model.Chat{}
		if err := rows.Scan(&c.WorldID, &c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: list chats: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (f *sqlFacade) DeleteChat(ctx context.Context, worldID, chatID string) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: delete chat: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, f.q(`DELETE FROM chats WHERE world_id = ? AND id = ?`, 2), worldID, chatID)
	if err != nil {
		return fmt.Errorf("storage: delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, f.q(`DELETE FROM events WHERE world_id = ? AND chat_id = ?`, 2), worldID, chatID); err != nil {
		return fmt.Errorf("storage: delete chat cascade: %w", err)
	}
	if _, err := tx.ExecContext(ctx, f.q(`DELETE FROM event_seq_counters WHERE world_id = ? AND chat_id = ?`, 2), worldID, chatID); err != nil {
		return fmt.Errorf("storage: delete chat cascade: %w", err)
	}
	return tx.Commit()
}

func (f *sqlFacade) UpdateChatTitle(ctx context.Context, worldID, chatID, expectedOldTitle, newTitle string) error {
	query := f.q(`UPDATE chats SET title = ?, updated_at = ? WHERE world_id = ? AND id = ? AND title = ?`, 5)
	res, err := f.db.ExecContext(ctx, query, newTitle, time.Now(), worldID, chatID, expectedOldTitle)
	if err != nil {
		return fmt.Errorf("storage: update chat title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the chat does not exist, or its title no longer matches
		// expectedOldTitle; distinguish the two for callers.
		if _, err := f.LoadChat(ctx, worldID, chatID); err != nil {
			return err
		}
		return ErrStaleTitle
	}
	return nil
}

func (f *sqlFacade) AppendEvent(ctx context.Context, record *model.EventRecord) (int64, error) {
	if record == nil || record.WorldID == "" {
		return 0, ErrNotFound
	}
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: append event: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRowContext(ctx, f.q(`SELECT next_seq FROM event_seq_counters WHERE world_id = ? AND chat_id = ?`, 2), record.WorldID, record.ChatID)
	err = row.Scan(&seq)
	if err == sql.ErrNoRows {
		seq = 1
		_, err = tx.ExecContext(ctx, f.q(`INSERT INTO event_seq_counters (world_id, chat_id, next_seq) VALUES (?, ?, ?)`, 3),
			record.WorldID, record.ChatID, seq+1)
	} else if err == nil {
		_, err = tx.ExecContext(ctx, f.q(`UPDATE event_seq_counters SET next_seq = ? WHERE world_id = ? AND chat_id = ?`, 3),
			seq+1, record.WorldID, record.ChatID)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: append event: seq: %w", err)
	}

	query := f.q(`INSERT INTO events (id, world_id, chat_id, seq, type, payload, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, 8)
	_, err = tx.ExecContext(ctx, query, record.ID, record.WorldID, record.ChatID, seq, string(record.Type),
		string(record.Payload), string(record.Meta), record.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("storage: append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: append event: commit: %w", err)
	}
	record.Seq = seq
	return seq, nil
}

func (f *sqlFacade) GetEventsByWorldAndChat(ctx context.Context, eq EventQuery) ([]*model.EventRecord, error) {
	query := `SELECT id, world_id, chat_id, seq, type, payload, meta, created_at FROM events WHERE world_id = ?`
	args := []any{eq.WorldID}
	if eq.ChatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, eq.ChatID)
	}
	if eq.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(eq.Type))
	}
	if eq.StartSeq > 0 {
		query += ` AND seq >= ?`
		args = append(args, eq.StartSeq)
	}
	if eq.EndSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, eq.EndSeq)
	}
	if !eq.StartDate.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, eq.StartDate)
	}
	if !eq.EndDate.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, eq.EndDate)
	}
	query += ` ORDER BY seq ASC`
	if eq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, eq.Limit)
	}
	if eq.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, eq.Offset)
	}

	rows, err := f.db.QueryContext(ctx, f.q(query, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get events: %w", err)
	}
	defer rows.Close()

	var out []*model.EventRecord
	for rows.Next() {
		r := &model.EventRecord{}
		var typ, payload, meta string
		if err := rows.Scan(&r.ID, &r.WorldID, &r.ChatID, &r.Seq, &typ, &payload, &meta, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: get events: %w", err)
		}
		r.Type = model.EventType(typ)
		r.Payload = []byte(payload)
		r.Meta = []byte(meta)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (f *sqlFacade) DeleteEventsByWorldAndChat(ctx context.Context, worldID, chatID string) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: delete events: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, f.q(`DELETE FROM events WHERE world_id = ? AND chat_id = ?`, 2), worldID, chatID); err != nil {
		return fmt.Errorf("storage: delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, f.q(`DELETE FROM event_seq_counters WHERE world_id = ? AND chat_id = ?`, 2), worldID, chatID); err != nil {
		return fmt.Errorf("storage: delete events: %w", err)
	}
	return tx.Commit()
}
