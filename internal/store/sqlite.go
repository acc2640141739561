package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"evorelay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs the agent, knowledge, and conversation stores with a
// single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

// DB exposes the underlying handle for diagnostics and backups.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- agents ---

func (s *SQLiteStore) Agent(ctx context.Context, id int64) (*domain.Agent, error) {
	var a domain.Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, model, system_prompt, temperature, top_p, frequency_penalty, presence_penalty, created_at, updated_at
		 FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Model, &a.SystemPrompt, &a.Temperature, &a.TopP,
		&a.FrequencyPenalty, &a.PresencePenalty, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, model, system_prompt, temperature, top_p, frequency_penalty, presence_penalty, created_at, updated_at
		 FROM agents ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Model, &a.SystemPrompt, &a.Temperature,
			&a.TopP, &a.FrequencyPenalty, &a.PresencePenalty, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *domain.Agent) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, model, system_prompt, temperature, top_p, frequency_penalty, presence_penalty, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Model, a.SystemPrompt, a.Temperature, a.TopP, a.FrequencyPenalty, a.PresencePenalty, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// --- knowledge ---

func (s *SQLiteStore) KnowledgeForAgent(ctx context.Context, agentID int64) ([]domain.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, brief, question, embedding, created_at
		 FROM knowledge_entries WHERE agent_id = ? ORDER BY id`, agentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanKnowledge(rows)
}

func (s *SQLiteStore) AddKnowledge(ctx context.Context, e *domain.KnowledgeEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var embedding any
	if e.HasEmbedding() {
		raw, err := json.Marshal(e.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		embedding = string(raw)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_entries (agent_id, brief, question, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.AgentID, e.Brief, e.Question, embedding, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) SetEmbedding(ctx context.Context, id int64, vec []float64) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_entries SET embedding = ? WHERE id = ?`, string(raw), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("knowledge entry %d not found", id)
	}
	return nil
}

func (s *SQLiteStore) MissingEmbeddings(ctx context.Context) ([]domain.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, brief, question, embedding, created_at
		 FROM knowledge_entries WHERE embedding IS NULL OR embedding = '' ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanKnowledge(rows)
}

func scanKnowledge(rows *sql.Rows) ([]domain.KnowledgeEntry, error) {
	var entries []domain.KnowledgeEntry
	for rows.Next() {
		var e domain.KnowledgeEntry
		var embedding sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Brief, &e.Question, &embedding, &e.CreatedAt); err != nil {
			return nil, err
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &e.Embedding); err != nil {
				return nil, fmt.Errorf("unmarshal embedding for entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- conversations ---

func (s *SQLiteStore) UpsertClient(ctx context.Context, jid, name string) (*domain.Client, error) {
	now := time.Now()
	// Keep the existing name when the envelope carried an empty push name.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (jid, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE clients.name END,
			updated_at = excluded.updated_at`,
		jid, name, now, now,
	)
	if err != nil {
		return nil, err
	}

	var c domain.Client
	err = s.db.QueryRowContext(ctx,
		`SELECT id, jid, name, created_at, updated_at FROM clients WHERE jid = ?`, jid,
	).Scan(&c.ID, &c.JID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveExchange persists a turn and its reply in one transaction. Either
// both rows land or neither does.
func (s *SQLiteStore) SaveExchange(ctx context.Context, turn domain.Turn, reply domain.Reply) error {
	now := time.Now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = now
	}
	if reply.TurnID == "" {
		reply.TurnID = turn.ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, client_id, agent_id, kind, content, media_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ClientID, turn.AgentID, string(turn.Kind), turn.Content, turn.MediaURL, turn.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO replies (turn_id, content, created_at) VALUES (?, ?, ?)`,
		reply.TurnID, reply.Content, reply.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}

	return tx.Commit()
}

// History returns the client's last n turns, oldest first, each paired with
// its reply when one exists.
func (s *SQLiteStore) History(ctx context.Context, clientID int64, n int) ([]domain.Exchange, error) {
	if n <= 0 {
		n = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.client_id, t.agent_id, t.kind, t.content, t.media_url, t.created_at,
		        r.content, r.created_at
		 FROM turns t
		 LEFT JOIN replies r ON r.turn_id = t.id
		 WHERE t.client_id = ?
		 ORDER BY t.created_at DESC, t.rowid DESC LIMIT ?`, clientID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []domain.Exchange
	for rows.Next() {
		var ex domain.Exchange
		var kind string
		var replyContent sql.NullString
		var replyCreated sql.NullTime
		if err := rows.Scan(&ex.Turn.ID, &ex.Turn.ClientID, &ex.Turn.AgentID, &kind,
			&ex.Turn.Content, &ex.Turn.MediaURL, &ex.Turn.CreatedAt,
			&replyContent, &replyCreated); err != nil {
			return nil, err
		}
		ex.Turn.Kind = domain.ContentKind(kind)
		if replyContent.Valid {
			ex.Reply = &domain.Reply{
				TurnID:    ex.Turn.ID,
				Content:   replyContent.String,
				CreatedAt: replyCreated.Time,
			}
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}
	return exchanges, nil
}
