package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"evorelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrations_FreshDatabase(t *testing.T) {
	s := testStore(t)

	version, err := GetSchemaVersion(s.DB())
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	s := testStore(t)

	if err := RunMigrations(s.DB(), testLogger()); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
}

func TestAgent_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := &domain.Agent{
		Name:         "Support Bot",
		Model:        "gpt-4o",
		SystemPrompt: "You answer product questions.",
		Temperature:  0.7,
		TopP:         0.9,
	}
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("agent ID not assigned")
	}

	got, err := s.Agent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("agent not found")
	}
	if got.Name != "Support Bot" || got.Model != "gpt-4o" || got.Temperature != 0.7 || got.TopP != 0.9 {
		t.Errorf("agent round-trip mismatch: %+v", got)
	}
}

func TestAgent_UnknownIsNilNil(t *testing.T) {
	s := testStore(t)

	got, err := s.Agent(context.Background(), 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown agent, got %+v", got)
	}
}

func TestAgent_List(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"first", "second"} {
		if err := s.CreateAgent(ctx, &domain.Agent{Name: name}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 || agents[0].Name != "first" {
		t.Errorf("unexpected list: %+v", agents)
	}
}

func TestKnowledge_AddAndRetrieve(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	agent := &domain.Agent{Name: "kb"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	withVec := &domain.KnowledgeEntry{
		AgentID:   agent.ID,
		Brief:     "Shipping takes 3-5 business days.",
		Question:  "How long does shipping take?",
		Embedding: []float64{0.1, 0.2, 0.3},
	}
	if err := s.AddKnowledge(ctx, withVec); err != nil {
		t.Fatalf("add knowledge: %v", err)
	}
	withoutVec := &domain.KnowledgeEntry{
		AgentID: agent.ID,
		Brief:   "Returns are accepted within 30 days.",
	}
	if err := s.AddKnowledge(ctx, withoutVec); err != nil {
		t.Fatalf("add knowledge: %v", err)
	}

	entries, err := s.KnowledgeForAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("knowledge for agent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].HasEmbedding() || entries[0].Embedding[1] != 0.2 {
		t.Errorf("embedding not round-tripped: %+v", entries[0])
	}
	if entries[1].HasEmbedding() {
		t.Error("entry seeded without vector should have nil embedding")
	}
}

func TestKnowledge_ScopedByAgent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := &domain.Agent{Name: "a"}
	b := &domain.Agent{Name: "b"}
	s.CreateAgent(ctx, a)
	s.CreateAgent(ctx, b)

	s.AddKnowledge(ctx, &domain.KnowledgeEntry{AgentID: a.ID, Brief: "fact for a"})
	s.AddKnowledge(ctx, &domain.KnowledgeEntry{AgentID: b.ID, Brief: "fact for b"})

	entries, err := s.KnowledgeForAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("knowledge: %v", err)
	}
	if len(entries) != 1 || entries[0].Brief != "fact for a" {
		t.Errorf("cross-agent knowledge leak: %+v", entries)
	}
}

func TestKnowledge_MissingEmbeddingsAndBackfill(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	agent := &domain.Agent{Name: "kb"}
	s.CreateAgent(ctx, agent)

	e := &domain.KnowledgeEntry{AgentID: agent.ID, Brief: "pending fact"}
	s.AddKnowledge(ctx, e)
	s.AddKnowledge(ctx, &domain.KnowledgeEntry{AgentID: agent.ID, Brief: "done", Embedding: []float64{1}})

	missing, err := s.MissingEmbeddings(ctx)
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != e.ID {
		t.Fatalf("unexpected missing set: %+v", missing)
	}

	if err := s.SetEmbedding(ctx, e.ID, []float64{0.5, 0.5}); err != nil {
		t.Fatalf("set embedding: %v", err)
	}
	missing, _ = s.MissingEmbeddings(ctx)
	if len(missing) != 0 {
		t.Errorf("backfilled entry still reported missing")
	}

	if err := s.SetEmbedding(ctx, 9999, []float64{1}); err == nil {
		t.Error("expected error for unknown entry")
	}
}

func TestUpsertClient(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c1, err := s.UpsertClient(ctx, "555@s.whatsapp.net", "Alice")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if c1.ID == 0 || c1.Name != "Alice" {
		t.Fatalf("unexpected client: %+v", c1)
	}

	// Same JID keeps the row, refreshed name wins.
	c2, err := s.UpsertClient(ctx, "555@s.whatsapp.net", "Alice Smith")
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if c2.ID != c1.ID {
		t.Errorf("upsert created a second row: %d vs %d", c2.ID, c1.ID)
	}
	if c2.Name != "Alice Smith" {
		t.Errorf("name not refreshed: %q", c2.Name)
	}

	// Empty push name must not erase the stored one.
	c3, _ := s.UpsertClient(ctx, "555@s.whatsapp.net", "")
	if c3.Name != "Alice Smith" {
		t.Errorf("empty name erased stored name: %q", c3.Name)
	}
}

func TestSaveExchangeAndHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client, _ := s.UpsertClient(ctx, "555@s.whatsapp.net", "Alice")

	base := time.Now().Add(-time.Hour)
	for i, q := range []string{"first question", "second question", "third question"} {
		err := s.SaveExchange(ctx,
			domain.Turn{
				ID:        "turn-" + q[:5] + string(rune('0'+i)),
				ClientID:  client.ID,
				AgentID:   1,
				Kind:      domain.KindText,
				Content:   q,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			},
			domain.Reply{Content: "answer to " + q},
		)
		if err != nil {
			t.Fatalf("save exchange %d: %v", i, err)
		}
	}

	hist, err := s.History(ctx, client.ID, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(hist))
	}
	// Oldest first within the window: second, then third.
	if hist[0].Turn.Content != "second question" || hist[1].Turn.Content != "third question" {
		t.Errorf("wrong order: %q, %q", hist[0].Turn.Content, hist[1].Turn.Content)
	}
	if hist[0].Reply == nil || hist[0].Reply.Content != "answer to second question" {
		t.Errorf("reply not paired: %+v", hist[0].Reply)
	}
}

func TestSaveExchange_Atomic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client, _ := s.UpsertClient(ctx, "555@s.whatsapp.net", "Alice")

	turn := domain.Turn{ID: "turn-dup", ClientID: client.ID, AgentID: 1, Kind: domain.KindText, Content: "hi"}
	if err := s.SaveExchange(ctx, turn, domain.Reply{Content: "hello"}); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Duplicate turn id must fail and leave exactly one reply behind.
	if err := s.SaveExchange(ctx, turn, domain.Reply{Content: "other"}); err == nil {
		t.Fatal("expected duplicate turn id to fail")
	}

	var replies int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM replies").Scan(&replies); err != nil {
		t.Fatalf("count replies: %v", err)
	}
	if replies != 1 {
		t.Errorf("partial exchange persisted: %d replies", replies)
	}
}

func TestHistory_Empty(t *testing.T) {
	s := testStore(t)

	hist, err := s.History(context.Background(), 42, 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("expected empty history, got %d", len(hist))
	}
}
