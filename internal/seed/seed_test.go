package seed

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"evorelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const sampleYAML = `
agents:
  - name: Shop Assistant
    model: gpt-4o
    system_prompt: You answer questions about the bike shop.
    temperature: 0.7
    top_p: 0.9
    knowledge:
      - brief: We ship worldwide within 5 business days.
        question: Do you ship internationally?
      - brief: Red bikes cost $200.
  - name: Clinic Bot
    model: gpt-4o-mini
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type memAgents struct {
	created []*domain.Agent
	nextID  int64
}

func (m *memAgents) Agent(ctx context.Context, id int64) (*domain.Agent, error) { return nil, nil }
func (m *memAgents) ListAgents(ctx context.Context) ([]domain.Agent, error)     { return nil, nil }
func (m *memAgents) CreateAgent(ctx context.Context, a *domain.Agent) error {
	m.nextID++
	a.ID = m.nextID
	m.created = append(m.created, a)
	return nil
}

type memKnowledge struct {
	entries []*domain.KnowledgeEntry
	vecs    map[int64][]float64
	nextID  int64
}

func (m *memKnowledge) KnowledgeForAgent(ctx context.Context, agentID int64) ([]domain.KnowledgeEntry, error) {
	return nil, nil
}
func (m *memKnowledge) AddKnowledge(ctx context.Context, e *domain.KnowledgeEntry) error {
	m.nextID++
	e.ID = m.nextID
	m.entries = append(m.entries, e)
	return nil
}
func (m *memKnowledge) SetEmbedding(ctx context.Context, id int64, vec []float64) error {
	if m.vecs == nil {
		m.vecs = map[int64][]float64{}
	}
	m.vecs[id] = vec
	return nil
}
func (m *memKnowledge) MissingEmbeddings(ctx context.Context) ([]domain.KnowledgeEntry, error) {
	var out []domain.KnowledgeEntry
	for _, e := range m.entries {
		if !e.HasEmbedding() {
			out = append(out, *e)
		}
	}
	return out, nil
}

type stubEmbedder struct {
	calls []string
	err   error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	s.calls = append(s.calls, text)
	if s.err != nil {
		return nil, s.err
	}
	return []float64{1, 2}, nil
}

func TestLoad(t *testing.T) {
	f, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(f.Agents))
	}
	a := f.Agents[0]
	if a.Name != "Shop Assistant" || a.Model != "gpt-4o" || a.Temperature != 0.7 || a.TopP != 0.9 {
		t.Errorf("agent parse: %+v", a)
	}
	if len(a.Knowledge) != 2 || a.Knowledge[0].Question != "Do you ship internationally?" {
		t.Errorf("knowledge parse: %+v", a.Knowledge)
	}
}

func TestLoad_MissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("agents:\n  - model: gpt-4o\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("expected error for agent without name")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApply_WithEmbedder(t *testing.T) {
	f, _ := Load(writeSample(t))
	agents := &memAgents{}
	knowledge := &memKnowledge{}
	emb := &stubEmbedder{}

	res, err := Apply(context.Background(), f, agents, knowledge, emb, testLogger())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Agents != 2 || res.Entries != 2 || res.Embedded != 2 {
		t.Errorf("result = %+v", res)
	}

	// Question preferred over brief for the vectorized text.
	if emb.calls[0] != "Do you ship internationally?" {
		t.Errorf("embedded %q", emb.calls[0])
	}
	if emb.calls[1] != "Red bikes cost $200." {
		t.Errorf("embedded %q", emb.calls[1])
	}

	if knowledge.entries[0].AgentID != agents.created[0].ID {
		t.Error("knowledge not scoped to its agent")
	}
	if !knowledge.entries[0].HasEmbedding() {
		t.Error("vector not stored inline")
	}
}

func TestApply_EmbedderFailureStillSeeds(t *testing.T) {
	f, _ := Load(writeSample(t))
	knowledge := &memKnowledge{}

	res, err := Apply(context.Background(), f, &memAgents{}, knowledge, &stubEmbedder{err: errors.New("down")}, testLogger())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Entries != 2 || res.Embedded != 0 {
		t.Errorf("result = %+v", res)
	}
	if knowledge.entries[0].HasEmbedding() {
		t.Error("entry should land without a vector")
	}
}

func TestApply_NoEmbedder(t *testing.T) {
	f, _ := Load(writeSample(t))
	knowledge := &memKnowledge{}

	res, err := Apply(context.Background(), f, &memAgents{}, knowledge, nil, testLogger())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Embedded != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestBackfill(t *testing.T) {
	knowledge := &memKnowledge{}
	knowledge.AddKnowledge(context.Background(), &domain.KnowledgeEntry{Brief: "pending"})
	knowledge.AddKnowledge(context.Background(), &domain.KnowledgeEntry{Brief: "done", Embedding: []float64{1}})

	n, err := Backfill(context.Background(), knowledge, &stubEmbedder{}, testLogger())
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 backfilled, got %d", n)
	}
	if knowledge.vecs[1] == nil {
		t.Error("vector not written back")
	}
}
