package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"evorelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- fakes ---

type fakeAgents struct {
	agents map[int64]*domain.Agent
	err    error
}

func (f *fakeAgents) Agent(ctx context.Context, id int64) (*domain.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agents[id], nil
}
func (f *fakeAgents) ListAgents(ctx context.Context) ([]domain.Agent, error) { return nil, nil }
func (f *fakeAgents) CreateAgent(ctx context.Context, a *domain.Agent) error { return nil }

type fakeKnowledge struct {
	entries []domain.KnowledgeEntry
	err     error
}

func (f *fakeKnowledge) KnowledgeForAgent(ctx context.Context, agentID int64) ([]domain.KnowledgeEntry, error) {
	return f.entries, f.err
}
func (f *fakeKnowledge) AddKnowledge(ctx context.Context, e *domain.KnowledgeEntry) error { return nil }
func (f *fakeKnowledge) SetEmbedding(ctx context.Context, id int64, vec []float64) error  { return nil }
func (f *fakeKnowledge) MissingEmbeddings(ctx context.Context) ([]domain.KnowledgeEntry, error) {
	return nil, nil
}

type savedExchange struct {
	turn  domain.Turn
	reply domain.Reply
}

type fakeConvs struct {
	mu       sync.Mutex
	history  []domain.Exchange
	saveErr  error
	saved    []savedExchange
	upserted []string
}

func (f *fakeConvs) UpsertClient(ctx context.Context, jid, name string) (*domain.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, jid)
	return &domain.Client{ID: 7, JID: jid, Name: name}, nil
}

func (f *fakeConvs) SaveExchange(ctx context.Context, turn domain.Turn, reply domain.Reply) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedExchange{turn, reply})
	return nil
}

func (f *fakeConvs) History(ctx context.Context, clientID int64, n int) ([]domain.Exchange, error) {
	return f.history, nil
}

func (f *fakeConvs) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	got   []domain.CompletionRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	return f.reply, f.err
}
func (f *fakeCompleter) Name() string                      { return "fake" }
func (f *fakeCompleter) Healthy(ctx context.Context) error { return nil }

func (f *fakeCompleter) lastReq(t *testing.T) domain.CompletionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		t.Fatal("completer never called")
	}
	return f.got[len(f.got)-1]
}

type fakeEmbedder struct {
	vec []float64
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.vec, f.err
}

type sentMsg struct {
	jid   string
	text  string
	creds domain.ChannelCreds
}

type fakeDispatcher struct {
	mu   sync.Mutex
	err  error
	sent []sentMsg
}

func (f *fakeDispatcher) Send(ctx context.Context, jid, text string, creds domain.ChannelCreds) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{jid, text, creds})
	return f.err
}

func (f *fakeDispatcher) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// --- harness ---

type fixture struct {
	agents     *fakeAgents
	knowledge  *fakeKnowledge
	convs      *fakeConvs
	completer  *fakeCompleter
	embedder   *fakeEmbedder
	dispatcher *fakeDispatcher
	proc       *Processor
}

func newFixture() *fixture {
	f := &fixture{
		agents: &fakeAgents{agents: map[int64]*domain.Agent{
			1: {ID: 1, Name: "shop", Model: "gpt-4o", SystemPrompt: "You sell bicycles.", Temperature: 0.7},
		}},
		knowledge: &fakeKnowledge{entries: []domain.KnowledgeEntry{
			{ID: 1, AgentID: 1, Brief: "We ship worldwide.", Embedding: []float64{1, 0}},
			{ID: 2, AgentID: 1, Brief: "Red bikes cost $200.", Embedding: []float64{0, 1}},
		}},
		convs:      &fakeConvs{},
		completer:  &fakeCompleter{reply: "generated answer"},
		embedder:   &fakeEmbedder{vec: []float64{0, 1}},
		dispatcher: &fakeDispatcher{},
	}
	f.proc = New(f.agents, f.knowledge, f.convs, f.completer, f.embedder, f.dispatcher, nil,
		Config{HistoryTurns: 5, TopK: 1}, testLogger())
	return f
}

func job() domain.TurnJob {
	return domain.TurnJob{
		Key:      domain.BufferKey{JID: "555@s.whatsapp.net", Instance: "shop-main"},
		AgentID:  1,
		PushName: "Alice",
		Kind:     domain.KindText,
		Content:  "How much is the red bike?",
		Creds:    domain.ChannelCreds{Instance: "shop-main", APIKey: "k", ServerURL: "http://evo"},
		FiredAt:  time.Now(),
	}
}

// --- tests ---

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture()
	f.proc.Process(context.Background(), job())

	req := f.completer.lastReq(t)
	if req.Model != "gpt-4o" || req.Sampling.Temperature != 0.7 {
		t.Errorf("agent settings not forwarded: %+v", req)
	}
	if !strings.Contains(req.System, "You sell bicycles.") {
		t.Errorf("agent prompt missing from system: %q", req.System)
	}
	// TopK=1 and the query vector points at the price fact.
	if !strings.Contains(req.System, "Red bikes cost $200.") || strings.Contains(req.System, "We ship worldwide.") {
		t.Errorf("wrong retrieval context: %q", req.System)
	}
	if req.Content != "How much is the red bike?" {
		t.Errorf("content = %q", req.Content)
	}

	if f.convs.savedCount() != 1 {
		t.Fatalf("expected 1 saved exchange, got %d", f.convs.savedCount())
	}
	saved := f.convs.saved[0]
	if saved.turn.ID == "" || saved.reply.TurnID != saved.turn.ID {
		t.Errorf("reply not linked to turn: %+v", saved)
	}
	if saved.reply.Content != "generated answer" {
		t.Errorf("reply content = %q", saved.reply.Content)
	}

	if f.dispatcher.sentCount() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", f.dispatcher.sentCount())
	}
	sent := f.dispatcher.sent[0]
	if sent.jid != "555@s.whatsapp.net" || sent.text != "generated answer" {
		t.Errorf("unexpected dispatch: %+v", sent)
	}
	if sent.creds.Instance != "shop-main" || sent.creds.APIKey != "k" {
		t.Errorf("envelope creds not used for send: %+v", sent.creds)
	}
}

func TestProcess_UnknownAgentDropped(t *testing.T) {
	f := newFixture()
	j := job()
	j.AgentID = 99
	f.proc.Process(context.Background(), j)

	if f.convs.savedCount() != 0 {
		t.Error("turn for unknown agent was persisted")
	}
	if f.dispatcher.sentCount() != 0 {
		t.Error("turn for unknown agent was dispatched")
	}
}

func TestProcess_EmbedFailureDegradesToEmptyContext(t *testing.T) {
	f := newFixture()
	f.embedder.err = errors.New("embeddings down")
	f.proc.Process(context.Background(), job())

	req := f.completer.lastReq(t)
	if strings.Contains(req.System, "Knowledge Base Context") {
		t.Errorf("expected no retrieval context: %q", req.System)
	}
	if f.convs.savedCount() != 1 || f.dispatcher.sentCount() != 1 {
		t.Error("degraded turn should still complete")
	}
}

func TestProcess_GenerationFailureSendsFallback(t *testing.T) {
	f := newFixture()
	f.completer.err = errors.New("model down")
	f.proc.Process(context.Background(), job())

	if f.convs.savedCount() != 1 {
		t.Fatal("fallback exchange not persisted")
	}
	if f.convs.saved[0].reply.Content != fallbackReply {
		t.Errorf("reply = %q", f.convs.saved[0].reply.Content)
	}
	if f.dispatcher.sentCount() != 1 || f.dispatcher.sent[0].text != fallbackReply {
		t.Error("fallback not dispatched")
	}
}

func TestProcess_DispatchFailureKeepsExchange(t *testing.T) {
	f := newFixture()
	f.dispatcher.err = errors.New("evolution unreachable")
	f.proc.Process(context.Background(), job())

	if f.convs.savedCount() != 1 {
		t.Error("exchange should persist even when delivery fails")
	}
}

func TestProcess_SaveFailureSkipsDispatch(t *testing.T) {
	f := newFixture()
	f.convs.saveErr = errors.New("disk full")
	f.proc.Process(context.Background(), job())

	if f.dispatcher.sentCount() != 0 {
		t.Error("unpersisted turn must not be dispatched")
	}
}

func TestProcess_HistoryForwarded(t *testing.T) {
	f := newFixture()
	reply := &domain.Reply{TurnID: "t1", Content: "earlier answer"}
	f.convs.history = []domain.Exchange{
		{Turn: domain.Turn{ID: "t1", Content: "earlier question"}, Reply: reply},
		{Turn: domain.Turn{ID: "t2", Content: "unanswered question"}},
	}
	f.proc.Process(context.Background(), job())

	req := f.completer.lastReq(t)
	want := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "earlier question"},
		{Role: domain.RoleAssistant, Content: "earlier answer"},
		{Role: domain.RoleUser, Content: "unanswered question"},
	}
	if len(req.History) != len(want) {
		t.Fatalf("history length %d, want %d", len(req.History), len(want))
	}
	for i := range want {
		if req.History[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, req.History[i], want[i])
		}
	}
}

func TestProcess_PushNameUpserted(t *testing.T) {
	f := newFixture()
	f.proc.Process(context.Background(), job())

	if len(f.convs.upserted) != 1 || f.convs.upserted[0] != "555@s.whatsapp.net" {
		t.Errorf("client not upserted: %v", f.convs.upserted)
	}
}

func TestRun_DrainsQueue(t *testing.T) {
	f := newFixture()

	jobs := make(chan domain.TurnJob, 10)
	for i := 0; i < 8; i++ {
		j := job()
		j.Key.JID = fmt.Sprintf("user%d@s.whatsapp.net", i)
		jobs <- j
	}
	close(jobs)

	f.proc.Run(context.Background(), jobs, 3)

	if f.convs.savedCount() != 8 {
		t.Errorf("expected 8 exchanges, got %d", f.convs.savedCount())
	}
	if f.dispatcher.sentCount() != 8 {
		t.Errorf("expected 8 dispatches, got %d", f.dispatcher.sentCount())
	}
}

func TestBuildSystem(t *testing.T) {
	if got := buildSystem("", nil); got != defaultSystemPrompt {
		t.Errorf("empty agent prompt should fall back to the default")
	}
	if got := buildSystem("Custom prompt.", nil); got != "Custom prompt." {
		t.Errorf("got %q", got)
	}
}
