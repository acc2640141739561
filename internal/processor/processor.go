package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"evorelay/internal/bus"
	"evorelay/internal/domain"
	"evorelay/internal/retrieval"
)

// fallbackReply is sent when generation fails. It is persisted like any
// other reply so the history stays consistent with what the sender saw.
const fallbackReply = "Sorry, there was an error processing your request."

// Config carries the processing knobs.
type Config struct {
	HistoryTurns int // history window size per sender
	TopK         int // knowledge entries injected per turn
}

// Processor drives one coalesced turn through the full pipeline: agent
// lookup, sender upsert, history window, retrieval, generation, atomic
// persistence, and dispatch.
type Processor struct {
	agents     domain.AgentStore
	knowledge  domain.KnowledgeStore
	convs      domain.ConversationStore
	completer  domain.Completer
	embedder   domain.Embedder
	dispatcher domain.Dispatcher
	events     *bus.EventBus
	cfg        Config
	logger     *slog.Logger
}

func New(
	agents domain.AgentStore,
	knowledge domain.KnowledgeStore,
	convs domain.ConversationStore,
	completer domain.Completer,
	embedder domain.Embedder,
	dispatcher domain.Dispatcher,
	events *bus.EventBus,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 5
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Processor{
		agents:     agents,
		knowledge:  knowledge,
		convs:      convs,
		completer:  completer,
		embedder:   embedder,
		dispatcher: dispatcher,
		events:     events,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run consumes jobs until the channel closes or the context is cancelled.
// It blocks, so call it from a dedicated goroutine per worker pool.
func (p *Processor) Run(ctx context.Context, jobs <-chan domain.TurnJob, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					p.Process(ctx, job)
				}
			}
		}(i)
	}
	wg.Wait()
}

// Process handles one coalesced turn end to end. Failures degrade rather
// than abort: a dead embedder means no retrieval context, a dead completer
// means the fallback reply; only an unknown agent or a storage failure
// drops the turn.
func (p *Processor) Process(ctx context.Context, job domain.TurnJob) {
	start := time.Now()
	logger := p.logger.With("jid", job.Key.JID, "instance", job.Key.Instance, "agent_id", job.AgentID)

	// Agent config is read here, not at ingress, so edits made while a
	// turn was buffering take effect.
	agent, err := p.agents.Agent(ctx, job.AgentID)
	if err != nil {
		logger.Error("agent lookup failed", "err", err)
		return
	}
	if agent == nil {
		logger.Warn("turn dropped: unknown agent")
		return
	}

	client, err := p.convs.UpsertClient(ctx, job.Key.JID, job.PushName)
	if err != nil {
		logger.Error("client upsert failed", "err", err)
		return
	}

	history := p.historyMessages(ctx, client.ID, logger)
	system := buildSystem(agent.SystemPrompt, p.retrieve(ctx, agent.ID, job.Content, logger))

	reply, genErr := p.completer.Complete(ctx, domain.CompletionRequest{
		Model:    agent.Model,
		System:   system,
		History:  history,
		Content:  job.Content,
		Sampling: agent.Sampling(),
	})
	if genErr != nil {
		logger.Error("generation failed, sending fallback", "err", genErr)
		p.emit(bus.EventProviderError, map[string]any{"err": genErr.Error(), "agent_id": job.AgentID})
		reply = fallbackReply
	}

	turn := domain.Turn{
		ID:        uuid.NewString(),
		ClientID:  client.ID,
		AgentID:   agent.ID,
		Kind:      job.Kind,
		Content:   job.Content,
		MediaURL:  job.MediaURL,
		CreatedAt: job.FiredAt,
	}
	if err := p.convs.SaveExchange(ctx, turn, domain.Reply{TurnID: turn.ID, Content: reply}); err != nil {
		logger.Error("exchange not persisted, turn dropped", "err", err)
		return
	}

	if err := p.dispatcher.Send(ctx, job.Key.JID, reply, job.Creds); err != nil {
		// The exchange is already persisted; delivery failure is logged
		// and the turn is done.
		logger.Error("dispatch failed", "err", err)
		p.emit(bus.EventDispatchError, map[string]any{"err": err.Error(), "instance": job.Key.Instance})
	} else {
		p.emit(bus.EventReplySent, map[string]any{"jid": job.Key.JID, "instance": job.Key.Instance})
	}

	p.emit(bus.EventTurnProcessed, map[string]any{"agent_id": agent.ID})
	logger.Info("turn processed",
		"turn_id", turn.ID,
		"kind", string(job.Kind),
		"fallback", genErr != nil,
		"took", time.Since(start),
	)
}

// historyMessages flattens the sender's recent exchanges into chat
// messages, oldest first. A history failure degrades to an empty window.
func (p *Processor) historyMessages(ctx context.Context, clientID int64, logger *slog.Logger) []domain.ChatMessage {
	exchanges, err := p.convs.History(ctx, clientID, p.cfg.HistoryTurns)
	if err != nil {
		logger.Warn("history unavailable, continuing without", "err", err)
		return nil
	}

	msgs := make([]domain.ChatMessage, 0, len(exchanges)*2)
	for _, ex := range exchanges {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: ex.Turn.Content})
		if ex.Reply != nil {
			msgs = append(msgs, domain.ChatMessage{Role: domain.RoleAssistant, Content: ex.Reply.Content})
		}
	}
	return msgs
}

// retrieve embeds the turn content and ranks the agent's knowledge base
// against it. Any failure degrades to an empty context.
func (p *Processor) retrieve(ctx context.Context, agentID int64, content string, logger *slog.Logger) []retrieval.Match {
	entries, err := p.knowledge.KnowledgeForAgent(ctx, agentID)
	if err != nil {
		logger.Warn("knowledge unavailable, continuing without context", "err", err)
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	vec, err := p.embedder.Embed(ctx, content)
	if err != nil {
		logger.Warn("embedding failed, continuing without context", "err", err)
		p.emit(bus.EventProviderError, map[string]any{"err": err.Error(), "stage": "embed"})
		return nil
	}

	return retrieval.Rank(vec, entries, p.cfg.TopK, logger)
}

func (p *Processor) emit(eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: eventType, Source: "processor", Payload: payload})
}
