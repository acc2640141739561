package domain

import "context"

// AgentStore reads and seeds agent configurations.
// Agent returns (nil, nil) when the id is unknown.
type AgentStore interface {
	Agent(ctx context.Context, id int64) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	CreateAgent(ctx context.Context, a *Agent) error
}

// KnowledgeStore manages knowledge entries, always scoped by agent.
type KnowledgeStore interface {
	KnowledgeForAgent(ctx context.Context, agentID int64) ([]KnowledgeEntry, error)
	AddKnowledge(ctx context.Context, e *KnowledgeEntry) error
	SetEmbedding(ctx context.Context, id int64, vec []float64) error
	MissingEmbeddings(ctx context.Context) ([]KnowledgeEntry, error)
}

// ConversationStore persists senders, turns, and replies.
type ConversationStore interface {
	// UpsertClient creates the sender on first contact and refreshes its
	// display name when it changed upstream.
	UpsertClient(ctx context.Context, jid, name string) (*Client, error)

	// SaveExchange persists a turn and its reply atomically. Either both
	// rows land or neither does.
	SaveExchange(ctx context.Context, turn Turn, reply Reply) error

	// History returns the sender's most recent n turns, oldest first, each
	// paired with its reply when one exists.
	History(ctx context.Context, clientID int64, n int) ([]Exchange, error)
}

// TurnQueue hands coalesced turns from the buffer to the worker pool.
type TurnQueue interface {
	Publish(job TurnJob)
	Subscribe() <-chan TurnJob
	Close()
}
