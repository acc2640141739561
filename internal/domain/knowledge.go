package domain

import "time"

// KnowledgeEntry is one retrievable unit of an agent's knowledge base.
// The embedding is nil until computed (entries can be seeded without
// vectors and backfilled later).
type KnowledgeEntry struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	Brief     string    `json:"brief"`
	Question  string    `json:"question"`
	Embedding []float64 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasEmbedding reports whether the entry's vector has been computed.
func (e *KnowledgeEntry) HasEmbedding() bool { return len(e.Embedding) > 0 }
