package processor

import (
	"strings"

	"evorelay/internal/retrieval"
)

// defaultSystemPrompt is used when an agent has no prompt of its own.
const defaultSystemPrompt = "You are an AI assistant specialized in providing comprehensive answers based on the provided " +
	"knowledge base and conversation history. Use the information to answer the user's question. " +
	"If the information is not sufficient, state that you cannot provide a full answer based on the given context."

// buildSystem assembles the system prompt for one turn: the agent's own
// prompt followed by the retrieved knowledge context. With no matches the
// model sees the agent prompt alone.
func buildSystem(agentPrompt string, matches []retrieval.Match) string {
	var b strings.Builder
	if agentPrompt != "" {
		b.WriteString(agentPrompt)
	} else {
		b.WriteString(defaultSystemPrompt)
	}

	if len(matches) > 0 {
		b.WriteString("\n\nKnowledge Base Context:\n")
		for i, m := range matches {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(m.Entry.Brief)
		}
	}
	return b.String()
}
