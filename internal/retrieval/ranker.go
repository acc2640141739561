// Package retrieval ranks knowledge entries against a query embedding.
package retrieval

import (
	"log/slog"
	"math"
	"sort"

	"evorelay/internal/domain"
)

// Match is one ranked knowledge entry.
type Match struct {
	Score float64
	Entry domain.KnowledgeEntry
}

// Rank orders entries by descending cosine similarity to the query vector
// and returns the top k. Entries with a missing or malformed embedding are
// skipped rather than failing the whole ranking. Ties keep input order.
func Rank(query []float64, entries []domain.KnowledgeEntry, topK int, logger *slog.Logger) []Match {
	if topK <= 0 || len(entries) == 0 || len(query) == 0 {
		return nil
	}

	qNorm := norm(query)
	if qNorm == 0 {
		return nil
	}

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) != len(query) {
			logger.Debug("skipping knowledge entry with unusable embedding",
				"entry", e.ID, "dims", len(e.Embedding), "want", len(query))
			continue
		}
		eNorm := norm(e.Embedding)
		if eNorm == 0 {
			logger.Debug("skipping knowledge entry with zero-norm embedding", "entry", e.ID)
			continue
		}
		matches = append(matches, Match{
			Score: dot(query, e.Embedding) / (qNorm * eNorm),
			Entry: e,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}
