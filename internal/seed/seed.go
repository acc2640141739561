// Package seed imports agent definitions and their knowledge bases from a
// YAML file into the store.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"evorelay/internal/domain"
)

// File is the top-level YAML document.
type File struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec is one agent definition plus its knowledge entries.
type AgentSpec struct {
	Name             string          `yaml:"name"`
	Model            string          `yaml:"model"`
	SystemPrompt     string          `yaml:"system_prompt"`
	Temperature      float64         `yaml:"temperature"`
	TopP             float64         `yaml:"top_p"`
	FrequencyPenalty float64         `yaml:"frequency_penalty"`
	PresencePenalty  float64         `yaml:"presence_penalty"`
	Knowledge        []KnowledgeSpec `yaml:"knowledge"`
}

type KnowledgeSpec struct {
	Brief    string `yaml:"brief"`
	Question string `yaml:"question"`
}

// Result summarizes one import run.
type Result struct {
	Agents   int
	Entries  int
	Embedded int
}

// Load parses the YAML file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, a := range f.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("agent %d: name is required", i)
		}
	}
	return &f, nil
}

// Apply creates the agents and knowledge entries from f. When embedder is
// non-nil, vectors are computed inline; otherwise entries land without
// embeddings for a later backfill run.
func Apply(ctx context.Context, f *File, agents domain.AgentStore, knowledge domain.KnowledgeStore, embedder domain.Embedder, logger *slog.Logger) (*Result, error) {
	res := &Result{}

	for _, spec := range f.Agents {
		agent := &domain.Agent{
			Name:             spec.Name,
			Model:            spec.Model,
			SystemPrompt:     spec.SystemPrompt,
			Temperature:      spec.Temperature,
			TopP:             spec.TopP,
			FrequencyPenalty: spec.FrequencyPenalty,
			PresencePenalty:  spec.PresencePenalty,
		}
		if err := agents.CreateAgent(ctx, agent); err != nil {
			return res, fmt.Errorf("create agent %q: %w", spec.Name, err)
		}
		res.Agents++
		logger.Info("agent seeded", "id", agent.ID, "name", agent.Name)

		for _, k := range spec.Knowledge {
			entry := &domain.KnowledgeEntry{
				AgentID:  agent.ID,
				Brief:    k.Brief,
				Question: k.Question,
			}
			if embedder != nil {
				vec, err := embedder.Embed(ctx, embedText(k))
				if err != nil {
					// Entry still lands; `evorelay embed` backfills later.
					logger.Warn("embedding failed, seeding without vector", "agent", agent.Name, "err", err)
				} else {
					entry.Embedding = vec
					res.Embedded++
				}
			}
			if err := knowledge.AddKnowledge(ctx, entry); err != nil {
				return res, fmt.Errorf("add knowledge for %q: %w", spec.Name, err)
			}
			res.Entries++
		}
	}

	return res, nil
}

// embedText picks what gets vectorized: the question when present (queries
// match against questions), otherwise the brief itself.
func embedText(k KnowledgeSpec) string {
	if k.Question != "" {
		return k.Question
	}
	return k.Brief
}

// Backfill computes vectors for every entry still missing one.
func Backfill(ctx context.Context, knowledge domain.KnowledgeStore, embedder domain.Embedder, logger *slog.Logger) (int, error) {
	missing, err := knowledge.MissingEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list missing embeddings: %w", err)
	}

	done := 0
	for _, e := range missing {
		text := e.Question
		if text == "" {
			text = e.Brief
		}
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			logger.Warn("embedding failed, skipping entry", "id", e.ID, "err", err)
			continue
		}
		if err := knowledge.SetEmbedding(ctx, e.ID, vec); err != nil {
			return done, fmt.Errorf("store embedding for entry %d: %w", e.ID, err)
		}
		done++
	}

	logger.Info("embedding backfill complete", "missing", len(missing), "embedded", done)
	return done, nil
}
