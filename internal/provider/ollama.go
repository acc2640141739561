package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"evorelay/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
	ollamaEmbedModel   = "nomic-embed-text"
)

// Ollama backs completion and embedding against a local or remote Ollama
// server. It has no transcription or vision capability.
type Ollama struct {
	apiBase      string
	defaultModel string
	embedModel   string
	client       *http.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	EmbedModel   string
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = ollamaEmbedModel
	}
	return &Ollama{
		apiBase:      cfg.APIBase,
		defaultModel: cfg.DefaultModel,
		embedModel:   cfg.EmbedModel,
		client:       SharedHTTPClient(defaultHTTPTimeout),
		logger:       cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// ollamaRequest matches the Ollama /api/chat request body. Sampling knobs
// go through the options map.
type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason"`
}

func (o *Ollama) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	msgs := make([]ollamaMsg, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, ollamaMsg{Role: domain.RoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ollamaMsg{Role: domain.RoleUser, Content: req.Content})

	options := map[string]any{}
	if req.Sampling.Temperature > 0 {
		options["temperature"] = req.Sampling.Temperature
	}
	if req.Sampling.TopP > 0 {
		options["top_p"] = req.Sampling.TopP
	}
	if req.Sampling.FrequencyPenalty != 0 {
		options["frequency_penalty"] = req.Sampling.FrequencyPenalty
	}
	if req.Sampling.PresencePenalty != 0 {
		options["presence_penalty"] = req.Sampling.PresencePenalty
	}
	if len(options) == 0 {
		options = nil
	}

	jsonBody, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: msgs,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/api/chat", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}, o.logger)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(respBody))
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return ollamaResp.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float64, error) {
	jsonBody, err := json.Marshal(ollamaEmbedRequest{Model: o.embedModel, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/api/embeddings", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}, o.logger)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama embeddings %d: %s", resp.StatusCode, string(respBody))
	}

	var embResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embeddings: empty vector")
	}
	return embResp.Embedding, nil
}
