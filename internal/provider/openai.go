package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"evorelay/internal/domain"
)

// OpenAI talks to OpenAI-compatible APIs and backs all four relay
// capabilities: chat completion, embeddings, audio transcription, and
// image description.
type OpenAI struct {
	apiKey       string
	apiBase      string
	model        string
	embedModel   string
	whisperModel string
	visionModel  string
	client       *http.Client
	logger       *slog.Logger
}

type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	EmbedModel   string
	WhisperModel string
	VisionModel  string
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-3-small"
	}
	if cfg.WhisperModel == "" {
		cfg.WhisperModel = "whisper-1"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	return &OpenAI{
		apiKey:       cfg.APIKey,
		apiBase:      cfg.APIBase,
		model:        cfg.Model,
		embedModel:   cfg.EmbedModel,
		whisperModel: cfg.WhisperModel,
		visionModel:  cfg.VisionModel,
		client:       SharedHTTPClient(defaultHTTPTimeout),
		logger:       cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("openai: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai returned %d", resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model            string       `json:"model"`
	Messages         []oaiMessage `json:"messages"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	Stream           bool         `json:"stream"`
}

// oaiMessage carries either a plain string content or multimodal parts.
type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete generates an assistant reply for a coalesced turn.
func (o *OpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	msgs := make([]oaiMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, oaiMessage{Role: domain.RoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, oaiMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, oaiMessage{Role: domain.RoleUser, Content: req.Content})

	body := oaiRequest{
		Model:    model,
		Messages: msgs,
		Stream:   false,
	}
	if req.Sampling.Temperature > 0 {
		body.Temperature = &req.Sampling.Temperature
	}
	if req.Sampling.TopP > 0 {
		body.TopP = &req.Sampling.TopP
	}
	if req.Sampling.FrequencyPenalty != 0 {
		body.FrequencyPenalty = &req.Sampling.FrequencyPenalty
	}
	if req.Sampling.PresencePenalty != 0 {
		body.PresencePenalty = &req.Sampling.PresencePenalty
	}

	oaiResp, err := o.chat(ctx, body)
	if err != nil {
		return "", err
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices")
	}

	o.logger.Debug("completion done",
		"model", model,
		"prompt_tokens", oaiResp.Usage.PromptTokens,
		"completion_tokens", oaiResp.Usage.CompletionTokens,
	)
	return oaiResp.Choices[0].Message.Content, nil
}

func (o *OpenAI) chat(ctx context.Context, body oaiRequest) (*oaiResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
		return httpReq, nil
	}, o.logger)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai %d: %s", resp.StatusCode, string(respBody))
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &oaiResp, nil
}

type oaiEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type oaiEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float64, error) {
	jsonBody, err := json.Marshal(oaiEmbedRequest{Model: o.embedModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/embeddings", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
		return httpReq, nil
	}, o.logger)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai embeddings %d: %s", resp.StatusCode, string(respBody))
	}

	var embResp oaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty data")
	}
	return embResp.Data[0].Embedding, nil
}

// Transcribe converts an audio payload to text via the Whisper endpoint.
func (o *OpenAI) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", audioFilename(mimeType))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	writer.WriteField("model", o.whisperModel)
	writer.WriteField("response_format", "json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("whisper error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode whisper response: %w", err)
	}

	o.logger.Info("transcription complete", "text_len", len(result.Text))
	return result.Text, nil
}

// audioFilename picks a filename extension the transcription endpoint
// recognizes. WhatsApp voice notes arrive as ogg/opus.
func audioFilename(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return "voice.mp3"
	case "audio/mp4", "audio/m4a":
		return "voice.m4a"
	case "audio/wav", "audio/x-wav":
		return "voice.wav"
	default:
		return "voice.ogg"
	}
}

// DescribeImage answers a question about an image using the vision model.
// The image travels inline as a base64 data URL.
func (o *OpenAI) DescribeImage(ctx context.Context, image []byte, mimeType, question string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if question == "" {
		question = "Describe what this image shows in the first person, as if you sent it."
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	body := oaiRequest{
		Model: o.visionModel,
		Messages: []oaiMessage{{
			Role: domain.RoleUser,
			Content: []oaiContentPart{
				{Type: "text", Text: question},
				{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL}},
			},
		}},
	}

	oaiResp, err := o.chat(ctx, body)
	if err != nil {
		return "", err
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("openai vision: empty choices")
	}
	return oaiResp.Choices[0].Message.Content, nil
}
