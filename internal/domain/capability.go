package domain

import "context"

// Chat roles as the completion backends expect them.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry of a conversation history window.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams are the per-agent generation knobs.
type SamplingParams struct {
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// CompletionRequest is the contract the relay requires from a generation
// backend: system prompt (with retrieval context already serialized in),
// history window, the new user content, and sampling parameters.
type CompletionRequest struct {
	Model    string
	System   string
	History  []ChatMessage
	Content  string
	Sampling SamplingParams
}

// Completer produces a reply for a coalesced turn.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Name() string
	Healthy(ctx context.Context) error
}

// Embedder turns text into a vector for similarity retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Transcriber converts an audio payload to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// ImageDescriber answers a question about an image payload.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, image []byte, mimeType, question string) (string, error)
}

// Dispatcher delivers a generated reply back to the sending platform using
// the credentials captured at ingress time.
type Dispatcher interface {
	Send(ctx context.Context, jid, text string, creds ChannelCreds) error
}
