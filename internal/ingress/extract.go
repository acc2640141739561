package ingress

import (
	"context"
	"encoding/base64"
	"log/slog"

	"evorelay/internal/domain"
)

// Placeholders recorded when inline media cannot be resolved to text.
// The turn still goes through the pipeline so the sender gets an answer.
const (
	missingAudioPlaceholder = "[Audio message, but no Base64 found]"
	failedAudioPlaceholder  = "[Voice message could not be transcribed]"
)

// Extracted is the text-resolved view of one webhook event.
type Extracted struct {
	Kind     domain.ContentKind
	Content  string
	MediaURL string
}

// extractFunc resolves one messageType to text content.
type extractFunc func(ctx context.Context, env *Envelope) (Extracted, bool)

// Extractor turns a webhook envelope into text content, transcribing voice
// notes and describing images at ingress so the buffer only ever holds text.
type Extractor struct {
	transcriber domain.Transcriber
	describer   domain.ImageDescriber
	handlers    map[string]extractFunc
	logger      *slog.Logger
}

// NewExtractor builds the extractor registry. transcriber and describer may
// be nil when the configured backend lacks those capabilities; the matching
// message types then degrade to placeholders or unsupported.
func NewExtractor(transcriber domain.Transcriber, describer domain.ImageDescriber, logger *slog.Logger) *Extractor {
	e := &Extractor{
		transcriber: transcriber,
		describer:   describer,
		logger:      logger,
	}
	e.handlers = map[string]extractFunc{
		"conversation":        e.extractText,
		"extendedTextMessage": e.extractText,
		"imageMessage":        e.extractImage,
		"audioMessage":        e.extractAudio,
	}
	return e
}

// Extract resolves the envelope to text content. ok is false when the
// message type is unknown or yields no usable content.
func (e *Extractor) Extract(ctx context.Context, env *Envelope) (Extracted, bool) {
	handler, known := e.handlers[env.Data.MessageType]
	if !known {
		e.logger.Warn("unsupported message type", "type", env.Data.MessageType)
		return Extracted{}, false
	}
	return handler(ctx, env)
}

func (e *Extractor) extractText(ctx context.Context, env *Envelope) (Extracted, bool) {
	body := env.Data.Message
	content := body.Conversation
	if content == "" && body.ExtendedText != nil {
		content = body.ExtendedText.Text
	}
	if content == "" {
		return Extracted{}, false
	}
	return Extracted{Kind: domain.KindText, Content: content}, true
}

// imageQuestion steers the vision backend into the sender's voice, so the
// generation step reads the result as the sender showing something, not as
// a third-party image analysis.
const imageQuestion = "Describe what this image shows in the first person, as if you sent it and are telling the recipient what it contains. Do not mention that this is an image or a description."

// extractImage resolves an image event to text. When inline media is
// present and a vision backend is configured, its description replaces the
// content; the caption rides along as context for the description and is
// the fallback when vision fails or is unavailable.
func (e *Extractor) extractImage(ctx context.Context, env *Envelope) (Extracted, bool) {
	body := env.Data.Message
	if body.Image == nil {
		return Extracted{}, false
	}

	out := Extracted{Kind: domain.KindImage, MediaURL: body.Image.URL}
	out.Content = body.Image.Caption

	if e.describer != nil && body.Base64 != "" {
		if desc, ok := e.describeInline(ctx, &body); ok {
			out.Content = "I am sending you an image. " + desc
		}
	}

	if out.Content == "" {
		return Extracted{}, false
	}
	return out, true
}

func (e *Extractor) describeInline(ctx context.Context, body *MessageBody) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(body.Base64)
	if err != nil {
		e.logger.Warn("image base64 undecodable, keeping caption", "err", err)
		return "", false
	}
	question := imageQuestion
	if body.Image.Caption != "" {
		question += " The sender captioned it: " + body.Image.Caption
	}
	desc, err := e.describer.DescribeImage(ctx, raw, body.Image.Mimetype, question)
	if err != nil {
		e.logger.Warn("image description failed, keeping caption", "err", err)
		return "", false
	}
	return desc, true
}

func (e *Extractor) extractAudio(ctx context.Context, env *Envelope) (Extracted, bool) {
	body := env.Data.Message
	if body.Audio == nil {
		return Extracted{}, false
	}

	out := Extracted{Kind: domain.KindVoice, MediaURL: body.Audio.URL}
	if body.Base64 == "" || e.transcriber == nil {
		e.logger.Warn("no inline audio payload, recording placeholder")
		out.Content = missingAudioPlaceholder
		return out, true
	}

	mimeType := body.Audio.Mimetype
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	raw, err := base64.StdEncoding.DecodeString(body.Base64)
	if err != nil {
		e.logger.Warn("audio base64 undecodable", "err", err)
		out.Content = failedAudioPlaceholder
		return out, true
	}

	text, err := e.transcriber.Transcribe(ctx, raw, mimeType)
	if err != nil || text == "" {
		e.logger.Warn("transcription failed, recording placeholder", "err", err)
		out.Content = failedAudioPlaceholder
		return out, true
	}
	out.Content = text
	return out, true
}
