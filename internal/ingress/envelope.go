package ingress

// Envelope is the Evolution API webhook payload. Connection credentials
// ride along at the top level of every event.
type Envelope struct {
	Event     string       `json:"event"`
	Instance  string       `json:"instance"`
	APIKey    string       `json:"apikey"`
	ServerURL string       `json:"server_url"`
	Sender    string       `json:"sender,omitempty"`
	Data      EnvelopeData `json:"data"`
}

type EnvelopeData struct {
	Key         MessageKey  `json:"key"`
	PushName    string      `json:"pushName"`
	MessageType string      `json:"messageType"`
	Message     MessageBody `json:"message"`
}

type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// MessageBody holds the per-type payload. Exactly one branch is set,
// keyed by EnvelopeData.MessageType. Base64 carries inline media for
// audio and image events.
type MessageBody struct {
	Conversation string              `json:"conversation,omitempty"`
	ExtendedText *ExtendedTextBody   `json:"extendedTextMessage,omitempty"`
	Image        *ImageMessageBody   `json:"imageMessage,omitempty"`
	Audio        *AudioMessageBody   `json:"audioMessage,omitempty"`
	Base64       string              `json:"base64,omitempty"`
}

type ExtendedTextBody struct {
	Text string `json:"text"`
}

type ImageMessageBody struct {
	Caption  string `json:"caption"`
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
}

type AudioMessageBody struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Seconds  int    `json:"seconds"`
}

// JID returns the sender JID, preferring the message key over the
// top-level sender field.
func (e *Envelope) JID() string {
	if e.Data.Key.RemoteJID != "" {
		return e.Data.Key.RemoteJID
	}
	return e.Sender
}

// HasCreds reports whether the envelope carries everything needed for an
// eventual outbound send.
func (e *Envelope) HasCreds() bool {
	return e.Instance != "" && e.APIKey != "" && e.ServerURL != ""
}
