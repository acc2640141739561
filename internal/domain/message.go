package domain

import "time"

// ContentKind classifies the resolved content of an inbound turn.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindVoice ContentKind = "voice"
)

// Client is a message sender, identified by its channel-native JID.
type Client struct {
	ID        int64     `json:"id"`
	JID       string    `json:"jid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one logical unit of inbound conversation content, post-coalescing.
// Immutable once persisted.
type Turn struct {
	ID        string      `json:"id"`
	ClientID  int64       `json:"client_id"`
	AgentID   int64       `json:"agent_id"`
	Kind      ContentKind `json:"kind"`
	Content   string      `json:"content"`
	MediaURL  string      `json:"media_url,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Reply is the generated response to a Turn. Exactly one per turn,
// created only after the turn is fully processed.
type Reply struct {
	TurnID    string    `json:"turn_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Exchange pairs a persisted turn with its reply, if one exists.
type Exchange struct {
	Turn  Turn
	Reply *Reply
}

// ChannelCreds identify one messaging-platform connection. They arrive in
// the webhook envelope and are snapshotted for the eventual outbound send;
// they are not derivable from agent configuration.
type ChannelCreds struct {
	Instance  string
	APIKey    string
	ServerURL string
}

// BufferKey identifies one coalescing scope: a sender on a channel instance.
type BufferKey struct {
	JID      string
	Instance string
}

func (k BufferKey) String() string { return k.JID + ":" + k.Instance }

// Fragment is one inbound event after content extraction, ready for the
// coalescing buffer.
type Fragment struct {
	Key       BufferKey
	AgentID   int64
	MessageID string // upstream message id, used for duplicate detection
	PushName  string
	Kind      ContentKind
	Content   string
	MediaURL  string
	Creds     ChannelCreds
}

// TurnJob is a fully coalesced turn handed off to the processor when the
// quiet window elapses.
type TurnJob struct {
	Key      BufferKey
	AgentID  int64
	PushName string
	Kind     ContentKind
	Content  string
	MediaURL string
	Creds    ChannelCreds
	FiredAt  time.Time
}

// SubmitResult reports what the coalescing buffer did with a fragment.
type SubmitResult string

const (
	SubmitBuffered  SubmitResult = "buffered"  // new buffering cycle started
	SubmitAppended  SubmitResult = "appended"  // content appended, timer re-armed
	SubmitDuplicate SubmitResult = "duplicate" // retransmission, dropped
	SubmitDropped   SubmitResult = "dropped"   // buffer shutting down
)

// TurnBuffer accepts extracted fragments for debounced aggregation.
type TurnBuffer interface {
	Submit(frag Fragment) SubmitResult
}
