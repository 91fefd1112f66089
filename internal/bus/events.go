package bus

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageEvent is one chat message delivered by the sync engine.
// Timestamp is when the message was read, not when it was sent.
type MessageEvent struct {
	Contact   string    `json:"contact"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
}

// InboundMessage is a request from a bridge channel to send text into the
// chat client.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Contact   string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage goes to bridge channels. An empty Channel reaches every
// subscriber.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Event    *MessageEvent
	Metadata map[string]any
}
