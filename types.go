package pawchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// ID is an opaque server-assigned identifier. The API encodes numeric ids as
// JSON numbers; ID keeps that encoding on the way back out.
type ID string

const localIDPrefix = "local-"

func (id ID) String() string { return string(id) }

// IsLocal reports whether the id was synthesized on the client.
func (id ID) IsLocal() bool { return strings.HasPrefix(string(id), localIDPrefix) }

func (id ID) isNumeric() bool {
	if id == "" || (len(id) > 1 && id[0] == '0') {
		return false
	}
	for _, r := range string(id) {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MarshalJSON emits numeric ids as numbers and everything else as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isNumeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts both string and number encodings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// ============================================================================
// Timestamps
// ============================================================================

// Timestamp decodes the date-times the backend emits. Values without a zone
// offset (e.g. "2024-03-01T10:00:00.1234567") are read as UTC.
type Timestamp struct {
	time.Time
}

// timestampLayouts are tried in order. Fractional seconds of any precision
// are accepted after the seconds field.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses s with the first matching layout.
func ParseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat message. IsDelivered only moves from false to
// true; DeliveredAt is set at that transition and never again.
type Message struct {
	ID             ID         `json:"id"`
	ConversationID ID         `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	ReceiverID     string     `json:"receiverId"`
	Content        string     `json:"content"`
	SentAt         time.Time  `json:"sentAt"`
	IsDelivered    bool       `json:"isDelivered"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	Failed         bool       `json:"failed,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		SentAt      Timestamp  `json:"sentAt"`
		DeliveredAt *Timestamp `json:"deliveredAt"`
	}{plain: (*plain)(m), SentAt: Timestamp{m.SentAt}}
	if m.DeliveredAt != nil {
		aux.DeliveredAt = &Timestamp{*m.DeliveredAt}
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.SentAt = aux.SentAt.Time
	m.DeliveredAt = nil
	if aux.DeliveredAt != nil && !aux.DeliveredAt.IsZero() {
		t := aux.DeliveredAt.Time
		m.DeliveredAt = &t
	}
	return nil
}

// MessageStatus is the display status derived from a message's flags.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Status derives the display status of the message.
func (m *Message) Status() MessageStatus {
	switch {
	case m.Failed:
		return StatusFailed
	case m.IsDelivered:
		return StatusDelivered
	case m.ID.IsLocal():
		return StatusSending
	default:
		return StatusSent
	}
}

// markDelivered applies the false->true transition. It returns false when
// the message was already delivered.
func (m *Message) markDelivered(at time.Time) bool {
	if m.IsDelivered {
		return false
	}
	m.IsDelivered = true
	t := at.UTC()
	m.DeliveredAt = &t
	return true
}

// ============================================================================
// Conversations
// ============================================================================

// LastMessage is the denormalized copy of a conversation's newest message.
// It is kept in sync opportunistically and may be stale.
type LastMessage struct {
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sentAt"`
	IsDelivered bool      `json:"isDelivered"`
}

func (l *LastMessage) UnmarshalJSON(data []byte) error {
	type plain LastMessage
	aux := struct {
		*plain
		SentAt Timestamp `json:"sentAt"`
	}{plain: (*plain)(l), SentAt: Timestamp{l.SentAt}}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	l.SentAt = aux.SentAt.Time
	return nil
}

// Conversation is a two-party chat thread.
type Conversation struct {
	ID             ID           `json:"id"`
	Participant1ID string       `json:"participant1Id"`
	Participant2ID string       `json:"participant2Id"`
	LastMessage    *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount    int          `json:"unreadCount"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	aux := struct {
		*plain
		UpdatedAt Timestamp `json:"updatedAt"`
	}{plain: (*plain)(c), UpdatedAt: Timestamp{c.UpdatedAt}}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.UpdatedAt = aux.UpdatedAt.Time
	return nil
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// lastActivity is the timestamp used to order and merge conversations.
func (c *Conversation) lastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.SentAt.After(c.UpdatedAt) {
		return c.LastMessage.SentAt
	}
	return c.UpdatedAt
}

func lastMessageOf(m Message) *LastMessage {
	return &LastMessage{
		Content:     m.Content,
		SentAt:      m.SentAt,
		IsDelivered: m.IsDelivered,
	}
}

// ============================================================================
// REST payloads
// ============================================================================

type createConversationRequest struct {
	ReceiverID string `json:"receiverId"`
}

type sendMessageRequest struct {
	ConversationID ID     `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the lifecycle state of the hub connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

var allStates = []ConnectionState{
	StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateError,
}
