package models

import (
	"strings"
	"time"
)

// MessageType tags the payload a message carries.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeFile     MessageType = "file"
	MessageTypeSystem   MessageType = "system"
	MessageTypeProposal MessageType = "proposal"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeSystem, MessageTypeProposal:
		return true
	}
	return false
}

// Message represents a persisted chat message between two users
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id"`
	Content     string      `json:"content"`
	Type        MessageType `json:"message_type"`
	Attachments []string    `json:"attachments"`
	IsRead      bool        `json:"is_read"`
	ReadAt      *time.Time  `json:"read_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Counterparty returns the other participant of the message as seen by userID.
func (m *Message) Counterparty(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID is the sender or the receiver.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Conversation is the per-counterparty rollup shown in the conversation list.
// It is derived from the message log and never stored.
type Conversation struct {
	CounterpartyID string    `json:"counterparty_id"`
	Counterparty   Profile   `json:"counterparty"`
	Online         bool      `json:"online"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	LastMessageAt  time.Time `json:"last_message_at"`
	UnreadCount    int       `json:"unread_count"`
}

// PairKey returns a stable key for the unordered pair {a, b}.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}
