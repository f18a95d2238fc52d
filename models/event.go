package models

import (
	"encoding/json"
	"time"
)

// Inbound event types (client -> server).
const (
	EventSendMessage = "send_message"
	EventMarkRead    = "mark_read"
	EventTyping      = "typing"
)

// Outbound event types (server -> client).
const (
	EventMessageSent   = "message_sent"
	EventMessageFailed = "message_failed"
	EventNewMessage    = "new_message"
	EventMessageRead   = "message_read"
	EventOnlineStatus  = "online_status"
	EventError         = "error"
)

// Event is the envelope for every frame on the socket
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// InboundEvent is an Event whose payload has not been decoded yet.
type InboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SendRequest is the payload of a send_message frame and of POST /api/messages.
// ClientRef is a client-local correlation id. It is echoed back on the
// confirmation or failure event and never persisted.
type SendRequest struct {
	ClientRef   string      `json:"client_ref,omitempty"`
	SenderID    string      `json:"sender_id,omitempty" validate:"notblank"`
	ReceiverID  string      `json:"receiver_id" validate:"notblank,nefield=SenderID"`
	Content     string      `json:"content" validate:"max=10000"`
	Type        MessageType `json:"message_type" validate:"required,oneof=text file system proposal"`
	Attachments []string    `json:"attachments" validate:"max=10,dive,notblank"`
}

// MessageSent confirms a send to the originating connection.
type MessageSent struct {
	ClientRef string   `json:"client_ref,omitempty"`
	Message   *Message `json:"message"`
}

// SendFailed tells the originating connection which send failed, carrying
// enough of the request for the client to drop its placeholder.
type SendFailed struct {
	ClientRef  string `json:"client_ref,omitempty"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	Field      string `json:"field,omitempty"`
	Error      string `json:"error"`
}

// MarkReadRequest is the payload of a mark_read frame.
type MarkReadRequest struct {
	MessageID string `json:"message_id"`
}

// ReadReceipt is pushed to the sender's sessions when a message is read.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Typing is forwarded between the two parties of a conversation.
type Typing struct {
	UserID      string `json:"user_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Typing      bool   `json:"typing"`
}

// OnlineStatus announces that a user came online or went offline.
type OnlineStatus struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ErrorPayload reports a request that could not be processed.
type ErrorPayload struct {
	Request string `json:"request,omitempty"`
	Error   string `json:"error"`
}
