package events

import (
	"context"
	"time"

	"gigchat/models"
)

// Domain event names carried in the "type" field of every record.
const (
	TypeMessageCreated = "message.created"
	TypeMessageRead    = "message.read"
)

// Record is one domain event as written to the stream.
type Record struct {
	Type       string          `json:"type"`
	Message    *models.Message `json:"message"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher hands domain events to downstream consumers (notifications,
// search indexing). Publishing happens after the store write and must
// never fail a send.
type Publisher interface {
	MessageCreated(ctx context.Context, msg *models.Message) error
	MessageRead(ctx context.Context, msg *models.Message) error
	Close() error
}

// Nop discards every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) MessageCreated(context.Context, *models.Message) error { return nil }
func (Nop) MessageRead(context.Context, *models.Message) error    { return nil }
func (Nop) Close() error                                          { return nil }
