package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"gigchat/models"
)

// messageWriter is the part of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Kafka publishes domain events to one topic. Records are keyed by the
// conversation pair so that events of one conversation stay in order on a
// single partition.
type Kafka struct {
	writer messageWriter
	log    *zap.Logger
	now    func() time.Time
}

// NewKafka creates an async producer for topic.
func NewKafka(brokers []string, topic string, log *zap.Logger) *Kafka {
	k := &Kafka{log: log, now: time.Now}
	k.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				log.Error("event_publish_failed", zap.Int("count", len(msgs)), zap.Error(err))
			}
		},
	}
	return k
}

func (k *Kafka) MessageCreated(ctx context.Context, msg *models.Message) error {
	return k.publish(ctx, TypeMessageCreated, msg)
}

func (k *Kafka) MessageRead(ctx context.Context, msg *models.Message) error {
	return k.publish(ctx, TypeMessageRead, msg)
}

func (k *Kafka) publish(ctx context.Context, eventType string, msg *models.Message) error {
	now := k.now()
	b, err := json.Marshal(Record{Type: eventType, Message: msg, OccurredAt: now})
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	err = k.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(models.PairKey(msg.SenderID, msg.ReceiverID)),
		Value: b,
		Time:  now,
		Headers: []kafkago.Header{
			{Key: "type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Close flushes pending records.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
