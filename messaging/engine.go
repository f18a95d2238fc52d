package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"gigchat/database"
	"gigchat/events"
	"gigchat/metrics"
	"gigchat/models"
	"gigchat/presence"
)

const (
	defaultPersistTimeout = 5 * time.Second
	defaultMaxFailures    = 5
)

// Options tunes the engine's handling of the message store.
type Options struct {
	// PersistTimeout bounds every store call. A send that does not get an
	// acknowledgment in time fails.
	PersistTimeout time.Duration
	// MaxFailures consecutive store failures open the breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Engine turns send requests into durable messages and delivers them.
type Engine struct {
	store     database.Store
	registry  presence.Registry
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration

	now   func() time.Time
	newID func() (string, error)
}

// NewEngine creates a new delivery engine.
func NewEngine(store database.Store, registry presence.Registry, publisher events.Publisher, m *metrics.Metrics, log *zap.Logger, opts Options) *Engine {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = defaultMaxFailures
	}

	e := &Engine{
		store:     store,
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		log:       log,
		timeout:   opts.PersistTimeout,
		now:       time.Now,
		newID:     newMessageID,
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "message-store",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		// lookups that find nothing are answers, not outages
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, database.ErrNotFound) || errors.Is(err, database.ErrBadCursor)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker_state_changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return e
}

func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// persist runs fn against the store with the persist timeout, behind the
// breaker.
func (e *Engine) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// Send validates req, persists it and delivers it. origin is the connection
// the request arrived on and may be nil for HTTP sends. Every call resolves
// to exactly one message_sent or message_failed event on origin.
func (e *Engine) Send(ctx context.Context, origin presence.Conn, req models.SendRequest) (*models.Message, error) {
	if err := Validate(&req); err != nil {
		e.metrics.MessagesSent.WithLabelValues(metrics.ResultInvalid).Inc()
		e.fail(origin, req, err)
		return nil, err
	}

	id, err := e.newID()
	if err != nil {
		e.metrics.MessagesSent.WithLabelValues(metrics.ResultFailed).Inc()
		err = fmt.Errorf("%w: assign id: %w", ErrPersistence, err)
		e.fail(origin, req, err)
		return nil, err
	}

	msg := &models.Message{
		ID:          id,
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Content:     req.Content,
		Type:        req.Type,
		Attachments: req.Attachments,
		CreatedAt:   e.now().UTC(),
	}

	start := time.Now()
	err = e.persist(ctx, func(ctx context.Context) error {
		return e.store.CreateMessage(ctx, msg)
	})
	e.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.MessagesSent.WithLabelValues(metrics.ResultFailed).Inc()
		e.log.Error("message_persist_failed",
			zap.String("sender_id", req.SenderID),
			zap.String("receiver_id", req.ReceiverID),
			zap.Error(err),
		)
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
		e.fail(origin, req, err)
		return nil, err
	}

	e.log.Info("message_persisted",
		zap.String("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID),
		zap.String("receiver_id", msg.ReceiverID),
		zap.String("message_type", string(msg.Type)),
	)

	push := models.Event{Type: models.EventNewMessage, Payload: msg}
	n := e.registry.FanOut(ctx, msg.ReceiverID, push)
	n += e.registry.FanOutExcept(ctx, msg.SenderID, push, connID(origin))
	e.metrics.Delivered(metrics.KindNewMessage, n)

	if origin != nil {
		if !origin.Deliver(models.Event{
			Type:    models.EventMessageSent,
			Payload: models.MessageSent{ClientRef: req.ClientRef, Message: msg},
		}) {
			e.log.Debug("confirmation_dropped", zap.String("message_id", msg.ID), zap.String("conn_id", origin.ID()))
		}
	}
	e.metrics.MessagesSent.WithLabelValues(metrics.ResultConfirmed).Inc()

	if err := e.publisher.MessageCreated(ctx, msg); err != nil {
		e.log.Warn("event_publish_failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// Reject resolves a send that was refused before reaching the engine, for
// example by the connection's rate limiter.
func (e *Engine) Reject(origin presence.Conn, req models.SendRequest, err error) {
	if errors.Is(err, ErrRateLimited) {
		e.metrics.MessagesSent.WithLabelValues(metrics.ResultLimited).Inc()
	} else {
		e.metrics.MessagesSent.WithLabelValues(metrics.ResultInvalid).Inc()
	}
	e.fail(origin, req, err)
}

func (e *Engine) fail(origin presence.Conn, req models.SendRequest, err error) {
	e.log.Info("send_failed",
		zap.String("sender_id", req.SenderID),
		zap.String("receiver_id", req.ReceiverID),
		zap.String("client_ref", req.ClientRef),
		zap.Error(err),
	)
	if origin == nil {
		return
	}
	origin.Deliver(models.Event{
		Type: models.EventMessageFailed,
		Payload: models.SendFailed{
			ClientRef:  req.ClientRef,
			ReceiverID: req.ReceiverID,
			Content:    req.Content,
			Field:      FieldOf(err),
			Error:      err.Error(),
		},
	})
}

func connID(c presence.Conn) string {
	if c == nil {
		return ""
	}
	return c.ID()
}

// MarkRead marks messageID read on behalf of readerID, who must be its
// receiver. Marking an already read message is a no-op. The sender's
// sessions get a read receipt only on the actual transition.
func (e *Engine) MarkRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ReceiverID != readerID {
		return nil, ErrForbidden
	}
	if msg.IsRead {
		return msg, nil
	}

	changed, err := e.markRead(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !changed {
		// a concurrent call won the transition
		return e.getMessage(ctx, messageID)
	}
	return msg, nil
}

// MarkConversationRead marks every unread message from counterpartyID to
// readerID as read and returns how many transitioned.
func (e *Engine) MarkConversationRead(ctx context.Context, readerID, counterpartyID string) (int, error) {
	if counterpartyID == "" {
		return 0, invalid("userId", "is required")
	}
	if counterpartyID == readerID {
		return 0, invalid("userId", "cannot be yourself")
	}

	var unread []models.Message
	err := e.persist(ctx, func(ctx context.Context) error {
		var err error
		unread, err = e.store.ListUnreadFrom(ctx, counterpartyID, readerID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	count := 0
	for i := range unread {
		changed, err := e.markRead(ctx, &unread[i])
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// markRead applies the false to true transition for msg and, when it
// happened, updates msg and notifies the sender.
func (e *Engine) markRead(ctx context.Context, msg *models.Message) (bool, error) {
	readAt := e.now().UTC()

	var changed bool
	err := e.persist(ctx, func(ctx context.Context) error {
		var err error
		changed, err = e.store.MarkRead(ctx, msg.ID, msg.ReceiverID, readAt)
		return err
	})
	if err != nil {
		e.log.Error("mark_read_failed", zap.String("message_id", msg.ID), zap.Error(err))
		return false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !changed {
		return false, nil
	}

	msg.IsRead = true
	msg.ReadAt = &readAt
	e.metrics.ReadReceipts.Inc()

	n := e.registry.FanOut(ctx, msg.SenderID, models.Event{
		Type: models.EventMessageRead,
		Payload: models.ReadReceipt{
			MessageID: msg.ID,
			ReaderID:  msg.ReceiverID,
			ReadAt:    readAt,
		},
	})
	e.metrics.Delivered(metrics.KindReadReceipt, n)

	if err := e.publisher.MessageRead(ctx, msg); err != nil {
		e.log.Warn("event_publish_failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return true, nil
}

func (e *Engine) getMessage(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, invalid("message_id", "is required")
	}

	var msg *models.Message
	err := e.persist(ctx, func(ctx context.Context) error {
		var err error
		msg, err = e.store.GetMessage(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return msg, nil
}

// ListMessages returns one page of the history between userID and
// otherUserID, oldest first, plus the cursor for the next page. It never
// changes read state.
func (e *Engine) ListMessages(ctx context.Context, userID, otherUserID string, page database.Page) ([]models.Message, string, error) {
	if otherUserID == "" {
		return nil, "", invalid("otherUserId", "is required")
	}
	if otherUserID == userID {
		return nil, "", invalid("otherUserId", "cannot be yourself")
	}

	var (
		messages []models.Message
		next     string
	)
	err := e.persist(ctx, func(ctx context.Context) error {
		var err error
		messages, next, err = e.store.ListMessages(ctx, userID, otherUserID, page)
		return err
	})
	switch {
	case errors.Is(err, database.ErrBadCursor):
		return nil, "", invalid("after", "is not a valid cursor")
	case err != nil:
		return nil, "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, next, nil
}

// SaveProfile records the display information a connection presented,
// under the same timeout and breaker as message writes.
func (e *Engine) SaveProfile(ctx context.Context, p models.Profile) error {
	err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.UpsertProfile(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Typing forwards a typing indicator from one user to another.
func (e *Engine) Typing(ctx context.Context, fromUserID, toUserID string, typing bool) {
	if toUserID == "" || toUserID == fromUserID {
		return
	}
	n := e.registry.FanOut(ctx, toUserID, models.Event{
		Type:    models.EventTyping,
		Payload: models.Typing{UserID: fromUserID, Typing: typing},
	})
	e.metrics.Delivered(metrics.KindTyping, n)
}
