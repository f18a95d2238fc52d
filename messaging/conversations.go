package messaging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gigchat/database"
	"gigchat/metrics"
	"gigchat/models"
	"gigchat/presence"
)

// statusQueueSize bounds the pending online/offline announcements.
const statusQueueSize = 256

type statusChange struct {
	userID string
	online bool
}

// Projection serves the conversation list. Summaries are computed from the
// message log on every call and never cached.
type Projection struct {
	store    database.Store
	registry presence.Registry
	metrics  *metrics.Metrics
	log      *zap.Logger
	timeout  time.Duration
	changes  chan statusChange
}

// NewProjection creates the conversation projection. timeout bounds each
// store lookup made for a status announcement.
func NewProjection(store database.Store, registry presence.Registry, m *metrics.Metrics, log *zap.Logger, timeout time.Duration) *Projection {
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	return &Projection{
		store:    store,
		registry: registry,
		metrics:  m,
		log:      log,
		timeout:  timeout,
		changes:  make(chan statusChange, statusQueueSize),
	}
}

// ListConversations returns one summary per counterparty of userID, most
// recent first, with the counterparty's online flag filled in.
func (p *Projection) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	conversations, err := p.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	for i := range conversations {
		conversations[i].Online = p.registry.IsOnline(ctx, conversations[i].CounterpartyID)
	}

	if conversations == nil {
		conversations = []models.Conversation{}
	}
	return conversations, nil
}

// AnnounceStatus tells everyone userID has a conversation with that userID
// came online or went offline.
func (p *Projection) AnnounceStatus(ctx context.Context, userID string, online bool) {
	conversations, err := p.store.ListConversations(ctx, userID)
	if err != nil {
		p.log.Warn("status_announce_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	ev := models.Event{
		Type:    models.EventOnlineStatus,
		Payload: models.OnlineStatus{UserID: userID, Online: online},
	}
	n := 0
	for _, c := range conversations {
		n += p.registry.FanOut(ctx, c.CounterpartyID, ev)
	}
	p.metrics.Delivered(metrics.KindOnlineStatus, n)
}

// StatusChanged queues an announcement for Run and never blocks. It is
// meant to be installed as the registry's change hook.
func (p *Projection) StatusChanged(userID string, online bool) {
	select {
	case p.changes <- statusChange{userID: userID, online: online}:
	default:
		p.log.Warn("status_announce_dropped", zap.String("user_id", userID), zap.Bool("online", online))
	}
}

// Run announces queued status changes in order until ctx is done.
func (p *Projection) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.changes:
			actx, cancel := context.WithTimeout(ctx, p.timeout)
			p.AnnounceStatus(actx, c.userID, c.online)
			cancel()
		}
	}
}
