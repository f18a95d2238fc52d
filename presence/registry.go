package presence

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"gigchat/metrics"
	"gigchat/models"
)

// Conn is one live connection bound to an authenticated user.
type Conn interface {
	ID() string
	UserID() string
	// Deliver enqueues ev without blocking. It returns false when the
	// connection is closed or its buffer is full.
	Deliver(ev models.Event) bool
}

// Registry maps users to their live connections and routes events to them.
// It never queues for users who are offline.
type Registry interface {
	Register(ctx context.Context, c Conn)
	Unregister(ctx context.Context, c Conn)
	IsOnline(ctx context.Context, userID string) bool
	// FanOut delivers ev to every live connection of userID and reports how
	// many local connections accepted it.
	FanOut(ctx context.Context, userID string, ev models.Event) int
	// FanOutExcept is FanOut skipping the connection with id skipConnID.
	FanOutExcept(ctx context.Context, userID string, ev models.Event, skipConnID string) int
}

// ChangeFunc is called when a user gains a first session (online=true) or
// loses the last one (online=false). It runs outside the registry locks but
// on the caller's Register/Unregister path, so it must not block.
type ChangeFunc func(userID string, online bool)

// Users hashing to the same shard share its lock. It is held only for map
// updates and delivery snapshots.
const defaultShards = 32

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn // userID -> connID -> conn
}

// Local is an in-process registry. Users are spread over shards by hash so
// that operations on different users rarely contend on the same lock.
type Local struct {
	shards   []*shard
	log      *zap.Logger
	metrics  *metrics.Metrics
	onChange ChangeFunc
}

// NewLocal creates an empty registry.
func NewLocal(log *zap.Logger, m *metrics.Metrics) *Local {
	l := &Local{
		shards:  make([]*shard, defaultShards),
		log:     log,
		metrics: m,
	}
	for i := range l.shards {
		l.shards[i] = &shard{users: make(map[string]map[string]Conn)}
	}
	return l
}

// OnChange installs the online/offline hook. Call before the registry is shared.
func (l *Local) OnChange(fn ChangeFunc) {
	l.onChange = fn
}

func (l *Local) shardFor(userID string) *shard {
	return l.shards[xxhash.Sum64String(userID)%uint64(len(l.shards))]
}

// Register adds c. Registering the same connection twice is a no-op.
func (l *Local) Register(_ context.Context, c Conn) {
	l.add(c)
}

func (l *Local) add(c Conn) (added, first bool) {
	s := l.shardFor(c.UserID())

	s.mu.Lock()
	conns, ok := s.users[c.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		s.users[c.UserID()] = conns
	}
	if _, exists := conns[c.ID()]; !exists {
		conns[c.ID()] = c
		added = true
		first = len(conns) == 1
	}
	s.mu.Unlock()

	if !added {
		return false, false
	}

	l.metrics.SessionsActive.Inc()
	l.log.Info("session_registered",
		zap.String("user_id", c.UserID()),
		zap.String("conn_id", c.ID()),
	)
	if first && l.onChange != nil {
		l.onChange(c.UserID(), true)
	}
	return added, first
}

// Unregister removes exactly the session for c. Unknown or already removed
// connections are ignored.
func (l *Local) Unregister(_ context.Context, c Conn) {
	l.remove(c)
}

func (l *Local) remove(c Conn) (removed, last bool) {
	s := l.shardFor(c.UserID())

	s.mu.Lock()
	if conns, ok := s.users[c.UserID()]; ok {
		if _, exists := conns[c.ID()]; exists {
			delete(conns, c.ID())
			removed = true
			if len(conns) == 0 {
				delete(s.users, c.UserID())
				last = true
			}
		}
	}
	s.mu.Unlock()

	if !removed {
		return false, false
	}

	l.metrics.SessionsActive.Dec()
	l.log.Info("session_unregistered",
		zap.String("user_id", c.UserID()),
		zap.String("conn_id", c.ID()),
	)
	if last && l.onChange != nil {
		l.onChange(c.UserID(), false)
	}
	return removed, last
}

// IsOnline reports whether userID has at least one live session here.
func (l *Local) IsOnline(_ context.Context, userID string) bool {
	return l.Sessions(userID) > 0
}

// Sessions returns the number of live sessions for userID.
func (l *Local) Sessions(userID string) int {
	s := l.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// FanOut delivers ev to every live connection of userID.
func (l *Local) FanOut(ctx context.Context, userID string, ev models.Event) int {
	return l.FanOutExcept(ctx, userID, ev, "")
}

// FanOutExcept delivers ev to every live connection of userID other than
// skipConnID.
func (l *Local) FanOutExcept(_ context.Context, userID string, ev models.Event, skipConnID string) int {
	s := l.shardFor(userID)

	s.mu.RLock()
	targets := make([]Conn, 0, len(s.users[userID]))
	for id, c := range s.users[userID] {
		if id != skipConnID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Deliver(ev) {
			delivered++
			continue
		}
		l.log.Debug("fanout_dropped",
			zap.String("user_id", userID),
			zap.String("conn_id", c.ID()),
			zap.String("type", ev.Type),
		)
	}
	return delivered
}
