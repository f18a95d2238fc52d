package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gigchat/models"
)

// Cluster shares presence between server instances through Redis. Each
// instance keeps its own connections in a Local registry, counts them per
// user in a Redis hash (field = instance id) and forwards fan-out to the
// other instances over one pub/sub channel.
type Cluster struct {
	local    *Local
	rdb      *redis.Client
	prefix   string
	instance string
	log      *zap.Logger
}

// envelope is what travels on the fan-out channel.
type envelope struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	Skip    string          `json:"skip,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewCluster wraps local. instance must be unique per running process.
func NewCluster(local *Local, rdb *redis.Client, prefix, instance string, log *zap.Logger) *Cluster {
	return &Cluster{
		local:    local,
		rdb:      rdb,
		prefix:   prefix,
		instance: instance,
		log:      log,
	}
}

func (c *Cluster) sessionsKey(userID string) string {
	return fmt.Sprintf("%s:sessions:%s", c.prefix, userID)
}

func (c *Cluster) channel() string {
	return c.prefix + ":fanout"
}

// Register adds conn locally and bumps this instance's count for the user.
func (c *Cluster) Register(ctx context.Context, conn Conn) {
	added, _ := c.local.add(conn)
	if !added {
		return
	}
	if err := c.rdb.HIncrBy(ctx, c.sessionsKey(conn.UserID()), c.instance, 1).Err(); err != nil {
		c.log.Warn("presence_sync_failed", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
}

// Unregister removes conn locally and drops this instance's count.
func (c *Cluster) Unregister(ctx context.Context, conn Conn) {
	removed, last := c.local.remove(conn)
	if !removed {
		return
	}

	key := c.sessionsKey(conn.UserID())
	if last {
		if err := c.rdb.HDel(ctx, key, c.instance).Err(); err != nil {
			c.log.Warn("presence_sync_failed", zap.String("user_id", conn.UserID()), zap.Error(err))
		}
		return
	}
	if err := c.rdb.HIncrBy(ctx, key, c.instance, -1).Err(); err != nil {
		c.log.Warn("presence_sync_failed", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
}

// IsOnline checks the local registry first, then the shared counts.
func (c *Cluster) IsOnline(ctx context.Context, userID string) bool {
	if c.local.Sessions(userID) > 0 {
		return true
	}

	counts, err := c.rdb.HVals(ctx, c.sessionsKey(userID)).Result()
	if err != nil {
		c.log.Warn("presence_lookup_failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	for _, v := range counts {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return true
		}
	}
	return false
}

// FanOut delivers locally and publishes ev for the other instances.
func (c *Cluster) FanOut(ctx context.Context, userID string, ev models.Event) int {
	return c.FanOutExcept(ctx, userID, ev, "")
}

// FanOutExcept delivers locally and publishes ev for the other instances.
func (c *Cluster) FanOutExcept(ctx context.Context, userID string, ev models.Event, skipConnID string) int {
	delivered := c.local.FanOutExcept(ctx, userID, ev, skipConnID)

	b, err := c.encode(userID, ev, skipConnID)
	if err != nil {
		c.log.Error("fanout_encode_failed", zap.String("type", ev.Type), zap.Error(err))
		return delivered
	}
	if err := c.rdb.Publish(ctx, c.channel(), b).Err(); err != nil {
		c.log.Warn("fanout_publish_failed", zap.String("user_id", userID), zap.Error(err))
	}
	return delivered
}

func (c *Cluster) encode(userID string, ev models.Event, skip string) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Origin:  c.instance,
		UserID:  userID,
		Skip:    skip,
		Type:    ev.Type,
		Payload: payload,
	})
}

// deliverRemote hands an envelope from another instance to local sessions.
// It reports false for envelopes this instance published itself.
func (c *Cluster) deliverRemote(ctx context.Context, raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("fanout_decode_failed", zap.Error(err))
		return false
	}
	if env.Origin == c.instance {
		return false
	}
	c.local.FanOutExcept(ctx, env.UserID, models.Event{Type: env.Type, Payload: env.Payload}, env.Skip)
	return true
}

// Run consumes the fan-out channel until ctx is cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	sub := c.rdb.Subscribe(ctx, c.channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel(), err)
	}
	c.log.Info("fanout_subscribed", zap.String("channel", c.channel()), zap.String("instance", c.instance))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.deliverRemote(ctx, []byte(msg.Payload))
		}
	}
}
