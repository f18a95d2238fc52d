package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gigchat/config"
	"gigchat/messaging"
	"gigchat/middleware"
	"gigchat/models"
	"gigchat/presence"
)

// CloseUnauthorized is the close code sent when the connection token is
// missing or invalid.
const CloseUnauthorized = 4401

// WebSocket upgrades authenticated requests and runs one Client per
// connection.
type WebSocket struct {
	auth     *middleware.Authenticator
	engine   *messaging.Engine
	registry presence.Registry
	server   config.ServerConfig
	limits   config.RateLimitConfig
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewWebSocket creates the socket endpoint.
func NewWebSocket(auth *middleware.Authenticator, engine *messaging.Engine, registry presence.Registry, server config.ServerConfig, limits config.RateLimitConfig, log *zap.Logger) *WebSocket {
	h := &WebSocket{
		auth:     auth,
		engine:   engine,
		registry: registry,
		server:   server,
		limits:   limits,
		log:      log,
		clients:  make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(server.AllowedOrigins),
	}
	return h
}

// checkOrigin allows every origin when the list is empty.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP handles WebSocket connections
func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, authErr := h.auth.Authenticate(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade_failed", zap.Error(err))
		return
	}

	if authErr != nil {
		h.log.Warn("connection_rejected", zap.String("remote", r.RemoteAddr), zap.Error(authErr))
		deadline := time.Now().Add(h.server.WriteWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseUnauthorized, authErr.Error()), deadline)
		conn.Close()
		return
	}

	ctx := context.Background()
	if err := h.engine.SaveProfile(ctx, identity.Profile()); err != nil {
		h.log.Warn("profile_upsert_failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	client := h.newClient(conn, identity)
	h.track(client, true)
	h.registry.Register(ctx, client)

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

func (h *WebSocket) track(c *Client, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.clients[c] = struct{}{}
	} else {
		delete(h.clients, c)
	}
}

// Close disconnects every client with a going-away close frame.
func (h *WebSocket) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// Client is one live socket. It implements presence.Conn.
type Client struct {
	id       string
	identity *models.Identity
	conn     *websocket.Conn
	send     chan models.Event
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	h        *WebSocket
	log      *zap.Logger
}

func (h *WebSocket) newClient(conn *websocket.Conn, identity *models.Identity) *Client {
	id := uuid.NewString()
	limit, burst := rate.Inf, h.limits.Burst
	if h.limits.RPS > 0 {
		limit = rate.Limit(h.limits.RPS)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan models.Event, h.server.SendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(limit, burst),
		h:        h,
		log:      h.log.With(zap.String("conn_id", id), zap.String("user_id", identity.UserID)),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.identity.UserID }

// Deliver queues ev for the write pump. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) Deliver(ev models.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send_buffer_full")
		c.shutdown()
		return false
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) closeWith(code int, reason string) {
	deadline := time.Now().Add(c.h.server.WriteWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.shutdown()
}

// readPump handles frames one at a time so that responses to one
// connection go out in the order its requests arrived.
func (c *Client) readPump() {
	defer func() {
		c.h.registry.Unregister(context.Background(), c)
		c.h.track(c, false)
		c.shutdown()
	}()

	c.conn.SetReadLimit(c.h.server.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.server.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.h.server.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read_failed", zap.Error(err))
			}
			return
		}

		var frame models.InboundEvent
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply("", errors.New("malformed frame"))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame models.InboundEvent) {
	ctx := context.Background()
	allowed := c.limiter.Allow()

	switch frame.Type {
	case models.EventSendMessage:
		var req models.SendRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.h.engine.Reject(c, req, &messaging.ValidationError{Field: "payload", Reason: "is not a valid send request"})
			return
		}
		if !allowed {
			c.h.engine.Reject(c, req, messaging.ErrRateLimited)
			return
		}
		if err := authorizeSend(c.identity, &req); err != nil {
			c.h.engine.Reject(c, req, err)
			return
		}
		_, _ = c.h.engine.Send(ctx, c, req)

	case models.EventMarkRead:
		if !allowed {
			c.reply(frame.Type, messaging.ErrRateLimited)
			return
		}
		var req models.MarkReadRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.reply(frame.Type, errors.New("malformed payload"))
			return
		}
		if _, err := c.h.engine.MarkRead(ctx, req.MessageID, c.UserID()); err != nil {
			c.reply(frame.Type, err)
		}

	case models.EventTyping:
		if !allowed {
			return
		}
		var t models.Typing
		if err := json.Unmarshal(frame.Payload, &t); err != nil {
			return
		}
		c.h.engine.Typing(ctx, c.UserID(), t.RecipientID, t.Typing)

	default:
		c.reply(frame.Type, errors.New("unknown event type"))
	}
}

func (c *Client) reply(request string, err error) {
	c.Deliver(models.Event{
		Type:    models.EventError,
		Payload: models.ErrorPayload{Request: request, Error: err.Error()},
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.h.server.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.server.WriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Debug("write_failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.server.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
