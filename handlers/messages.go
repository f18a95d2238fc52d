package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gigchat/database"
	"gigchat/messaging"
	"gigchat/middleware"
	"gigchat/models"
)

// RoleAdmin may send system messages.
const RoleAdmin = "admin"

// Messages serves the REST side of the conversation channel.
type Messages struct {
	engine     *messaging.Engine
	projection *messaging.Projection
	log        *zap.Logger
}

func NewMessages(engine *messaging.Engine, projection *messaging.Projection, log *zap.Logger) *Messages {
	return &Messages{engine: engine, projection: projection, log: log}
}

type messagePage struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// authorizeSend pins the request to the authenticated sender.
func authorizeSend(identity *models.Identity, req *models.SendRequest) error {
	if req.SenderID != "" && req.SenderID != identity.UserID {
		return &messaging.ValidationError{Field: "sender_id", Reason: "does not match the authenticated user"}
	}
	req.SenderID = identity.UserID
	if req.Type == models.MessageTypeSystem && !identity.HasRole(RoleAdmin) {
		return &messaging.ValidationError{Field: "message_type", Reason: "system messages are reserved for administrators"}
	}
	return nil
}

// GetConversations returns all conversations for the current user
func (h *Messages) GetConversations(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFromContext(r.Context())

	conversations, err := h.projection.ListConversations(r.Context(), user.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

// GetMessages returns one page of messages between the current user and
// otherUserId. Reading history does not mark anything read.
func (h *Messages) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFromContext(r.Context())
	q := r.URL.Query()

	page := database.Page{After: q.Get("after")}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit <= 0 {
			h.writeError(w, &messaging.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		page.Limit = limit
	}

	messages, next, err := h.engine.ListMessages(r.Context(), user.UserID, q.Get("otherUserId"), page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagePage{Messages: messages, NextCursor: next})
}

// SendMessage creates a new message. The response is the confirmation.
func (h *Messages) SendMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFromContext(r.Context())

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &messaging.ValidationError{Field: "body", Reason: "is not a valid send request"})
		return
	}
	if err := authorizeSend(user, &req); err != nil {
		h.writeError(w, err)
		return
	}

	msg, err := h.engine.Send(r.Context(), nil, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.MessageSent{ClientRef: req.ClientRef, Message: msg})
}

// MarkMessageRead marks one message as read
func (h *Messages) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFromContext(r.Context())

	msg, err := h.engine.MarkRead(r.Context(), mux.Vars(r)["id"], user.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// MarkConversationRead marks all messages from a user as read
func (h *Messages) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFromContext(r.Context())

	n, err := h.engine.MarkConversationRead(r.Context(), user.UserID, mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Messages) writeError(w http.ResponseWriter, err error) {
	var (
		status int
		v      *messaging.ValidationError
	)
	switch {
	case errors.As(err, &v):
		status = http.StatusBadRequest
	case errors.Is(err, messaging.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, messaging.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, messaging.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, messaging.ErrPersistence):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	body := map[string]string{"error": err.Error()}
	if status >= http.StatusInternalServerError {
		h.log.Error("request_failed", zap.Int("status", status), zap.Error(err))
		body["error"] = messaging.ErrPersistence.Error()
	}
	if v != nil {
		body["field"] = v.Field
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
