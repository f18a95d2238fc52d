package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gigchat/database"
	"gigchat/handlers"
	"gigchat/metrics"
	"gigchat/middleware"
)

// Deps is everything the router mounts.
type Deps struct {
	Auth      *middleware.Authenticator
	Messages  *handlers.Messages
	WebSocket *handlers.WebSocket
	Store     database.Store
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// NewRouter builds the HTTP surface: the socket endpoint, the REST routes
// behind token auth and the operational endpoints.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	// Operational
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readiness(d.Store)).Methods(http.MethodGet)
	r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)

	// WebSocket, authenticated during the handshake
	r.Handle("/ws", d.WebSocket).Methods(http.MethodGet)

	// REST
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequestLogger(d.Log), d.Auth.RequireAuth)

	api.HandleFunc("/me", handlers.Me).Methods(http.MethodGet)
	api.HandleFunc("/conversations", d.Messages.GetConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{userId}/read", d.Messages.MarkConversationRead).Methods(http.MethodPut)
	api.HandleFunc("/messages", d.Messages.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages", d.Messages.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/read", d.Messages.MarkMessageRead).Methods(http.MethodPut)

	return r
}

func readiness(store database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}
