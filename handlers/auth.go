package handlers

import (
	"net/http"

	"gigchat/middleware"
)

// Me returns the current authenticated identity as decoded from its token.
func Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
		return
	}

	writeJSON(w, http.StatusOK, user)
}
