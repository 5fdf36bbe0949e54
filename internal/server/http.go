package server

import (
	"encoding/json"
	"net/http"

	"github.com/alfredjeanlab/courier/internal/idem"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header. Mutating routes pass through
// the idempotency guard when one is configured.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleIngestEvent)
	mux.HandleFunc("GET /v1/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/updates", s.handleListUpdates)
	mux.HandleFunc("POST /v1/dialogs/{id}/read", s.handleMarkDialogRead)
	mux.HandleFunc("POST /v1/dialogs/{id}/members", s.handleAddMember)
	mux.HandleFunc("DELETE /v1/dialogs/{id}/members/{user}", s.handleRemoveMember)
	mux.HandleFunc("POST /v1/counters/recalculate", s.handleRecalculate)
	mux.HandleFunc("GET /v1/updates/stream", s.handleUpdateStream)
	mux.HandleFunc("GET /v1/updates/ws", s.handleUpdateWS)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	var h http.Handler = mux
	if s.guard != nil {
		h = idem.Middleware(s.guard, s.logger)(h)
	}
	return AuthMiddleware(authToken, h)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
