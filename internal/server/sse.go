package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alfredjeanlab/courier/internal/model"
)

// sseKeepaliveInterval is how often keepalive comments are sent to prevent
// connection timeouts.
const sseKeepaliveInterval = 15 * time.Second

// handleUpdateStream handles GET /v1/updates/stream (SSE endpoint). The
// client identifies itself with ?tenant_id and ?user_id; an optional ?after
// timestamp replays the durable update rows missed while disconnected before
// the live stream begins. Replayed and live updates use the same wire shape,
// and the update id doubles as the SSE event id so clients can resume with
// ?after set to the last created_at they saw.
func (s *Server) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	userID := r.URL.Query().Get("user_id")
	if tenantID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and user_id are required")
		return
	}

	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be RFC 3339")
			return
		}
		after = t
	}

	// Subscribe before the catch-up read so nothing falls between them.
	// An update landing in both is a duplicate, not a gap; clients dedupe
	// by id.
	conn, err := s.registry.Subscribe(tenantID, userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "subscription unavailable")
		return
	}
	defer s.registry.Unsubscribe(conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if !after.IsZero() {
		missed, err := s.store.ListUserUpdates(r.Context(), tenantID, userID, after, 0)
		if err != nil {
			s.logger.Error("sse catch-up read failed",
				"tenant_id", tenantID, "user_id", userID, "err", err)
		}
		for _, u := range missed {
			writeSSEUpdate(w, u)
		}
		flusher.Flush()
	}

	ctx := r.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u, open := <-conn.Updates():
			if !open {
				// Reaped or registry shutdown.
				return
			}
			writeSSEUpdate(w, u)
			flusher.Flush()
			conn.Touch()
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEUpdate writes a single update as an SSE event.
func writeSSEUpdate(w http.ResponseWriter, u *model.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id:%s\n", u.ID)
	fmt.Fprintf(w, "event:%s\n", u.EventType)
	fmt.Fprintf(w, "data:%s\n\n", data)
}
