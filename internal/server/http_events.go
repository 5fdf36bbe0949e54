package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/idgen"
	"github.com/alfredjeanlab/courier/internal/model"
)

// ingestRequest is the collaborator entry point payload: one domain mutation
// to append to the log.
type ingestRequest struct {
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EventType  string          `json:"event_type"`
	ActorID    string          `json:"actor_id"`
	ActorType  string          `json:"actor_type"`
	Data       json.RawMessage `json:"data"`
}

// handleIngestEvent handles POST /v1/events: append to the log, publish to
// the broker, and apply the synchronous counter updates the event implies.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	entityType := model.EntityType(req.EntityType)
	switch entityType {
	case model.EntityDialog, model.EntityMessage, model.EntityUser:
	default:
		writeError(w, http.StatusBadRequest, "unknown entity_type")
		return
	}
	if !events.ValidSubjectToken(req.TenantID) {
		writeError(w, http.StatusBadRequest, "tenant_id contains reserved characters")
		return
	}

	// Validate the payload before the append: once the row is durable the
	// request must not be reported as failed.
	data, err := model.ParseEventData(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event data payload")
		return
	}
	if entityType == model.EntityUser {
		recipient := data.UserID
		if recipient == "" {
			recipient = req.EntityID
		}
		if !events.ValidSubjectToken(recipient) {
			writeError(w, http.StatusBadRequest, "user id contains reserved characters")
			return
		}
	}

	id, err := idgen.Generate(idgen.PrefixEvent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate event id")
		return
	}
	event := &model.Event{
		ID:         id,
		TenantID:   req.TenantID,
		EntityType: entityType,
		EntityID:   req.EntityID,
		EventType:  req.EventType,
		ActorID:    req.ActorID,
		ActorType:  model.ActorType(req.ActorType),
		Data:       marshalData(req.Data),
		CreatedAt:  nowUTC(),
	}

	if err := s.store.AppendEvent(r.Context(), event); err != nil {
		s.logger.Error("event append failed", "event_type", event.EventType, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to append event")
		return
	}

	s.applyEventCounters(r.Context(), event, data)
	s.publishEvent(r.Context(), event)

	writeJSON(w, http.StatusCreated, event)
}

// handleListEvents handles GET /v1/events: the per-tenant event log, oldest
// first, optionally bounded by ?after and ?limit.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	after, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}
	evts, err := s.store.ListEvents(r.Context(), tenantID, after, limit)
	if err != nil {
		s.logger.Error("event list failed", "tenant_id", tenantID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

// handleListUpdates handles GET /v1/updates: the replay window for a
// (tenant, user) pair. Clients reconnecting after a gap read missed updates
// here before resuming a live stream.
func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	userID := r.URL.Query().Get("user_id")
	if tenantID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and user_id are required")
		return
	}
	after, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}
	updates, err := s.store.ListUserUpdates(r.Context(), tenantID, userID, after, limit)
	if err != nil {
		s.logger.Error("update list failed",
			"tenant_id", tenantID, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list updates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": updates})
}

// parseWindow reads the optional ?after (RFC 3339) and ?limit parameters.
// Writes the error response itself and reports ok=false on bad input.
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, int, bool) {
	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be RFC 3339")
			return time.Time{}, 0, false
		}
		after = t
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return time.Time{}, 0, false
		}
		limit = n
	}
	return after, limit, true
}
