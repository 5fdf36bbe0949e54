package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/idgen"
	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/readtasks"
	"github.com/alfredjeanlab/courier/internal/store"
)

type markReadRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"` // empty = every member of the dialog
}

// handleMarkDialogRead handles POST /v1/dialogs/{id}/read. A single member
// is always reset synchronously. A whole-dialog reset runs synchronously
// only while the member count fits one batch; past that it becomes a queued
// DialogReadTask and the response is 202 with the task id.
func (s *Server) handleMarkDialogRead(w http.ResponseWriter, r *http.Request) {
	dialogID := r.PathValue("id")
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	ctx := r.Context()
	if req.UserID != "" {
		m, err := s.store.GetMember(ctx, req.TenantID, dialogID, req.UserID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		if err != nil {
			s.logger.Error("member load failed", "dialog_id", dialogID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load member")
			return
		}
		if err := readtasks.ResetMember(ctx, s.engine, dialogID, m, ""); err != nil {
			s.logger.Error("mark read failed",
				"dialog_id", dialogID, "user_id", req.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to mark read")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dialog_id": dialogID, "user_id": req.UserID})
		return
	}

	count, err := s.store.CountDialogMembers(ctx, req.TenantID, dialogID)
	if err != nil {
		s.logger.Error("member count failed", "dialog_id", dialogID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to count members")
		return
	}

	if count <= s.opts.BatchSize {
		members, err := s.store.ListDialogMembers(ctx, req.TenantID, dialogID, "", s.opts.BatchSize)
		if err != nil {
			s.logger.Error("member list failed", "dialog_id", dialogID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to list members")
			return
		}
		for _, m := range members {
			if err := readtasks.ResetMember(ctx, s.engine, dialogID, m, ""); err != nil {
				s.logger.Error("mark read failed",
					"dialog_id", dialogID, "user_id", m.UserID, "err", err)
				writeError(w, http.StatusInternalServerError, "failed to mark read")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"dialog_id": dialogID, "members": len(members)})
		return
	}

	id, err := idgen.Generate(idgen.PrefixTask)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate task id")
		return
	}
	task := &model.DialogReadTask{
		ID:        id,
		TenantID:  req.TenantID,
		DialogID:  dialogID,
		Status:    model.TaskPending,
		CreatedAt: nowUTC(),
	}
	if err := s.store.EnqueueReadTask(ctx, task); err != nil {
		s.logger.Error("task enqueue failed", "dialog_id", dialogID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue read task")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

type memberRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	ActorID  string `json:"actor_id"`
}

// handleAddMember handles POST /v1/dialogs/{id}/members: registers the
// membership row the pipeline fans out over, and records the membership
// event.
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	dialogID := r.PathValue("id")
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and user_id are required")
		return
	}

	if !events.ValidSubjectToken(req.TenantID) || !events.ValidSubjectToken(req.UserID) {
		writeError(w, http.StatusBadRequest, "tenant_id and user_id must not contain reserved characters")
		return
	}

	m := &model.DialogMember{
		TenantID: req.TenantID,
		DialogID: dialogID,
		UserID:   req.UserID,
		JoinedAt: nowUTC(),
	}
	event := s.membershipEvent(events.TypeMemberAdded, req.TenantID, dialogID, req.UserID, req.ActorID)
	err := s.store.RunInTransaction(r.Context(), func(tx store.Store) error {
		if err := tx.UpsertMember(r.Context(), m); err != nil {
			return err
		}
		if event != nil {
			return tx.AppendEvent(r.Context(), event)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("member add failed", "dialog_id", dialogID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}

	if event != nil {
		s.publishEvent(r.Context(), event)
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleRemoveMember handles DELETE /v1/dialogs/{id}/members/{user}.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	dialogID := r.PathValue("id")
	userID := r.PathValue("user")
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	event := s.membershipEvent(events.TypeMemberRemoved, tenantID, dialogID, userID, r.URL.Query().Get("actor_id"))
	err := s.store.RunInTransaction(r.Context(), func(tx store.Store) error {
		if err := tx.RemoveMember(r.Context(), tenantID, dialogID, userID); err != nil {
			return err
		}
		if event != nil {
			return tx.AppendEvent(r.Context(), event)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("member remove failed", "dialog_id", dialogID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}

	if event != nil {
		s.publishEvent(r.Context(), event)
	}
	w.WriteHeader(http.StatusNoContent)
}

// membershipEvent builds the dialog-scoped membership event the handlers
// append in the same transaction as the membership row, so remaining members
// see the change iff the row changed. A nil return skips the event but not
// the row.
func (s *Server) membershipEvent(eventType, tenantID, dialogID, userID, actorID string) *model.Event {
	id, err := idgen.Generate(idgen.PrefixEvent)
	if err != nil {
		s.logger.Warn("membership event id generation failed", "err", err)
		return nil
	}
	data, _ := json.Marshal(model.EventData{DialogID: dialogID, UserID: userID})
	return &model.Event{
		ID:         id,
		TenantID:   tenantID,
		EntityType: model.EntityDialog,
		EntityID:   dialogID,
		EventType:  eventType,
		ActorID:    actorID,
		ActorType:  model.ActorUser,
		Data:       data,
		CreatedAt:  nowUTC(),
	}
}

type recalculateRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	DialogID string `json:"dialog_id"`
	ActorID  string `json:"actor_id"`
}

// handleRecalculate handles POST /v1/counters/recalculate, the operational
// repair hook: rebuild a user's aggregates, or every member's across a
// dialog, from the authoritative membership rows.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	switch {
	case req.UserID != "":
		totals, err := s.engine.RecalculateUser(r.Context(), req.TenantID, req.UserID, req.ActorID)
		if err != nil {
			s.logger.Error("user recalculation failed", "user_id", req.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "recalculation failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "totals": totals})
	case req.DialogID != "":
		n, err := s.engine.RecalculateDialog(r.Context(), req.TenantID, req.DialogID, req.ActorID, s.opts.BatchSize)
		if err != nil {
			s.logger.Error("dialog recalculation failed", "dialog_id", req.DialogID, "err", err)
			writeError(w, http.StatusInternalServerError, "recalculation failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dialog_id": req.DialogID, "members": n})
	default:
		writeError(w, http.StatusBadRequest, "user_id or dialog_id is required")
	}
}
