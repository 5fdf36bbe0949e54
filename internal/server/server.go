// Package server exposes the pipeline's callable edges: event ingest, the
// update replay window, mark-read, counter repair, and the streaming
// transports (SSE, WebSocket, gRPC).
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/courier/internal/counters"
	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/idem"
	"github.com/alfredjeanlab/courier/internal/materializer"
	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/registry"
	"github.com/alfredjeanlab/courier/internal/store"
)

// Options configure a Server.
type Options struct {
	// BatchSize doubles as the mark-read threshold: dialogs with at most
	// this many members are reset synchronously, larger ones are queued.
	BatchSize int

	// LocalMode runs the materializer inline on ingest and fans updates
	// out through the in-process registry. Used when no broker is
	// configured (single-node deployments and tests).
	LocalMode bool
}

// Server wires the pipeline components behind the transport handlers.
type Server struct {
	store     store.Store
	publisher events.Publisher
	engine    *counters.Engine
	registry  *registry.Registry
	guard     *idem.Guard
	logger    *slog.Logger
	opts      Options

	// localMat materializes inline in LocalMode.
	localMat *materializer.Worker
}

// New returns a Server. guard may be nil to disable request deduplication.
func New(s store.Store, pub events.Publisher, engine *counters.Engine, reg *registry.Registry, guard *idem.Guard, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	srv := &Server{
		store:     s,
		publisher: pub,
		engine:    engine,
		registry:  reg,
		guard:     guard,
		logger:    logger,
		opts:      opts,
	}
	if opts.LocalMode {
		srv.localMat = materializer.New(s, nil, localPublisher{reg}, logger, materializer.Options{
			BatchSize: opts.BatchSize,
		})
	}
	return srv
}

// localPublisher adapts the registry's in-process fan-out to the publisher
// interface so the inline materializer can mark rows published.
type localPublisher struct {
	reg *registry.Registry
}

func (p localPublisher) Publish(_ context.Context, _ string, payload any) error {
	if u, ok := payload.(*model.Update); ok && p.reg != nil {
		p.reg.Deliver(u)
	}
	return nil
}

func (p localPublisher) Close() error { return nil }

// publishEvent hands a persisted event to the broker. Fire and forget: a
// publish failure is logged, never propagated, because the durable write is
// the source of truth and the sweep recovers delivery.
func (s *Server) publishEvent(ctx context.Context, event *model.Event) {
	if err := s.publisher.Publish(ctx, events.EventSubject(event), event); err != nil {
		s.logger.Warn("event publish failed",
			"event_id", event.ID,
			"event_type", event.EventType,
			"err", err)
	}
	if s.localMat != nil {
		if err := s.localMat.ProcessEvent(ctx, event); err != nil {
			s.logger.Error("inline materialization failed",
				"event_id", event.ID,
				"err", err)
		}
	}
}

// applyEventCounters performs the synchronous authoritative counter updates
// an event implies: a new message bumps every other member's unread state, a
// reaction toggle or a read status moves the message's tally, all in the
// same request that persisted the event.
func (s *Server) applyEventCounters(ctx context.Context, event *model.Event, data model.EventData) {
	switch event.EventType {
	case events.TypeMessageCreated:
		dialogID := data.DialogID
		if dialogID == "" && event.EntityType == model.EntityDialog {
			dialogID = event.EntityID
		}
		if dialogID != "" {
			s.fanOutUnread(ctx, event, dialogID)
		}
	case events.TypeReactionChanged:
		if event.EntityType != model.EntityMessage || data.Reaction == "" {
			return
		}
		delta := int64(1)
		if data.Removed {
			delta = -1
		}
		s.applyMessageTally(ctx, event, model.ReactionField(data.Reaction), delta)
	case events.TypeStatusChanged:
		if event.EntityType != model.EntityMessage || data.Status != model.MessageStatusRead {
			return
		}
		s.applyMessageTally(ctx, event, model.FieldReadCount, 1)
	}
}

// fanOutUnread bumps per-member unread state across a dialog, skipping the
// member who authored the event.
func (s *Server) fanOutUnread(ctx context.Context, event *model.Event, dialogID string) {
	afterUserID := ""
	for {
		members, err := s.store.ListDialogMembers(ctx, event.TenantID, dialogID, afterUserID, s.opts.BatchSize)
		if err != nil {
			s.logger.Error("counter fan-out failed",
				"event_id", event.ID, "dialog_id", dialogID, "err", err)
			return
		}
		if len(members) == 0 {
			return
		}
		for _, m := range members {
			if m.UserID == event.ActorID {
				continue
			}
			s.bumpUnread(ctx, event, dialogID, m.UserID)
		}
		afterUserID = members[len(members)-1].UserID
		if len(members) < s.opts.BatchSize {
			return
		}
	}
}

// applyMessageTally moves one field of the message-scoped counter document.
func (s *Server) applyMessageTally(ctx context.Context, event *model.Event, field string, delta int64) {
	d := counters.Delta{
		TenantID:        event.TenantID,
		CounterType:     model.CounterMessage,
		EntityType:      model.EntityMessage,
		EntityID:        event.EntityID,
		Field:           field,
		Delta:           delta,
		SourceOperation: event.EventType,
		SourceEntityID:  event.ID,
		ActorID:         event.ActorID,
	}
	if _, err := s.engine.ApplyDelta(ctx, d); err != nil {
		s.logger.Error("message tally failed",
			"event_id", event.ID, "field", field, "err", err)
	}
}

func (s *Server) bumpUnread(ctx context.Context, event *model.Event, dialogID, userID string) {
	base := counters.Delta{
		TenantID:        event.TenantID,
		SourceOperation: event.EventType,
		SourceEntityID:  event.ID,
		ActorID:         event.ActorID,
	}

	d := base
	d.CounterType = model.CounterMember
	d.EntityType = model.EntityDialog
	d.EntityID = counters.MemberEntityID(dialogID, userID)
	d.Field = model.FieldUnreadCount
	d.Delta = 1
	newUnread, err := s.engine.ApplyDelta(ctx, d)
	if err != nil {
		s.logger.Error("unread increment failed",
			"event_id", event.ID, "user_id", userID, "err", err)
		return
	}

	d = base
	d.CounterType = model.CounterUser
	d.EntityType = model.EntityUser
	d.EntityID = userID
	d.Field = model.FieldUnreadTotal
	d.Delta = 1
	if _, err := s.engine.ApplyDelta(ctx, d); err != nil {
		s.logger.Error("unread total increment failed",
			"event_id", event.ID, "user_id", userID, "err", err)
	}

	// The dialog just flipped from read to unread for this member.
	if newUnread == 1 {
		d.Field = model.FieldUnreadDialogs
		if _, err := s.engine.ApplyDelta(ctx, d); err != nil {
			s.logger.Error("unread dialogs increment failed",
				"event_id", event.ID, "user_id", userID, "err", err)
		}
	}
}

func marshalData(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return data
}

func nowUTC() time.Time { return time.Now().UTC() }
