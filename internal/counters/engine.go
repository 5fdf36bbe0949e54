// Package counters maintains the derived aggregate counters that gate UI
// behavior (unread badges, dialog filters) and the append-only audit trail
// behind them.
//
// Every mutation is a single atomic statement against the counter document
// followed by one history row. The history is diagnostic: a failed audit
// write is logged and swallowed, while a failed counter mutation is returned
// to the caller so its normal error path retries it.
package counters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/courier/internal/idgen"
	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/store"
)

// Delta describes one counter mutation request.
type Delta struct {
	TenantID    string
	CounterType model.CounterType
	EntityType  model.EntityType
	// EntityID addresses the counter document. For CounterMember it is
	// "<dialogID>/<userID>"; use MemberEntityID to build it.
	EntityID string
	Field    string
	Delta    int64

	// Audit context
	SourceOperation string
	SourceEntityID  string
	ActorID         string
}

// MemberEntityID builds the counter entity id for a membership row.
func MemberEntityID(dialogID, userID string) string {
	return dialogID + "/" + userID
}

// Engine applies counter deltas atomically and records the audit trail.
type Engine struct {
	store  store.Store
	logger *slog.Logger
}

// New returns an Engine backed by the given store.
func New(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger}
}

// ApplyDelta atomically applies d.Delta to the addressed counter and returns
// the new value. The audit row is written after (never before) the counter
// mutation so that history can only under-report, never describe a mutation
// that did not happen.
func (e *Engine) ApplyDelta(ctx context.Context, d Delta) (int64, error) {
	if d.Delta == 0 {
		return e.currentValue(ctx, d)
	}

	old, updated, err := e.mutate(ctx, d, false, d.Delta)
	if err != nil {
		return 0, fmt.Errorf("apply delta %s/%s.%s: %w", d.CounterType, d.EntityID, d.Field, err)
	}

	op := model.OpIncrement
	if d.Delta < 0 {
		op = model.OpDecrement
	}
	e.audit(ctx, d, op, old, updated)
	return updated, nil
}

// Set atomically overwrites the addressed counter with an absolute value and
// returns it. Used by the recomputation path and bulk read resets.
func (e *Engine) Set(ctx context.Context, d Delta, value int64) (int64, error) {
	old, updated, err := e.mutate(ctx, d, true, value)
	if err != nil {
		return 0, fmt.Errorf("set counter %s/%s.%s: %w", d.CounterType, d.EntityID, d.Field, err)
	}
	if old != updated {
		d.Delta = updated - old
		e.audit(ctx, d, model.OpSet, old, updated)
	}
	return updated, nil
}

func (e *Engine) mutate(ctx context.Context, d Delta, absolute bool, value int64) (int64, int64, error) {
	if d.CounterType == model.CounterMember {
		dialogID, userID, err := splitMemberEntityID(d.EntityID)
		if err != nil {
			return 0, 0, err
		}
		if absolute {
			return e.store.SetMemberUnread(ctx, d.TenantID, dialogID, userID, value)
		}
		return e.store.IncrementMemberUnread(ctx, d.TenantID, dialogID, userID, value)
	}
	if absolute {
		return e.store.SetCounter(ctx, d.TenantID, d.CounterType, d.EntityType, d.EntityID, d.Field, value)
	}
	return e.store.IncrementCounter(ctx, d.TenantID, d.CounterType, d.EntityType, d.EntityID, d.Field, value)
}

func (e *Engine) currentValue(ctx context.Context, d Delta) (int64, error) {
	if d.CounterType == model.CounterMember {
		dialogID, userID, err := splitMemberEntityID(d.EntityID)
		if err != nil {
			return 0, err
		}
		m, err := e.store.GetMember(ctx, d.TenantID, dialogID, userID)
		if err != nil {
			return 0, err
		}
		return m.UnreadCount, nil
	}
	return e.store.GetCounter(ctx, d.TenantID, d.CounterType, d.EntityID, d.Field)
}

func (e *Engine) audit(ctx context.Context, d Delta, op model.CounterOp, old, updated int64) {
	id, err := idgen.Generate(idgen.PrefixHistory)
	if err != nil {
		e.logger.Warn("counters: history id generation failed", "err", err)
		return
	}
	h := &model.CounterHistory{
		ID:              id,
		TenantID:        d.TenantID,
		CounterType:     d.CounterType,
		EntityType:      d.EntityType,
		EntityID:        d.EntityID,
		Field:           d.Field,
		OldValue:        old,
		NewValue:        updated,
		Delta:           updated - old,
		Operation:       op,
		SourceOperation: d.SourceOperation,
		SourceEntityID:  d.SourceEntityID,
		ActorID:         d.ActorID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.RecordCounterHistory(ctx, h); err != nil {
		e.logger.Warn("counters: history write failed",
			"counter_type", d.CounterType,
			"entity_id", d.EntityID,
			"field", d.Field,
			"err", err)
	}
}

func splitMemberEntityID(entityID string) (string, string, error) {
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == '/' {
			if i == 0 || i == len(entityID)-1 {
				break
			}
			return entityID[:i], entityID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed member entity id %q", entityID)
}
