// Package materializer turns persisted events into per-recipient update rows
// and hands them to the broker.
//
// Each event moves through the same stages: recipients are resolved from the
// authoritative membership rows, one update row is written per recipient,
// then each row is published and marked. The durable write always precedes
// the publish; a background sweep republishes rows whose publish was lost, so
// a broker outage degrades latency, never correctness. Delivery is therefore
// at-least-once and clients dedupe by update id.
package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/idgen"
	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/store"
)

// Options tune a Worker. Zero values fall back to defaults.
type Options struct {
	// SelfNotify materializes an update for the acting user too. Off by
	// default: the actor already has the state it just wrote.
	SelfNotify bool

	// SweepInterval is how often the unpublished sweep runs.
	SweepInterval time.Duration
	// SweepGrace is how old an unpublished row must be before the sweep
	// retries it, leaving room for the in-flight first publish.
	SweepGrace time.Duration

	// BatchSize bounds member paging and sweep reads.
	BatchSize int
}

// Worker consumes the event stream and materializes updates, one event at a
// time.
type Worker struct {
	store  store.Store
	sub    events.Subscriber
	pub    events.Publisher
	logger *slog.Logger
	opts   Options
}

// New returns a Worker. sub may be nil when the worker is only used for
// direct materialization (API-process mode); Run requires it.
func New(s store.Store, sub events.Subscriber, pub events.Publisher, logger *slog.Logger, opts Options) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Worker{store: s, sub: sub, pub: pub, logger: logger, opts: opts}
}

// Run drains the event subject until ctx is canceled. Malformed payloads are
// logged and dropped; processing errors are logged and the worker moves on,
// relying on the sweep to recover missed publishes.
func (w *Worker) Run(ctx context.Context) error {
	ch, cancel, err := w.sub.Subscribe(events.EventWildcard)
	if err != nil {
		return fmt.Errorf("materializer: subscribe: %w", err)
	}
	defer cancel()

	w.logger.Info("materializer started", "subject", events.EventWildcard)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return fmt.Errorf("materializer: event subscription closed")
			}
			var event model.Event
			if err := json.Unmarshal(payload, &event); err != nil {
				w.logger.Warn("dropping malformed event payload", "err", err)
				continue
			}
			if err := w.ProcessEvent(ctx, &event); err != nil {
				w.logger.Error("event processing failed",
					"event_id", event.ID,
					"event_type", event.EventType,
					"err", err)
			}
		}
	}
}

// ProcessEvent materializes one event: resolves recipients, writes one update
// row per recipient, publishes each and marks it published. Re-processing the
// same event is safe: the (event, recipient) insert is conflict-guarded, so
// recipients at most see a redelivery, never a second row.
func (w *Worker) ProcessEvent(ctx context.Context, event *model.Event) error {
	recipients, dialogID, err := w.resolveRecipients(ctx, event)
	if err != nil {
		return fmt.Errorf("resolve recipients for %s: %w", event.ID, err)
	}

	for _, userID := range recipients {
		if userID == event.ActorID && !w.opts.SelfNotify {
			continue
		}
		update, err := w.writeUpdate(ctx, event, dialogID, userID)
		if err != nil {
			return err
		}
		w.publish(ctx, update)
	}
	return nil
}

// resolveRecipients maps an event to the users who must receive it. Dialog
// events fan out to current members; message events resolve their owning
// dialog from the payload first; user events go to the subject user alone.
func (w *Worker) resolveRecipients(ctx context.Context, event *model.Event) ([]string, string, error) {
	data, err := model.ParseEventData(event.Data)
	if err != nil {
		return nil, "", fmt.Errorf("parse event data: %w", err)
	}

	switch event.EntityType {
	case model.EntityDialog:
		members, err := w.listAllMembers(ctx, event.TenantID, event.EntityID)
		return members, event.EntityID, err
	case model.EntityMessage:
		if data.DialogID == "" {
			return nil, "", fmt.Errorf("message event %s carries no dialog id", event.ID)
		}
		members, err := w.listAllMembers(ctx, event.TenantID, data.DialogID)
		return members, data.DialogID, err
	case model.EntityUser:
		userID := data.UserID
		if userID == "" {
			userID = event.EntityID
		}
		return []string{userID}, "", nil
	default:
		return nil, "", fmt.Errorf("unknown entity type %q", event.EntityType)
	}
}

func (w *Worker) listAllMembers(ctx context.Context, tenantID, dialogID string) ([]string, error) {
	var out []string
	afterUserID := ""
	for {
		members, err := w.store.ListDialogMembers(ctx, tenantID, dialogID, afterUserID, w.opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return out, nil
		}
		for _, m := range members {
			out = append(out, m.UserID)
		}
		afterUserID = members[len(members)-1].UserID
		if len(members) < w.opts.BatchSize {
			return out, nil
		}
	}
}

func (w *Worker) writeUpdate(ctx context.Context, event *model.Event, dialogID, userID string) (*model.Update, error) {
	id, err := idgen.Generate(idgen.PrefixUpdate)
	if err != nil {
		return nil, err
	}
	update := &model.Update{
		ID:        id,
		TenantID:  event.TenantID,
		UserID:    userID,
		DialogID:  dialogID,
		EntityID:  event.EntityID,
		EventID:   event.ID,
		EventType: event.EventType,
		Data:      event.Data,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.CreateUpdate(ctx, update); err != nil {
		return nil, fmt.Errorf("write update for %s/%s: %w", event.ID, userID, err)
	}
	return update, nil
}

// publish hands one update to the broker and marks the row. Both failures are
// logged only: the row stays unpublished and the sweep retries it. Reports
// whether the broker accepted the publish.
func (w *Worker) publish(ctx context.Context, update *model.Update) bool {
	subject := events.UpdateSubject(update.TenantID, update.UserID)
	if err := w.pub.Publish(ctx, subject, update); err != nil {
		w.logger.Warn("update publish failed, leaving for sweep",
			"update_id", update.ID,
			"subject", subject,
			"err", err)
		return false
	}
	now := time.Now().UTC()
	if err := w.store.MarkUpdatePublished(ctx, update.ID, now); err != nil {
		w.logger.Warn("failed to mark update published",
			"update_id", update.ID,
			"err", err)
	}
	return true
}

// RunSweep periodically republishes rows that were written but never made it
// to the broker, until ctx is canceled.
func (w *Worker) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("unpublished sweep failed", "err", err)
			} else if n > 0 {
				w.logger.Info("unpublished sweep recovered updates", "count", n)
			}
		}
	}
}

// SweepOnce republishes unpublished updates older than the grace period and
// returns how many it handled.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	olderThan := time.Now().UTC().Add(-w.opts.SweepGrace)
	total := 0
	for {
		updates, err := w.store.ListUnpublishedUpdates(ctx, olderThan, w.opts.BatchSize)
		if err != nil {
			return total, err
		}
		if len(updates) == 0 {
			return total, nil
		}
		recovered := 0
		for _, u := range updates {
			if w.publish(ctx, u) {
				recovered++
			}
			total++
		}
		// Nothing got through this batch: the broker is down, stop
		// instead of rereading the same rows until the next tick.
		if recovered == 0 || len(updates) < w.opts.BatchSize {
			return total, nil
		}
	}
}
