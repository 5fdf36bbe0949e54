// Package readtasks drains the dialog read-task queue: bulk "mark dialog
// read" operations too large to apply on the request path.
//
// A worker claims the oldest pending task through an atomic status
// transition, so at most one worker processes a given task even with many
// worker processes. Tasks are processed one at a time per worker and always
// end in a terminal status; the task row itself is never lost. A stuck
// running task left by a crashed worker is returned to pending by the lease
// reaper.
package readtasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/courier/internal/counters"
	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/store"
)

// Options tune a Worker. Zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration // queue poll cadence
	BatchSize    int           // members reset per page on whole-dialog tasks
	Lease        time.Duration // running longer than this means the worker died; 0 disables the reaper
	ShutdownWait time.Duration // bound on finishing the in-flight task during shutdown
}

// Worker polls the queue and applies read resets through the counter engine.
type Worker struct {
	store  store.Store
	engine *counters.Engine
	logger *slog.Logger
	opts   Options
}

// New returns a Worker.
func New(s store.Store, engine *counters.Engine, logger *slog.Logger, opts Options) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = 30 * time.Second
	}
	return &Worker{store: s, engine: engine, logger: logger, opts: opts}
}

// Run polls for tasks until ctx is canceled. A task claimed before the
// cancel is given ShutdownWait to finish so it reaches a terminal status
// instead of lingering as running.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("read-task worker started", "poll_interval", w.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := w.store.ClaimReadTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("task claim failed", "err", err)
			task = nil
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		// Detach from the run context so shutdown lets the claimed task
		// finish, bounded by ShutdownWait.
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownWait)
		w.runTask(taskCtx, task)
		cancel()
	}
}

// ProcessOne claims and processes a single task, reporting whether one was
// found. Used by tests and one-shot invocations.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimReadTask(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	w.runTask(ctx, task)
	return true, nil
}

func (w *Worker) runTask(ctx context.Context, task *model.DialogReadTask) {
	start := time.Now()
	err := w.process(ctx, task)
	if err != nil {
		w.logger.Error("read task failed",
			"task_id", task.ID,
			"dialog_id", task.DialogID,
			"err", err)
		if ferr := w.store.FinishReadTask(ctx, task.ID, model.TaskFailed, err.Error()); ferr != nil {
			w.logger.Error("failed to record task failure", "task_id", task.ID, "err", ferr)
		}
		return
	}
	if err := w.store.FinishReadTask(ctx, task.ID, model.TaskCompleted, ""); err != nil {
		w.logger.Error("failed to record task completion", "task_id", task.ID, "err", err)
		return
	}
	w.logger.Info("read task completed",
		"task_id", task.ID,
		"dialog_id", task.DialogID,
		"duration", time.Since(start))
}

// process applies the read reset. A task naming a user resets that one
// membership; a task without one resets every member of the dialog, paging
// in fixed-size batches.
func (w *Worker) process(ctx context.Context, task *model.DialogReadTask) error {
	if task.UserID != "" {
		m, err := w.store.GetMember(ctx, task.TenantID, task.DialogID, task.UserID)
		if err != nil {
			return fmt.Errorf("load member %s: %w", task.UserID, err)
		}
		return w.markRead(ctx, task, m)
	}

	afterUserID := ""
	for {
		members, err := w.store.ListDialogMembers(ctx, task.TenantID, task.DialogID, afterUserID, w.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list members of %s: %w", task.DialogID, err)
		}
		if len(members) == 0 {
			return nil
		}
		for _, m := range members {
			if err := w.markRead(ctx, task, m); err != nil {
				return err
			}
		}
		afterUserID = members[len(members)-1].UserID
		if len(members) < w.opts.BatchSize {
			return nil
		}
	}
}

// markRead applies the shared reset for one membership.
func (w *Worker) markRead(ctx context.Context, task *model.DialogReadTask, m *model.DialogMember) error {
	return ResetMember(ctx, w.engine, task.DialogID, m, task.ID)
}

// ResetMember zeroes one membership's unread count and folds the change into
// the user's aggregates. Members already at zero are skipped, so repeating a
// reset is a no-op on counters. Shared by the worker and the synchronous
// mark-read path.
func ResetMember(ctx context.Context, engine *counters.Engine, dialogID string, m *model.DialogMember, sourceID string) error {
	if m.UnreadCount == 0 {
		return nil
	}

	base := counters.Delta{
		TenantID:        m.TenantID,
		SourceOperation: "dialog.read",
		SourceEntityID:  sourceID,
		ActorID:         m.UserID,
	}

	d := base
	d.CounterType = model.CounterMember
	d.EntityType = model.EntityDialog
	d.EntityID = counters.MemberEntityID(dialogID, m.UserID)
	d.Field = model.FieldUnreadCount
	if _, err := engine.Set(ctx, d, 0); err != nil {
		return err
	}

	d = base
	d.CounterType = model.CounterUser
	d.EntityType = model.EntityUser
	d.EntityID = m.UserID
	d.Field = model.FieldUnreadTotal
	d.Delta = -m.UnreadCount
	if _, err := engine.ApplyDelta(ctx, d); err != nil {
		return err
	}

	d.Field = model.FieldUnreadDialogs
	d.Delta = -1
	_, err := engine.ApplyDelta(ctx, d)
	return err
}

// RunReaper returns stuck running tasks to pending until ctx is canceled.
// Disabled when the lease is zero.
func (w *Worker) RunReaper(ctx context.Context) {
	if w.opts.Lease <= 0 {
		return
	}
	interval := w.opts.Lease / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-w.opts.Lease)
			n, err := w.store.RequeueStuckReadTasks(ctx, cutoff)
			if err != nil {
				w.logger.Error("stuck task sweep failed", "err", err)
				continue
			}
			if n > 0 {
				w.logger.Warn("requeued stuck read tasks", "count", n)
			}
		}
	}
}
