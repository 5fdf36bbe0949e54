package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/courier/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence interface for the update pipeline.
type Store interface {
	// Event log. Events are append-only: there is no update or delete.
	AppendEvent(ctx context.Context, event *model.Event) error
	// ListEvents returns events ordered by created_at. An empty tenantID
	// matches all tenants (archive export); a zero after returns from the
	// beginning; limit <= 0 means no limit.
	ListEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]*model.Event, error)

	// Updates
	CreateUpdate(ctx context.Context, update *model.Update) error
	MarkUpdatePublished(ctx context.Context, id string, at time.Time) error
	// ListUnpublishedUpdates returns updates still unpublished and created
	// before olderThan, oldest first.
	ListUnpublishedUpdates(ctx context.Context, olderThan time.Time, limit int) ([]*model.Update, error)
	ListUserUpdates(ctx context.Context, tenantID, userID string, after time.Time, limit int) ([]*model.Update, error)

	// Derived counters. Increment and Set are single-statement atomic
	// mutations returning the value before and after.
	IncrementCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, delta int64) (old, updated int64, err error)
	SetCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, value int64) (old, updated int64, err error)
	GetCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityID, field string) (int64, error)
	RecordCounterHistory(ctx context.Context, h *model.CounterHistory) error

	// Dialog membership (authoritative source for unread recomputation).
	UpsertMember(ctx context.Context, m *model.DialogMember) error
	RemoveMember(ctx context.Context, tenantID, dialogID, userID string) error
	GetMember(ctx context.Context, tenantID, dialogID, userID string) (*model.DialogMember, error)
	ListDialogMembers(ctx context.Context, tenantID, dialogID string, afterUserID string, limit int) ([]*model.DialogMember, error)
	CountDialogMembers(ctx context.Context, tenantID, dialogID string) (int, error)
	ListUserMemberships(ctx context.Context, tenantID, userID string) ([]*model.DialogMember, error)
	// IncrementMemberUnread atomically adjusts the authoritative unread count
	// on a membership row, clamped at zero.
	IncrementMemberUnread(ctx context.Context, tenantID, dialogID, userID string, delta int64) (old, updated int64, err error)
	SetMemberUnread(ctx context.Context, tenantID, dialogID, userID string, value int64) (old, updated int64, err error)

	// Dialog read tasks
	EnqueueReadTask(ctx context.Context, task *model.DialogReadTask) error
	// ClaimReadTask atomically transitions the oldest pending task to
	// running and returns it, or nil when the queue is empty. At most one
	// claimant wins a given task even across processes.
	ClaimReadTask(ctx context.Context) (*model.DialogReadTask, error)
	FinishReadTask(ctx context.Context, id string, status model.TaskStatus, errMsg string) error
	// RequeueStuckReadTasks returns running tasks started before the cutoff
	// to pending, covering worker crashes mid-task.
	RequeueStuckReadTasks(ctx context.Context, startedBefore time.Time) (int, error)
	GetReadTask(ctx context.Context, id string) (*model.DialogReadTask, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
