package model

import "time"

// TaskStatus is the lifecycle state of a DialogReadTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// DialogReadTask is a queued unit of bulk "mark as read" work. The API layer
// enqueues it when resetting unread state would touch too many members to do
// synchronously; a single polling worker claims it via an atomic status
// transition and drives it to a terminal state.
//
// UserID scopes the reset to one member; when empty the task resets every
// current member of the dialog (bulk repair after imports and backfills).
type DialogReadTask struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	DialogID   string     `json:"dialog_id"`
	UserID     string     `json:"user_id,omitempty"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
