package model

import "time"

// DialogMember is the authoritative membership row for a (dialog, user)
// pair. UnreadCount lives here because it must change atomically with the
// state that invalidates it; per-user aggregates in the counters table are
// derived from these rows and can always be recomputed from them.
type DialogMember struct {
	TenantID    string    `json:"tenant_id"`
	DialogID    string    `json:"dialog_id"`
	UserID      string    `json:"user_id"`
	UnreadCount int64     `json:"unread_count"`
	LastReadAt  time.Time `json:"last_read_at"`
	JoinedAt    time.Time `json:"joined_at"`
}
