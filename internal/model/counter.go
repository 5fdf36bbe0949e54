package model

import "time"

// CounterType scopes a derived counter document.
type CounterType string

const (
	// CounterMember is the per-(dialog,user) unread state held on the
	// dialog membership row. It is the authoritative unread count.
	CounterMember CounterType = "member"
	// CounterUser holds per-user aggregates (unread_total, unread_dialogs).
	CounterUser CounterType = "user"
	// CounterMessage holds per-message tallies (reactions, read receipts).
	CounterMessage CounterType = "message"
)

// Counter field names used by the pipeline.
const (
	FieldUnreadCount   = "unread_count"
	FieldUnreadTotal   = "unread_total"
	FieldUnreadDialogs = "unread_dialogs"
	FieldReadCount     = "read_count"
)

// ReactionField names the per-message tally field for one reaction.
func ReactionField(name string) string {
	return "reaction:" + name
}

// CounterOp describes how a counter document was mutated.
type CounterOp string

const (
	OpIncrement CounterOp = "increment"
	OpDecrement CounterOp = "decrement"
	OpSet       CounterOp = "set"
)

// CounterHistory is one append-only audit row per counter mutation. It is
// diagnostic, not authoritative; retention is time-boxed externally.
type CounterHistory struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	CounterType     CounterType `json:"counter_type"`
	EntityType      EntityType  `json:"entity_type"`
	EntityID        string      `json:"entity_id"`
	Field           string      `json:"field"`
	OldValue        int64       `json:"old_value"`
	NewValue        int64       `json:"new_value"`
	Delta           int64       `json:"delta"`
	Operation       CounterOp   `json:"operation"`
	SourceOperation string      `json:"source_operation"`
	SourceEntityID  string      `json:"source_entity_id,omitempty"`
	ActorID         string      `json:"actor_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}
