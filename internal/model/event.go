package model

import (
	"encoding/json"
	"time"
)

// EntityType identifies what kind of entity an event is about.
type EntityType string

const (
	EntityDialog  EntityType = "dialog"
	EntityMessage EntityType = "message"
	EntityUser    EntityType = "user"
)

// ActorType identifies who performed a mutation.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
)

// Event is an immutable record of a domain mutation. Once written it is
// never updated or deleted; CreatedAt (UTC, microsecond precision) is the
// ordering key within a tenant.
type Event struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EventType  string          `json:"event_type"`
	ActorID    string          `json:"actor_id,omitempty"`
	ActorType  ActorType       `json:"actor_type,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MessageStatusRead is the delivery status that feeds a message's read
// receipt tally.
const MessageStatusRead = "read"

// EventData is the denormalized payload carried by every event. DialogID is
// set for dialog- and message-scoped events so consumers can resolve the
// owning dialog without an extra lookup; UserID is the subject of
// user-scoped events. Reaction and Removed describe a reaction toggle,
// Status a delivery status change. Snapshot holds the full current state of
// the affected entity, not a diff.
type EventData struct {
	DialogID string          `json:"dialog_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Reaction string          `json:"reaction,omitempty"`
	Removed  bool            `json:"removed,omitempty"`
	Status   string          `json:"status,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// ParseEventData decodes the event payload. A nil or empty payload yields a
// zero EventData rather than an error.
func ParseEventData(raw json.RawMessage) (EventData, error) {
	var d EventData
	if len(raw) == 0 {
		return d, nil
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}
