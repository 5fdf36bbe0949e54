package model

import (
	"encoding/json"
	"time"
)

// Update is a per-recipient notification derived from an Event. One row
// exists per (event, recipient) pair. Data carries the full denormalized
// snapshot of the affected entity so a client that receives only the latest
// Update for an entity is always consistent.
//
// Published flips true once the row has been handed to the broker. A row
// still unpublished past a grace period is a redelivery candidate for the
// materializer's sweep.
type Update struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	UserID      string          `json:"user_id"`
	DialogID    string          `json:"dialog_id,omitempty"`
	EntityID    string          `json:"entity_id"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Data        json.RawMessage `json:"data"`
	Published   bool            `json:"published"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
