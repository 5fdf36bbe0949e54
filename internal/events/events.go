// Package events carries domain events and per-recipient updates over the
// broker. Subjects form a topic hierarchy so consumers can bind with
// wildcards: the materializer drains every tenant's events, while each live
// client connection binds to exactly one user's update subject.
package events

import (
	"context"
	"strings"

	"github.com/alfredjeanlab/courier/internal/model"
)

// Subject prefixes.
const (
	// EventSubjectPrefix carries persisted model.Event envelopes:
	// chat.event.<tenant>.<entityType>.<eventType>
	EventSubjectPrefix = "chat.event"

	// UpdateSubjectPrefix carries materialized model.Update rows:
	// chat.update.<tenant>.user.<userID>
	UpdateSubjectPrefix = "chat.update"

	// EventWildcard matches every event for every tenant.
	EventWildcard = EventSubjectPrefix + ".>"
)

// Event types emitted by the write path.
const (
	TypeMessageCreated  = "message.create"
	TypeMessageUpdated  = "message.update"
	TypeMessageDeleted  = "message.delete"
	TypeReactionChanged = "message.reaction"
	TypeStatusChanged   = "message.status"
	TypeDialogCreated   = "dialog.create"
	TypeDialogUpdated   = "dialog.update"
	TypeMemberAdded     = "dialog.member.add"
	TypeMemberRemoved   = "dialog.member.remove"
	TypeUserUpdated     = "user.update"
	TypeTyping          = "dialog.typing"
)

// ValidSubjectToken reports whether s is safe to embed as a single token of
// a broker subject. Dots separate tokens and '*'/'>' are wildcards, so an id
// carrying them would corrupt the routing hierarchy.
func ValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ".*> \t\r\n")
}

// EventSubject returns the broker subject for a persisted event.
func EventSubject(e *model.Event) string {
	return strings.Join([]string{EventSubjectPrefix, e.TenantID, string(e.EntityType), e.EventType}, ".")
}

// UpdateSubject returns the per-recipient routing key for an update. Any
// event type for the (tenant, user) pair lands on the same subject;
// broadcast semantics come from each connection holding its own
// subscription.
func UpdateSubject(tenantID, userID string) string {
	return strings.Join([]string{UpdateSubjectPrefix, tenantID, "user", userID}, ".")
}

// Publisher is the interface for emitting payloads to the broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Subscriber receives payloads from the broker.
type Subscriber interface {
	// Subscribe delivers raw payloads on the returned channel. Call the
	// returned cancel function to unsubscribe and close the channel.
	Subscribe(subject string) (<-chan []byte, func(), error)
	Close() error
}
