// Package audit records session lifecycle events for the gateway.
package audit

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Action categorizes session lifecycle events.
type Action string

const (
	// ActionCreated is recorded when a session is admitted.
	ActionCreated Action = "session_created"

	// ActionDeleted is recorded when a client deletes its session.
	ActionDeleted Action = "session_deleted"

	// ActionEvictedIdle is recorded when a session exceeds the idle timeout.
	ActionEvictedIdle Action = "session_evicted_idle"

	// ActionEvictedCapacity is recorded when a session is evicted to admit a
	// new one under the idle-capacity ceiling.
	ActionEvictedCapacity Action = "session_evicted_capacity"

	// ActionShutdown is recorded when a session is disposed at shutdown.
	ActionShutdown Action = "session_shutdown"
)

// Event is one auditable session lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Action    Action    `json:"action"`
	Owner     string    `json:"owner,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// NewEvent creates an event for the given session and action.
func NewEvent(action Action, sessionID string) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now(),
		SessionID: sessionID,
		Action:    action,
	}
}

// WithOwner adds the owning identity to the event.
func (e *Event) WithOwner(owner string) *Event {
	e.Owner = owner
	return e
}

// WithDetail adds free-form detail to the event.
func (e *Event) WithDetail(detail string) *Event {
	e.Detail = detail
	return e
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}
