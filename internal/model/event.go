package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeTitleUpdated EventType = "title_updated"
	EventTypeNavigate     EventType = "navigate"
	EventTypeScroll       EventType = "scroll"
	EventTypeSyncStatus   EventType = "sync_status"
	EventTypeDeleted      EventType = "deleted"
	EventTypeError        EventType = "error"
)

// ConversationEvent is a notification about a conversation, fanned out to
// observers and published to JetStream.
type ConversationEvent struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id,omitempty"`
	Type           EventType         `json:"type"`
	Reason         string            `json:"reason,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
