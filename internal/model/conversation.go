// Package model defines data structures for the conversation engine.
package model

import (
	"time"
)

// Origin is the surface a conversation was started from.
type Origin string

const (
	OriginPage   Origin = "page"
	OriginWidget Origin = "widget"
)

// SyncStatus reports cloud synchronisation state for a conversation.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// ConversationMetadata holds descriptive fields of a conversation.
type ConversationMetadata struct {
	Origin  Origin `json:"origin,omitempty"`
	ModelID string `json:"model_id,omitempty"`
}

// Conversation is the persisted record of a conversation tree.
// An empty UserID marks a guest conversation.
type Conversation struct {
	ID             string               `json:"id"`
	UserID         string               `json:"user_id,omitempty"`
	Title          string               `json:"title"`
	TitleGenerated bool                 `json:"title_generated,omitempty"`
	Nodes          []Node               `json:"nodes"`
	HeadID         string               `json:"head_id,omitempty"`
	ActivePath     map[string]string    `json:"active_path,omitempty"`
	Metadata       ConversationMetadata `json:"metadata"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// CreateConversationRequest is the request to open a new conversation.
type CreateConversationRequest struct {
	Origin    Origin `json:"origin,omitempty"`
	Model     string `json:"model,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ConversationSummary is a list entry for a stored conversation.
type ConversationSummary struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	MessageCount int        `json:"message_count"`
	Origin       Origin     `json:"origin,omitempty"`
	SyncStatus   SyncStatus `json:"sync_status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
	HasMore       bool                  `json:"has_more"`
}

// ConversationView is the displayed state of an open conversation.
type ConversationView struct {
	ID         string               `json:"id"`
	Title      string               `json:"title"`
	HeadID     string               `json:"head_id,omitempty"`
	Messages   []DisplayMessage     `json:"messages"`
	Metadata   ConversationMetadata `json:"metadata"`
	SyncStatus SyncStatus           `json:"sync_status"`
	Streaming  bool                 `json:"streaming"`
	Ephemeral  bool                 `json:"ephemeral,omitempty"`
}
