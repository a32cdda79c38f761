// Package persist keeps conversation records durable across a local cache
// and a cloud tier. Local writes are debounced and never overlap for the
// same conversation; cloud uploads follow each successful local write and
// are best effort.
package persist

import (
	"context"
	"errors"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

var (
	// ErrNotFound is returned by stores when no record exists.
	ErrNotFound = errors.New("conversation record not found")

	// ErrOffline is returned by a cloud tier that did not attempt the call.
	ErrOffline = errors.New("cloud sync not attempted: offline")

	// ErrNotInitialized is returned before Initialize or after Close.
	ErrNotInitialized = errors.New("persistence coordinator not initialized")
)

// LocalCache is the fast on-device tier.
type LocalCache interface {
	Get(ctx context.Context, id string) (*model.Conversation, error)
	Upsert(ctx context.Context, rec *model.Conversation) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]model.Conversation, error)
}

// CloudSync is the remote tier, keyed by owner and conversation.
type CloudSync interface {
	Upload(ctx context.Context, rec *model.Conversation) error
	Download(ctx context.Context, userID, id string) (*model.Conversation, error)
	Delete(ctx context.Context, userID, id string) error
}

// Pinger is implemented by stores that can verify their backing resource.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Source returns the current record of a tracked conversation. ok is false
// when there is nothing to persist yet.
type Source func() (rec *model.Conversation, ok bool)

// StatusFunc observes sync status changes.
type StatusFunc func(conversationID string, status model.SyncStatus)
