// Package events fans conversation events out to in-process subscribers and
// forwards them to a durable stream.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

const subscriberBuffer = 32

// Remote receives every published event. Implemented by the NATS stream
// manager.
type Remote interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// Bus is an in-process publish/subscribe hub keyed by conversation id.
type Bus struct {
	remote Remote
	logger *logger.Logger

	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]chan model.ConversationEvent
}

// NewBus creates a bus. remote may be nil.
func NewBus(remote Remote, log *logger.Logger) *Bus {
	return &Bus{
		remote: remote,
		logger: log.Named("events"),
		subs:   make(map[string]map[uint64]chan model.ConversationEvent),
	}
}

// Subscribe returns a channel of events for a conversation and a function
// that ends the subscription and closes the channel.
func (b *Bus) Subscribe(conversationID string) (<-chan model.ConversationEvent, func()) {
	ch := make(chan model.ConversationEvent, subscriberBuffer)

	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[uint64]chan model.ConversationEvent)
	}
	b.subs[conversationID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[conversationID], id)
			if len(b.subs[conversationID]) == 0 {
				delete(b.subs, conversationID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps the event and delivers it. Slow subscribers miss events
// rather than block the publisher.
func (b *Bus) Publish(ctx context.Context, event model.ConversationEvent) {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	b.mu.RLock()
	for _, ch := range b.subs[event.ConversationID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("conversation_id", event.ConversationID),
				zap.String("type", string(event.Type)),
			)
		}
	}
	b.mu.RUnlock()

	if b.remote == nil {
		return
	}
	if _, err := b.remote.PublishEvent(ctx, &event); err != nil {
		b.logger.Warn("failed to publish event to stream",
			zap.String("conversation_id", event.ConversationID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}
