// Package service opens conversations as sessions and runs the send, edit,
// retry and navigate flows against them.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/conversation-engine/internal/events"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/navigation"
	"github.com/capitalize-ai/conversation-engine/internal/persist"
	"github.com/capitalize-ai/conversation-engine/internal/title"
	"github.com/capitalize-ai/conversation-engine/internal/transport"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

var (
	// ErrNotFound is returned for unknown conversations and for
	// conversations owned by someone else.
	ErrNotFound = errors.New("conversation not found")

	// ErrStreamInProgress is returned by Send while a reply is streaming.
	ErrStreamInProgress = errors.New("a reply is already streaming")
)

const (
	// DefaultTitle is the placeholder shown until a title is generated.
	DefaultTitle = "New conversation"

	// DefaultIdleTimeout is how long an unused session stays open.
	DefaultIdleTimeout = 30 * time.Minute
)

// Store is the persistence the service needs. Implemented by
// persist.Coordinator.
type Store interface {
	Track(id string, src persist.Source, syncCloud bool)
	Touch(id string)
	SaveNow(ctx context.Context, id string) error
	Status(id string) model.SyncStatus
	Forget(ctx context.Context, id string) error
	Load(ctx context.Context, userID, id string) (*model.Conversation, error)
	List(ctx context.Context, userID string) ([]model.Conversation, error)
	Delete(ctx context.Context, userID, id string) error
}

// Config holds service settings.
type Config struct {
	DefaultTitle string
	DefaultModel string
	Navigation   navigation.Config
	// IdleTimeout releases sessions with no requests or streams for this
	// long. Run performs the sweep.
	IdleTimeout time.Duration
}

// ConversationService is the registry of open sessions.
type ConversationService struct {
	store     Store
	transport transport.Transport
	titles    *title.Generator
	bus       *events.Bus
	cfg       Config
	logger    *logger.Logger
	tracer    trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session
	opening  singleflight.Group
}

// NewConversationService creates a conversation service.
func NewConversationService(
	store Store,
	tr transport.Transport,
	titles *title.Generator,
	bus *events.Bus,
	cfg Config,
	log *logger.Logger,
) *ConversationService {
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = DefaultTitle
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &ConversationService{
		store:     store,
		transport: tr,
		titles:    titles,
		bus:       bus,
		cfg:       cfg,
		logger:    log.Named("service"),
		tracer:    tracing.Tracer("service"),
		sessions:  make(map[string]*Session),
	}
}

// SyncStatusChanged forwards persistence status changes to event
// subscribers. Register it with persist.Coordinator.OnStatus.
func (c *ConversationService) SyncStatusChanged(conversationID string, status model.SyncStatus) {
	c.mu.RLock()
	s, ok := c.sessions[conversationID]
	c.mu.RUnlock()

	var userID string
	if ok {
		userID = s.userID
	}
	c.bus.Publish(context.Background(), model.ConversationEvent{
		ConversationID: conversationID,
		UserID:         userID,
		Type:           model.EventTypeSyncStatus,
		Data:           map[string]string{"status": string(status)},
	})
}

// Create opens a new conversation. Nothing is stored until the first
// message is sent; ephemeral conversations are never stored.
func (c *ConversationService) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*Session, error) {
	now := time.Now().UTC()
	origin := req.Origin
	if origin == "" {
		origin = model.OriginPage
	}
	rec := &model.Conversation{
		ID:     uuid.Must(uuid.NewV7()).String(),
		UserID: userID,
		Title:  c.cfg.DefaultTitle,
		Metadata: model.ConversationMetadata{
			Origin:  origin,
			ModelID: req.Model,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s, err := c.newSession(rec, req.Ephemeral)
	if err != nil {
		return nil, err
	}
	c.register(s)

	metrics.SessionsOpen.Inc()
	s.logger.Info("conversation created",
		zap.String("origin", string(origin)),
		zap.Bool("ephemeral", req.Ephemeral),
	)
	return s, nil
}

func (c *ConversationService) register(s *Session) *Session {
	c.mu.Lock()
	if existing, ok := c.sessions[s.id]; ok {
		c.mu.Unlock()
		return existing
	}
	c.sessions[s.id] = s
	c.mu.Unlock()

	if !s.ephemeral {
		c.store.Track(s.id, s.record, s.userID != "")
	}
	return s
}

// Open returns the session of a conversation, restoring it from storage if
// it is not open yet. Concurrent opens of the same conversation share one
// load.
func (c *ConversationService) Open(ctx context.Context, userID, conversationID string) (*Session, error) {
	c.mu.RLock()
	s, ok := c.sessions[conversationID]
	c.mu.RUnlock()
	if ok {
		if s.userID != userID {
			return nil, ErrNotFound
		}
		s.touch()
		return s, nil
	}

	v, err, _ := c.opening.Do(userID+"/"+conversationID, func() (any, error) {
		rec, err := c.store.Load(ctx, userID, conversationID)
		if err != nil {
			if errors.Is(err, persist.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load conversation: %w", err)
		}

		s, err := c.newSession(rec, false)
		if err != nil {
			return nil, err
		}
		if rec.TitleGenerated {
			c.titles.MarkFired(rec.ID)
		}
		registered := c.register(s)
		if registered == s {
			metrics.SessionsOpen.Inc()
			s.logger.Info("conversation restored", zap.Int("nodes", len(rec.Nodes)))
		}
		return registered, nil
	})
	if err != nil {
		return nil, err
	}

	s = v.(*Session)
	if s.userID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the caller's stored conversations, newest first.
func (c *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	recs, err := c.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	total := len(recs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	summaries := make([]model.ConversationSummary, 0, end-start)
	for _, rec := range recs[start:end] {
		summaries = append(summaries, model.ConversationSummary{
			ID:           rec.ID,
			Title:        rec.Title,
			MessageCount: len(rec.Nodes),
			Origin:       rec.Metadata.Origin,
			SyncStatus:   c.store.Status(rec.ID),
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
		})
	}

	return &model.ListConversationsResponse{
		Conversations: summaries,
		Total:         total,
		HasMore:       end < total,
	}, nil
}

// Delete closes the conversation and removes it from both storage tiers.
func (c *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	s, err := c.Open(ctx, userID, conversationID)
	if err != nil {
		return err
	}

	if c.detach(s) {
		metrics.SessionsOpen.Dec()
	}
	s.discard()

	if !s.ephemeral {
		if err := c.store.Delete(ctx, userID, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	c.titles.Forget(conversationID)

	c.bus.Publish(ctx, model.ConversationEvent{
		ConversationID: conversationID,
		UserID:         userID,
		Type:           model.EventTypeDeleted,
	})
	s.logger.Info("conversation deleted")
	return nil
}

func (c *ConversationService) detach(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.id] != s {
		return false
	}
	delete(c.sessions, s.id)
	return true
}

// Release closes the caller's session of a conversation after flushing its
// pending write. The conversation stays stored and is restored by the next
// Open. A conversation that is not open is a no-op; one that is streaming
// fails with ErrStreamInProgress. Ephemeral conversations are gone once
// released.
func (c *ConversationService) Release(ctx context.Context, userID, conversationID string) error {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if s.userID != userID {
		c.mu.Unlock()
		return ErrNotFound
	}
	if !s.releaseIdle(time.Time{}) {
		c.mu.Unlock()
		return ErrStreamInProgress
	}
	delete(c.sessions, conversationID)
	c.mu.Unlock()

	return c.closeSession(ctx, s)
}

// EvictIdle releases sessions unused since before now minus the idle
// timeout. Streaming sessions are kept. It returns the number released.
func (c *ConversationService) EvictIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-c.cfg.IdleTimeout)

	c.mu.Lock()
	var idle []*Session
	for id, s := range c.sessions {
		if s.releaseIdle(cutoff) {
			delete(c.sessions, id)
			idle = append(idle, s)
		}
	}
	c.mu.Unlock()

	for _, s := range idle {
		if err := c.closeSession(ctx, s); err != nil {
			s.logger.Warn("failed to flush idle conversation", zap.Error(err))
		}
	}
	if len(idle) > 0 {
		c.logger.Info("evicted idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle sessions until ctx is done.
func (c *ConversationService) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.EvictIdle(ctx, now)
		}
	}
}

func (c *ConversationService) closeSession(ctx context.Context, s *Session) error {
	metrics.SessionsOpen.Dec()
	c.titles.Forget(s.id)
	if s.ephemeral {
		return nil
	}
	if err := c.store.Forget(ctx, s.id); err != nil {
		return fmt.Errorf("release conversation: %w", err)
	}
	s.logger.Debug("session released")
	return nil
}

// Close releases every open session and flushes pending writes.
func (c *ConversationService) Close(ctx context.Context) error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	c.titles.Wait()
	for _, s := range sessions {
		s.release()
	}

	var errs []error
	for _, s := range sessions {
		metrics.SessionsOpen.Dec()
		if s.ephemeral {
			continue
		}
		if err := c.store.Forget(ctx, s.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
