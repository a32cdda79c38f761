// Package title generates a conversation title once the conversation has
// grown past a message-count threshold.
package title

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

const (
	// DefaultThreshold is the displayed message count that triggers a title.
	DefaultThreshold = 6

	// DefaultTimeout bounds a title service call.
	DefaultTimeout = 30 * time.Second

	maxTitleRunes = 80
)

// ErrEmptyTitle is returned when the service produced nothing usable.
var ErrEmptyTitle = errors.New("title service returned an empty title")

// Service summarises messages into a short title.
type Service interface {
	Generate(ctx context.Context, messages []model.Message) (string, error)
}

// Config holds generator settings.
type Config struct {
	Threshold int
	Timeout   time.Duration
}

// Observation is the state of a conversation after a change.
type Observation struct {
	ConversationID string
	// Skip is set for ephemeral and anonymous conversations.
	Skip     bool
	Messages []model.Message
}

// Generator fires at most once per conversation.
type Generator struct {
	svc    Service
	cfg    Config
	logger *logger.Logger

	mu    sync.Mutex
	fired map[string]bool
	wg    sync.WaitGroup
}

// NewGenerator creates a generator.
func NewGenerator(svc Service, cfg Config, log *logger.Logger) *Generator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Generator{
		svc:    svc,
		cfg:    cfg,
		logger: log.Named("title"),
		fired:  make(map[string]bool),
	}
}

// Threshold returns the configured message count.
func (g *Generator) Threshold() int {
	return g.cfg.Threshold
}

// MarkFired records that a conversation already has a generated title, e.g.
// after reloading it.
func (g *Generator) MarkFired(conversationID string) {
	g.mu.Lock()
	g.fired[conversationID] = true
	g.mu.Unlock()
}

// Forget drops the fired flag of a deleted conversation.
func (g *Generator) Forget(conversationID string) {
	g.mu.Lock()
	delete(g.fired, conversationID)
	g.mu.Unlock()
}

// Observe starts title generation in the background the first time the
// message count reaches the threshold. apply receives the title on success.
// It reports whether generation was started.
func (g *Generator) Observe(obs Observation, apply func(title string)) bool {
	if obs.Skip || g.svc == nil || len(obs.Messages) < g.cfg.Threshold {
		return false
	}

	g.mu.Lock()
	if g.fired[obs.ConversationID] {
		g.mu.Unlock()
		return false
	}
	g.fired[obs.ConversationID] = true
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.generate(obs, apply)
	}()
	return true
}

func (g *Generator) generate(obs Observation, apply func(string)) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()

	raw, err := g.svc.Generate(ctx, obs.Messages)
	if err == nil {
		raw = Normalize(raw)
		if raw == "" {
			err = ErrEmptyTitle
		}
	}
	if err != nil {
		metrics.TitleGenerations.WithLabelValues("failure").Inc()
		g.logger.Warn("title generation failed, keeping placeholder",
			zap.String("conversation_id", obs.ConversationID),
			zap.Error(err),
		)
		return
	}

	metrics.TitleGenerations.WithLabelValues("success").Inc()
	g.logger.Info("title generated",
		zap.String("conversation_id", obs.ConversationID),
		zap.String("title", raw),
	)
	apply(raw)
}

// Wait blocks until running generations finish.
func (g *Generator) Wait() {
	g.wg.Wait()
}

// Normalize trims quotes and whitespace, keeps the first line and caps the
// length.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "Title:"))
	s = strings.TrimSpace(strings.Trim(s, "\"'`*#"))
	if utf8.RuneCountInString(s) > maxTitleRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxTitleRunes]))
	}
	return s
}
