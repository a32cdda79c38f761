package navigation

import (
	"context"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

const (
	// DefaultNavigateDelay lets the streamed reply render before leaving the page.
	DefaultNavigateDelay = 1500 * time.Millisecond

	// DefaultScrollDelay is the delay before an in-page scroll.
	DefaultScrollDelay = 500 * time.Millisecond

	// maxRemembered bounds the ids kept for repeat detection.
	maxRemembered = 256
)

const (
	stateIdle  = "Idle"
	stateFired = "Fired"

	triggerCompleted = "Completed"
)

// Host performs navigation on the page hosting the chat.
type Host interface {
	NavigateTo(url string)
	ScrollToSection(sectionID string)
}

// Config holds side-effect delays.
type Config struct {
	NavigateDelay time.Duration
	ScrollDelay   time.Duration
}

// Handler dispatches at most one side effect per assistant message.
type Handler struct {
	host   Host
	cfg    Config
	logger *logger.Logger

	mu    sync.Mutex
	fired map[string]struct{}
	order []string

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool
}

// NewHandler creates a handler delivering effects to host.
func NewHandler(host Host, cfg Config, log *logger.Logger) *Handler {
	if cfg.NavigateDelay <= 0 {
		cfg.NavigateDelay = DefaultNavigateDelay
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = DefaultScrollDelay
	}
	return &Handler{
		host:     host,
		cfg:      cfg,
		logger:   log.Named("navigation"),
		fired:    make(map[string]struct{}),
		timers:   make(map[*time.Timer]struct{}),
	}
}

func (h *Handler) newMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(stateIdle)

	sm.Configure(stateIdle).
		Permit(triggerCompleted, stateFired)

	sm.Configure(stateFired).
		OnEntry(func(ctx context.Context, args ...any) error {
			if len(args) > 0 {
				if msg, ok := args[0].(model.Message); ok {
					h.dispatch(msg)
				}
			}
			return nil
		}).
		Ignore(triggerCompleted)

	return sm
}

// Completed is called when an assistant message has finished streaming.
// Repeated calls for the same message id do nothing.
func (h *Handler) Completed(msg model.Message) {
	if msg.Role != model.RoleAssistant {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.fired[msg.ID]; ok {
		return
	}
	if err := h.newMachine().Fire(triggerCompleted, msg); err != nil {
		h.logger.Warn("navigation state machine rejected completion",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	h.remember(msg.ID)
}

// remember records a handled id, evicting the oldest beyond maxRemembered.
func (h *Handler) remember(id string) {
	h.fired[id] = struct{}{}
	h.order = append(h.order, id)
	if len(h.order) > maxRemembered {
		delete(h.fired, h.order[0])
		h.order = h.order[1:]
	}
}

// Fired reports whether the message has already been handled.
func (h *Handler) Fired(messageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.fired[messageID]
	return ok
}

func (h *Handler) dispatch(msg model.Message) {
	d, found, err := Find(msg)
	if !found {
		return
	}
	if err != nil {
		metrics.NavigationEffects.WithLabelValues("malformed").Inc()
		h.logger.Warn("ignoring go-to result",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("scheduling navigation",
		zap.String("message_id", msg.ID),
		zap.String("action", string(d.Action)),
		zap.String("url", d.URL),
		zap.String("section_id", d.SectionID),
	)
	metrics.NavigationEffects.WithLabelValues(string(d.Action)).Inc()

	switch d.Action {
	case ActionNavigate:
		h.after(h.cfg.NavigateDelay, func() { h.host.NavigateTo(d.URL) })
	case ActionScrollToSection:
		h.after(h.cfg.ScrollDelay, func() { h.host.ScrollToSection(d.SectionID) })
	case ActionNavigateAndScroll:
		h.after(h.cfg.NavigateDelay, func() {
			h.host.NavigateTo(d.URL)
			h.after(h.cfg.ScrollDelay, func() { h.host.ScrollToSection(d.SectionID) })
		})
	}
}

func (h *Handler) after(d time.Duration, fn func()) {
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	if h.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		h.timersMu.Lock()
		_, live := h.timers[t]
		delete(h.timers, t)
		h.timersMu.Unlock()
		if live {
			fn()
		}
	})
	h.timers[t] = struct{}{}
}

// Close cancels effects that have not run yet.
func (h *Handler) Close() {
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	h.closed = true
	for t := range h.timers {
		t.Stop()
	}
	h.timers = make(map[*time.Timer]struct{})
}
