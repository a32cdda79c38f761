package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/events"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

const heartbeatInterval = 30 * time.Second

// StreamHandler serves the conversation event stream: title changes,
// navigation side effects, sync status and deletion.
type StreamHandler struct {
	conversations *service.ConversationService
	bus           *events.Bus
	heartbeat     time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(convSvc *service.ConversationService, bus *events.Bus) *StreamHandler {
	return &StreamHandler{
		conversations: convSvc,
		bus:           bus,
		heartbeat:     heartbeatInterval,
	}
}

// Events handles GET /api/v1/conversations/{id}/events
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, ok := openSession(w, r, h.conversations)
	if !ok {
		return
	}

	// Subscribed before "connected" is written.
	ch, unsubscribe := h.bus.Subscribe(s.ID())
	defer unsubscribe()

	sse, ok := startSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := logger.FromContext(ctx).With(zap.String("conversation_id", s.ID()))

	sse.send("connected", map[string]string{
		"conversation_id": s.ID(),
		"sync_status":     string(s.SyncStatus()),
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream client disconnected")
			return

		case ev, open := <-ch:
			if !open {
				return
			}
			if err := sse.send(string(ev.Type), ev); err != nil {
				log.Debug("failed to write event", zap.Error(err))
				return
			}
			if ev.Type == model.EventTypeDeleted {
				return
			}

		case <-heartbeat.C:
			sse.send("heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}
