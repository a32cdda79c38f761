package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/branch"
	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

// MessageHandler handles message endpoints. Operations that produce a reply
// answer with a server-sent event stream of message snapshots.
type MessageHandler struct {
	messages      *service.MessageService
	conversations *service.ConversationService
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, convSvc *service.ConversationService) *MessageHandler {
	return &MessageHandler{
		messages:      msgSvc,
		conversations: convSvc,
	}
}

// turnFunc runs one streaming operation against the services.
type turnFunc func(onUpdate func(model.Message)) (*service.Session, service.TurnResult, error)

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	s, ok := h.open(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMode(req.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Streaming() {
		writeServiceError(w, r, service.ErrStreamInProgress, "send message")
		return
	}

	h.stream(w, r, s.ID(), func(onUpdate func(model.Message)) (*service.Session, service.TurnResult, error) {
		return h.messages.Send(ctx, userID, s.ID(), &req, onUpdate)
	})
}

// Edit handles POST /api/v1/conversations/{id}/messages/{messageID}/edit
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	s, messageID, ok := h.openMessage(w, r)
	if !ok {
		return
	}

	var req model.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.hasRole(s, messageID, model.RoleUser) {
		writeJSON(w, http.StatusOK, s.BranchResponse(false))
		return
	}

	h.stream(w, r, s.ID(), func(onUpdate func(model.Message)) (*service.Session, service.TurnResult, error) {
		return h.messages.Edit(ctx, userID, s.ID(), messageID, &req, onUpdate)
	})
}

// Retry handles POST /api/v1/conversations/{id}/messages/{messageID}/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	s, messageID, ok := h.openMessage(w, r)
	if !ok {
		return
	}

	if !h.hasRole(s, messageID, model.RoleAssistant) {
		writeJSON(w, http.StatusOK, s.BranchResponse(false))
		return
	}

	h.stream(w, r, s.ID(), func(onUpdate func(model.Message)) (*service.Session, service.TurnResult, error) {
		return h.messages.Retry(ctx, userID, s.ID(), messageID, onUpdate)
	})
}

// Navigate handles POST /api/v1/conversations/{id}/messages/{messageID}/navigate
func (h *MessageHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	s, messageID, ok := h.openMessage(w, r)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dir, err := branch.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.messages.Navigate(ctx, userID, s.ID(), messageID, dir)
	if err != nil {
		writeServiceError(w, r, err, "navigate")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stop handles POST /api/v1/conversations/{id}/stop
func (h *MessageHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, ok := h.open(w, r)
	if !ok {
		return
	}

	stopped, err := h.messages.Stop(ctx, middleware.GetUserID(ctx), s.ID())
	if err != nil {
		writeServiceError(w, r, err, "stop stream")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// stream runs fn and relays its snapshots as "message" events, finishing
// with "done" or "error".
func (h *MessageHandler) stream(w http.ResponseWriter, r *http.Request, conversationID string, fn turnFunc) {
	sse, ok := startSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := logger.FromContext(r.Context()).With(zap.String("conversation_id", conversationID))

	s, res, err := fn(func(msg model.Message) {
		if r.Context().Err() != nil {
			return
		}
		if err := sse.send("message", &model.MessageUpdateEvent{
			ConversationID: conversationID,
			Message:        msg,
		}); err != nil {
			log.Debug("failed to write message event", zap.Error(err))
		}
	})
	if err != nil {
		code := "stream_error"
		if errors.Is(err, service.ErrStreamInProgress) {
			code = "stream_in_progress"
		} else {
			log.Warn("stream failed", zap.Error(err))
		}
		sse.send("error", &model.ErrorEvent{
			Code:    code,
			Message: err.Error(),
		})
		if s == nil {
			return
		}
	}

	resp := s.BranchResponse(res.Changed)
	sse.send("done", &model.StreamDoneEvent{
		Changed:  resp.Changed,
		HeadID:   resp.HeadID,
		Stopped:  res.Stopped,
		Messages: resp.Path,
	})
}

func (h *MessageHandler) hasRole(s *service.Session, messageID string, role model.Role) bool {
	n, ok := s.Tree().Node(messageID)
	return ok && n.Message.Role == role
}

func (h *MessageHandler) open(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	return openSession(w, r, h.conversations)
}

func (h *MessageHandler) openMessage(w http.ResponseWriter, r *http.Request) (*service.Session, string, bool) {
	messageID := chi.URLParam(r, "messageID")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	s, ok := h.open(w, r)
	return s, messageID, ok
}
