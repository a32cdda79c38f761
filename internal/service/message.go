package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/branch"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/transport"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// MessageService handles message operations on open conversations.
type MessageService struct {
	conversations *ConversationService
	logger        *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(conversations *ConversationService, log *logger.Logger) *MessageService {
	return &MessageService{
		conversations: conversations,
		logger:        log.Named("messages"),
	}
}

// Send sends a user message and streams the assistant reply to onUpdate.
func (m *MessageService) Send(
	ctx context.Context,
	userID, conversationID string,
	req *model.SendMessageRequest,
	onUpdate transport.UpdateFunc,
) (*Session, TurnResult, error) {
	s, err := m.conversations.Open(ctx, userID, conversationID)
	if err != nil {
		return nil, TurnResult{}, err
	}
	res, err := s.Send(ctx, req, onUpdate)
	return s, res, err
}

// Edit replaces a past user message with new content on a new branch and
// streams the reply.
func (m *MessageService) Edit(
	ctx context.Context,
	userID, conversationID, messageID string,
	req *model.EditMessageRequest,
	onUpdate transport.UpdateFunc,
) (*Session, TurnResult, error) {
	s, err := m.conversations.Open(ctx, userID, conversationID)
	if err != nil {
		return nil, TurnResult{}, err
	}
	res, err := s.Edit(ctx, messageID, req.Content, onUpdate)
	return s, res, err
}

// Retry regenerates an assistant message on a new branch.
func (m *MessageService) Retry(
	ctx context.Context,
	userID, conversationID, messageID string,
	onUpdate transport.UpdateFunc,
) (*Session, TurnResult, error) {
	s, err := m.conversations.Open(ctx, userID, conversationID)
	if err != nil {
		return nil, TurnResult{}, err
	}
	res, err := s.Retry(ctx, messageID, onUpdate)
	return s, res, err
}

// Navigate moves to the previous or next sibling of a message.
func (m *MessageService) Navigate(ctx context.Context, userID, conversationID, messageID string, dir branch.Direction) (*model.BranchResponse, error) {
	s, err := m.conversations.Open(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	resp := s.BranchResponse(s.Navigate(messageID, dir))
	return &resp, nil
}

// Stop aborts the reply currently streaming in a conversation.
func (m *MessageService) Stop(ctx context.Context, userID, conversationID string) (bool, error) {
	s, err := m.conversations.Open(ctx, userID, conversationID)
	if err != nil {
		return false, err
	}
	stopped := s.Stop()
	if stopped {
		m.logger.Info("stream stopped by user", zap.String("conversation_id", conversationID))
	}
	return stopped, nil
}
