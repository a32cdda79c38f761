package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

const maxMessageIDLength = 128

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID. Assistant message ids may come
// from the model provider, so any short token is accepted.
func ValidateMessageID(id string) error {
	if id == "" || len(id) > maxMessageIDLength {
		return errors.New("invalid message ID format")
	}
	if strings.ContainsAny(id, " \t\r\n/") {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateOrigin validates the surface a conversation is opened from.
func ValidateOrigin(origin model.Origin) error {
	switch origin {
	case "", model.OriginPage, model.OriginWidget:
		return nil
	default:
		return errors.New("origin must be page or widget")
	}
}

// ValidateMode validates the optional mode tag of a message.
func ValidateMode(mode string) error {
	if len(mode) > 64 {
		return errors.New("mode exceeds maximum length")
	}
	if !utf8.ValidString(mode) {
		return errors.New("mode must be valid UTF-8")
	}
	return nil
}
