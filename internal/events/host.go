package events

import (
	"context"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// Host delivers navigation side effects of one conversation as events, so
// that the client page performs the actual navigation.
type Host struct {
	bus            *Bus
	conversationID string
	userID         string
}

// NewHost creates a host bound to a conversation.
func NewHost(bus *Bus, conversationID, userID string) *Host {
	return &Host{bus: bus, conversationID: conversationID, userID: userID}
}

// NavigateTo asks the client to open url.
func (h *Host) NavigateTo(url string) {
	h.bus.Publish(context.Background(), model.ConversationEvent{
		ConversationID: h.conversationID,
		UserID:         h.userID,
		Type:           model.EventTypeNavigate,
		Data:           map[string]string{"url": url},
	})
}

// ScrollToSection asks the client to scroll to a section of the current page.
func (h *Host) ScrollToSection(sectionID string) {
	h.bus.Publish(context.Background(), model.ConversationEvent{
		ConversationID: h.conversationID,
		UserID:         h.userID,
		Type:           model.EventTypeScroll,
		Data:           map[string]string{"section_id": sectionID},
	})
}
