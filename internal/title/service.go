package title

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/conversation-engine/internal/llm"
	"github.com/capitalize-ai/conversation-engine/internal/model"
)

const titlePrompt = `You name conversations. Read the conversation and reply with a short title
of at most six words that captures its main topic. Reply with the title only:
no quotes, no punctuation at the end, no preamble.`

// maxTranscriptRunes bounds the text of each message sent for titling.
const maxTranscriptRunes = 500

// LLMService generates titles with a completion model.
type LLMService struct {
	client llm.Client
	model  string
}

// NewLLMService creates a title service. An empty model uses the provider
// default.
func NewLLMService(client llm.Client, model string) *LLMService {
	return &LLMService{client: client, model: model}
}

// Generate implements Service.
func (s *LLMService) Generate(ctx context.Context, messages []model.Message) (string, error) {
	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{
		Model:  s.model,
		System: titlePrompt,
		Messages: []llm.ChatMessage{
			{Role: string(model.RoleUser), Content: Transcript(messages)},
		},
		MaxTokens:   32,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("complete title: %w", err)
	}
	return resp.Content, nil
}

// Transcript renders messages as "role: text" lines.
func Transcript(messages []model.Message) string {
	var b strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		if r := []rune(text); len(r) > maxTranscriptRunes {
			text = string(r[:maxTranscriptRunes]) + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	return b.String()
}
