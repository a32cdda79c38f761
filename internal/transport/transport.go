// Package transport produces assistant replies as a sequence of growing
// message snapshots. Each snapshot carries the full message so far under a
// stable id.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/llm"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/navigation"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

// ErrEmptyHistory is returned when there is nothing to reply to.
var ErrEmptyHistory = errors.New("history has no messages")

const defaultSystemPrompt = `You are a helpful assistant embedded in a web page.
When the user asks to be taken somewhere on the site, call the go-to tool
with the destination instead of describing how to get there.`

// Request asks for a reply to the given history.
type Request struct {
	ConversationID string
	UserID         string
	History        []model.Message
	Model          string
}

// UpdateFunc receives a snapshot of the assistant message after each change.
type UpdateFunc func(msg model.Message)

// Transport streams an assistant reply.
type Transport interface {
	Stream(ctx context.Context, req Request, onUpdate UpdateFunc) (model.Message, error)
}

// Config holds transport settings.
type Config struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// LLMTransport streams replies from a completion model.
type LLMTransport struct {
	client llm.Client
	cfg    Config
	logger *logger.Logger
}

// NewLLMTransport creates a transport over client.
func NewLLMTransport(client llm.Client, cfg Config, log *logger.Logger) *LLMTransport {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &LLMTransport{
		client: client,
		cfg:    cfg,
		logger: log.Named("transport"),
	}
}

// GoToTool describes the navigation tool offered to the model.
func GoToTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        navigation.ToolKind,
		Description: "Navigate the host page to a URL, scroll to a section, or both.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["navigate", "scrollToSection", "navigateAndScroll"]},
    "url": {"type": "string", "description": "Destination path or URL"},
    "sectionId": {"type": "string", "description": "Element id of the target section"}
  },
  "required": ["action"]
}`),
	}
}

// Stream implements Transport. On cancellation the partial message is
// returned together with the context error.
func (t *LLMTransport) Stream(ctx context.Context, req Request, onUpdate UpdateFunc) (model.Message, error) {
	if len(req.History) == 0 {
		return model.Message{}, ErrEmptyHistory
	}

	msg := model.Message{
		ID:   newMessageID(),
		Role: model.RoleAssistant,
	}
	emit := func() {
		if onUpdate != nil {
			onUpdate(clone.Clone(msg).(model.Message))
		}
	}

	start := time.Now()
	resp, err := t.client.CompleteStream(ctx, &llm.CompletionRequest{
		Model:       req.Model,
		System:      t.cfg.SystemPrompt,
		Messages:    chatHistory(req.History),
		Tools:       []llm.ToolDefinition{GoToTool()},
		MaxTokens:   t.cfg.MaxTokens,
		Temperature: t.cfg.Temperature,
	}, func(token string, index int) error {
		if len(msg.Parts) == 0 {
			msg.Parts = append(msg.Parts, model.TextPart(""))
		}
		msg.Parts[0].Text += token
		emit()
		return nil
	})
	duration := time.Since(start).Seconds()

	if err != nil {
		status := "error"
		if ctx.Err() != nil {
			status = "stopped"
			err = ctx.Err()
		}
		metrics.RecordLLMStream(req.Model, status, duration, 0, 0)
		return msg, fmt.Errorf("stream reply: %w", err)
	}
	metrics.RecordLLMStream(resp.Model, "success", duration, resp.TokensIn, resp.TokensOut)

	for _, call := range resp.ToolCalls {
		if call.Name != navigation.ToolKind {
			t.logger.Warn("model called unknown tool",
				zap.String("conversation_id", req.ConversationID),
				zap.String("tool", call.Name),
			)
			continue
		}
		idx := len(msg.Parts)
		msg.Parts = append(msg.Parts, model.Part{
			Type: model.PartTool,
			Tool: &model.ToolCall{
				ID:    call.ID,
				Kind:  navigation.ToolKind,
				State: model.ToolStateInputAvailable,
				Input: rawJSON(call.Arguments),
			},
		})
		emit()

		msg.Parts[idx].Tool.Output = goToOutput(call.Arguments)
		msg.Parts[idx].Tool.State = model.ToolStateOutputAvailable
		emit()
	}

	if len(msg.Parts) == 0 {
		msg.Parts = append(msg.Parts, model.TextPart(""))
		emit()
	}
	return msg, nil
}

// goToOutput is the tool result recorded for a go-to call. Invalid arguments
// produce an error object, which the navigation handler ignores.
func goToOutput(arguments string) json.RawMessage {
	var d navigation.Directive
	if err := json.Unmarshal([]byte(arguments), &d); err != nil {
		return errorJSON(err)
	}
	if err := d.Validate(); err != nil {
		return errorJSON(err)
	}
	out, err := json.Marshal(d)
	if err != nil {
		return errorJSON(err)
	}
	return out
}

func errorJSON(err error) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return out
}

func rawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	out, _ := json.Marshal(s)
	return out
}

func chatHistory(history []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		out = append(out, llm.ChatMessage{Role: string(m.Role), Content: text})
	}
	return out
}

func newMessageID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
