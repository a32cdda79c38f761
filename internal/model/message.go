package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies the kind of content a message part carries.
type PartType string

const (
	PartText  PartType = "text"
	PartTool  PartType = "tool"
	PartMedia PartType = "media"
)

// ToolState is the lifecycle state of a tool call record.
type ToolState string

const (
	ToolStateInputAvailable  ToolState = "input-available"
	ToolStateOutputAvailable ToolState = "output-available"
)

// MetadataMode is the metadata key carrying the conversation mode tag.
const MetadataMode = "mode"

// ToolCall is a tool invocation recorded inside an assistant message.
type ToolCall struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	State  ToolState       `json:"state"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Media references an attachment stored elsewhere.
type Media struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Part is one ordered piece of message content.
type Part struct {
	Type  PartType  `json:"type"`
	Text  string    `json:"text,omitempty"`
	Tool  *ToolCall `json:"tool,omitempty"`
	Media *Media    `json:"media,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	ID       string            `json:"id"`
	Role     Role              `json:"role"`
	Parts    []Part            `json:"parts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Mode returns the mode tag, if any.
func (m Message) Mode() string {
	return m.Metadata[MetadataMode]
}

// Node is a message placed in the conversation tree.
type Node struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id,omitempty"`
	ChildrenIDs []string  `json:"children_ids"`
	CreatedAt   time.Time `json:"created_at"`
	Message     Message   `json:"message"`
}

// BranchInfo locates a message among its siblings. Index is zero-based.
type BranchInfo struct {
	Index int `json:"index"`
	Count int `json:"count"`
}

// DisplayMessage is a message on the displayed path with its branch metadata.
type DisplayMessage struct {
	Message
	ParentID  string      `json:"parent_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Branch    *BranchInfo `json:"branch,omitempty"`
}

// SendMessageRequest is the request to send a new user turn.
type SendMessageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
	Model   string `json:"model,omitempty"`
}

// EditMessageRequest replaces the content of a past user turn.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// NavigateRequest moves to a sibling branch.
type NavigateRequest struct {
	Direction string `json:"direction"`
}

// BranchResponse reports the outcome of a branch operation.
type BranchResponse struct {
	Changed bool             `json:"changed"`
	HeadID  string           `json:"head_id,omitempty"`
	Path    []DisplayMessage `json:"messages"`
}

// MessageUpdateEvent carries a streamed message snapshot.
type MessageUpdateEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// StreamDoneEvent marks the end of a response stream and carries the
// displayed path it left behind.
type StreamDoneEvent struct {
	Changed  bool             `json:"changed"`
	HeadID   string           `json:"head_id"`
	Stopped  bool             `json:"stopped,omitempty"`
	Messages []DisplayMessage `json:"messages"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
