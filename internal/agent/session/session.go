// Package session persists conversation sessions and their messages.
// Message history is append-only; the only legal mutations are content
// appends while streaming, forward status transitions, and metadata merges.
package session

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message statuses. Transitions only move forward:
// pending -> streaming -> completed | error.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Session is a conversation scoped to a single user/installation.
type Session struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title"`
	Emoji        string    `json:"emoji,omitempty"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"message_count"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	IsVoice      bool      `json:"is_voice"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolCall is a structured tool request emitted by the model.
type ToolCall struct {
	ID   string          `json:"tool_call_id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Metadata is the structured side-channel on a message. Assistant content
// stays opaque text; automation/dashboard payloads live here and nowhere
// else.
type Metadata struct {
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	TokenUsage *TokenUsage     `json:"token_usage,omitempty"`
	Automation json.RawMessage `json:"automation,omitempty"`
	Dashboard  json.RawMessage `json:"dashboard,omitempty"`
}

// Message is one entry in a session's totally ordered history.
type Message struct {
	ID           string       `json:"message_id"`
	SessionID    string       `json:"session_id"`
	Seq          int64        `json:"-"`
	Role         string       `json:"role"`
	Content      string       `json:"content"`
	Status       string       `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Metadata     Metadata     `json:"metadata"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	CreatedAt    time.Time    `json:"timestamp"`
}

// Attachment is a blob carried by a user message. Images under the size
// cap are inlined into the provider request; everything else is
// summarized into the message text.
type Attachment struct {
	FileID        string `json:"file_id"`
	MessageID     string `json:"message_id"`
	Filename      string `json:"filename"`
	MimeType      string `json:"mime_type"`
	Size          int64  `json:"size"`
	ContentBase64 string `json:"content_base64,omitempty"`
	IsImage       bool   `json:"is_image"`
	Thumbnail     string `json:"thumbnail_base64,omitempty"`
}

// Patch describes a legal message mutation.
type Patch struct {
	AppendContent string    // appended to content (streaming only)
	Status        string    // forward transition, empty = unchanged
	ErrorMessage  string    // set together with StatusError
	MergeMetadata *Metadata // merged field-by-field, empty fields skipped
}

// validTransition reports whether a status change moves forward.
func validTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusStreaming || to == StatusCompleted || to == StatusError
	case StatusStreaming:
		return to == StatusCompleted || to == StatusError
	default:
		return false
	}
}
