// Package ai defines the uniform streaming + tool-calling contract the
// kernel speaks to every LLM backend, and the per-backend adapters that
// implement it.
package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
)

// StreamEventType tags the events of a provider stream.
type StreamEventType string

const (
	EventStart    StreamEventType = "start"     // provider accepted the request
	EventChunk    StreamEventType = "chunk"     // delta of assistant text
	EventToolCall StreamEventType = "tool_call" // finalized tool call (args complete)
	EventUsage    StreamEventType = "usage"     // provider-reported token counts
	EventEnd      StreamEventType = "end"       // terminal, carries finish reason
	EventError    StreamEventType = "error"     // terminal, carries provider error
)

// Finish reasons carried by EventEnd.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// StreamEvent is one element of a provider's finite, non-restartable
// event sequence. Adapters that receive tool-call arguments
// incrementally buffer the partials and emit a single EventToolCall per
// tool_call_id before EventEnd.
type StreamEvent struct {
	Type         StreamEventType     `json:"type"`
	MessageID    string              `json:"message_id,omitempty"` // EventStart
	Text         string              `json:"text,omitempty"`       // EventChunk
	ToolCall     *session.ToolCall   `json:"tool_call,omitempty"`  // EventToolCall
	Usage        *session.TokenUsage `json:"usage,omitempty"`      // EventUsage
	FinishReason string              `json:"finish_reason,omitempty"`
	Err          *ProviderError      `json:"error,omitempty"` // EventError
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest is the uniform request at the kernel boundary. Provider
// quirks (native schemas, kwargs) stay inside the adapters.
type ChatRequest struct {
	System      string            `json:"system,omitempty"`
	Messages    []session.Message `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
}

// Capabilities is the feature set a backend actually supports. Adapters
// for backends without NativeTools are wrapped in a ToolTextAdapter.
type Capabilities struct {
	Streaming        bool
	NativeTools      bool
	Vision           bool
	StructuredOutput bool
}

// Provider is the single abstraction over LLM backends. The returned
// channel is closed after a terminal event (EventEnd or EventError).
type Provider interface {
	// ID returns the provider identifier (e.g. "anthropic", "openai").
	ID() string

	// Capabilities reports what the backend supports natively.
	Capabilities() Capabilities

	// Stream sends a request and returns the event sequence.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// ProviderError is an error from a backend, classified for the retry
// policy: rate limits and transient 5xx are retryable, auth and schema
// rejections are not.
type ProviderError struct {
	Kind      string `json:"kind"` // rate_limit, auth, overloaded, content_filter, timeout, other
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// ClassifyError wraps an arbitrary backend error as a ProviderError,
// deciding retryability from well-known status codes and message
// patterns.
func ClassifyError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*ProviderError); ok {
		return pe
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429", "throttl", "slow down"):
		return &ProviderError{Kind: "rate_limit", Message: msg, Retryable: true}
	case containsAny(lower, "overloaded", "503", "502", "500", "504", "internal server error", "bad gateway", "service unavailable"):
		return &ProviderError{Kind: "overloaded", Message: msg, Retryable: true}
	case containsAny(lower, "connection reset", "connection refused", "eof", "broken pipe", "no such host"):
		return &ProviderError{Kind: "network", Message: msg, Retryable: true}
	case containsAny(lower, "unauthorized", "401", "403", "invalid api key", "invalid_api_key", "authentication", "forbidden"):
		return &ProviderError{Kind: "auth", Message: msg, Retryable: false}
	case containsAny(lower, "content filter", "content_filter", "safety", "blocked by policy"):
		return &ProviderError{Kind: "content_filter", Message: msg, Retryable: false}
	case containsAny(lower, "deadline exceeded", "timed out", "timeout", "context canceled"):
		return &ProviderError{Kind: "timeout", Message: msg, Retryable: false}
	default:
		return &ProviderError{Kind: "other", Message: msg, Retryable: false}
	}
}

// foldSystemText joins the request's system prompt with any system-role
// history messages (context block, omission marker). Backends that take
// a single system slot use this instead of system-role messages.
func foldSystemText(req *ChatRequest) string {
	parts := make([]string, 0, 3)
	if req.System != "" {
		parts = append(parts, req.System)
	}
	for _, msg := range req.Messages {
		if msg.Role == session.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
