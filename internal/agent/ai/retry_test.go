package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

func init() {
	logging.Disable()
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      string
		retryable bool
	}{
		{"rate limit", errors.New("429 Too Many Requests"), "rate_limit", true},
		{"overloaded", errors.New("503 Service Unavailable"), "overloaded", true},
		{"network", errors.New("read tcp: connection reset by peer"), "network", true},
		{"auth", errors.New("401 Unauthorized: invalid api key"), "auth", false},
		{"content filter", errors.New("response blocked by policy"), "content_filter", false},
		{"timeout", errors.New("context deadline exceeded"), "timeout", false},
		{"unknown", errors.New("something odd"), "other", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := ClassifyError(tt.err)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.retryable, pe.Retryable)
		})
	}
}

func TestClassifyErrorPassesThroughProviderError(t *testing.T) {
	orig := &ProviderError{Kind: "rate_limit", Message: "slow down", Retryable: true}
	assert.Same(t, orig, ClassifyError(orig))
}

func TestRetryRecoversFromRetryableRequestError(t *testing.T) {
	inner := &scriptedProvider{
		id:   "mock",
		errs: []error{errors.New("429 rate limit"), nil},
		scripts: [][]StreamEvent{
			nil,
			{
				{Type: EventChunk, Text: "hello"},
				{Type: EventEnd, FinishReason: FinishStop},
			},
		},
	}

	r := WithRetry(inner)
	ch, err := r.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventChunk, events[0].Type)
	assert.Equal(t, "hello", events[0].Text)
	assert.Equal(t, EventEnd, events[1].Type)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryRecoversFromRetryableStreamError(t *testing.T) {
	inner := &scriptedProvider{
		id: "mock",
		scripts: [][]StreamEvent{
			{{Type: EventError, Err: &ProviderError{Kind: "overloaded", Message: "503", Retryable: true}}},
			{
				{Type: EventChunk, Text: "ok"},
				{Type: EventEnd, FinishReason: FinishStop},
			},
		},
	}

	r := WithRetry(inner)
	ch, err := r.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Text)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryDoesNotRetryNonRetryable(t *testing.T) {
	inner := &scriptedProvider{
		id:   "mock",
		errs: []error{errors.New("401 invalid api key")},
	}

	r := WithRetry(inner)
	ch, err := r.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.False(t, events[0].Err.Retryable)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryDoesNotRestartAfterContent(t *testing.T) {
	inner := &scriptedProvider{
		id: "mock",
		scripts: [][]StreamEvent{{
			{Type: EventChunk, Text: "partial "},
			{Type: EventError, Err: &ProviderError{Kind: "overloaded", Message: "503", Retryable: true}},
		}},
	}

	r := WithRetry(inner)
	ch, err := r.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventChunk, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	rateLimited := []StreamEvent{
		{Type: EventError, Err: &ProviderError{Kind: "rate_limit", Message: "429", Retryable: true}},
	}
	inner := &scriptedProvider{
		id:      "mock",
		scripts: [][]StreamEvent{rateLimited, rateLimited},
	}

	r := &RetryingProvider{Provider: inner, MaxRetries: 1}
	ch, err := r.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "rate_limit", events[0].Err.Kind)
	assert.Equal(t, 2, inner.calls)
}
