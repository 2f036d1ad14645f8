package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
)

func TestHeuristic(t *testing.T) {
	assert.Equal(t, 0, heuristic(""))
	assert.Equal(t, 1, heuristic("abc"))
	assert.Equal(t, 1, heuristic("abcd"))
	assert.Equal(t, 2, heuristic("abcde"))
}

func TestEstimateDeterministic(t *testing.T) {
	e := NewEstimator("gpt-4o")
	text := "Turn on the kitchen lights at sunset."
	first := e.Estimate(text)
	assert.Greater(t, first, 0)
	assert.Equal(t, first, e.Estimate(text))
}

func TestEstimateEmptyText(t *testing.T) {
	e := NewEstimator("gpt-4o")
	assert.Equal(t, 0, e.Estimate(""))
}

func TestNilEstimatorFallsBack(t *testing.T) {
	var e *Estimator
	assert.Equal(t, heuristic("hello world"), e.Estimate("hello world"))
}

func TestEstimateMessagesMonotonic(t *testing.T) {
	e := NewEstimator("gpt-4o")

	short := []session.Message{{Role: session.RoleUser, Content: "hi"}}
	long := []session.Message{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "Hello! How can I help with your home today?"},
	}

	assert.Greater(t, e.EstimateMessages(long), e.EstimateMessages(short))
	assert.Greater(t, e.EstimateMessages(short), 0)
}

func TestEstimateMessageIncludesToolCalls(t *testing.T) {
	e := NewEstimator("gpt-4o")

	bare := session.Message{Role: session.RoleAssistant, Content: "checking"}
	withCall := bare
	withCall.Metadata.ToolCalls = []session.ToolCall{
		{ID: "c1", Name: "get_state", Args: []byte(`{"entity_id":"sensor.temp"}`)},
	}

	assert.Greater(t, e.EstimateMessage(withCall), e.EstimateMessage(bare))
}

func TestEstimateTools(t *testing.T) {
	e := NewEstimator("gpt-4o")

	tools := []ToolSchema{
		{Name: "control_entity", Description: "control a device", InputSchema: []byte(`{"type":"object"}`)},
	}
	assert.Greater(t, e.EstimateTools(tools), 0)
	assert.Equal(t, 0, e.EstimateTools(nil))
}

func TestUnknownModelUsesFallbackEncoding(t *testing.T) {
	e := NewEstimator("totally-made-up-model")
	assert.Greater(t, e.Estimate("some text to count"), 0)
}
