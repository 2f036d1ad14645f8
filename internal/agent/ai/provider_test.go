package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
)

func TestFoldSystemTextCarriesSystemHistory(t *testing.T) {
	req := &ChatRequest{
		System: "You are Homeclaw.",
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: "Relevant context:\n\n## Memories\n- prefers 21C at night"},
			{Role: session.RoleSystem, Content: "[4 earlier messages omitted]"},
			{Role: session.RoleUser, Content: "what temperature do I like?"},
		},
	}

	system := foldSystemText(req)
	assert.Contains(t, system, "You are Homeclaw.")
	assert.Contains(t, system, "prefers 21C at night")
	assert.Contains(t, system, "[4 earlier messages omitted]")
}

func TestFoldSystemTextWithoutSystemHistory(t *testing.T) {
	req := &ChatRequest{
		System:   "identity",
		Messages: []session.Message{{Role: session.RoleUser, Content: "hi"}},
	}
	assert.Equal(t, "identity", foldSystemText(req))
}

func TestAnthropicSystemHistoryRidesInSystemSlot(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleSystem, Content: "Relevant context"},
		{Role: session.RoleUser, Content: "hi"},
	}

	p := &AnthropicProvider{}
	built, err := p.buildMessages(msgs)
	require.NoError(t, err)
	require.Len(t, built, 1)

	system := foldSystemText(&ChatRequest{Messages: msgs})
	assert.Contains(t, system, "Relevant context")
}

func TestGeminiSystemHistoryRidesInSystemSlot(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleSystem, Content: "Relevant context"},
		{Role: session.RoleUser, Content: "hi"},
	}

	p := &GeminiProvider{}
	history, last, err := p.buildContents(msgs)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Empty(t, history)
	assert.Equal(t, "user", last.Role)

	system := foldSystemText(&ChatRequest{Messages: msgs})
	assert.Contains(t, system, "Relevant context")
}
