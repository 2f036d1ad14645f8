package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
)

func userMsg(content string) session.Message {
	return session.Message{Role: session.RoleUser, Content: content, Status: session.StatusCompleted}
}

func assistantMsg(content string) session.Message {
	return session.Message{Role: session.RoleAssistant, Content: content, Status: session.StatusCompleted}
}

func toolRound(content string) []session.Message {
	return []session.Message{
		{
			Role:   session.RoleAssistant,
			Status: session.StatusCompleted,
			Metadata: session.Metadata{ToolCalls: []session.ToolCall{
				{ID: "tc1", Name: "echo", Args: []byte(`{}`)},
			}},
		},
		{
			Role:     session.RoleTool,
			Content:  content,
			Status:   session.StatusCompleted,
			Metadata: session.Metadata{ToolCallID: "tc1"},
		},
	}
}

func TestContextWindowLookup(t *testing.T) {
	assert.Equal(t, 200000, ContextWindow("claude-sonnet-4"))
	assert.Equal(t, 128000, ContextWindow("gpt-4o-mini"))
	assert.Equal(t, defaultContextWindow, ContextWindow("some-unknown-model"))
}

func TestBuildMessagesKeepsEverythingWhenItFits(t *testing.T) {
	c := NewCompactor(0)
	history := []session.Message{
		userMsg("turn on the light"),
		assistantMsg("done"),
		userMsg("what is the temperature?"),
	}

	out := c.BuildMessages(history, "", "test-model", nil)
	require.Len(t, out, 3)
	assert.Equal(t, "turn on the light", out[0].Content)
	assert.Equal(t, "what is the temperature?", out[2].Content)
}

func TestBuildMessagesPrependsContextBlock(t *testing.T) {
	c := NewCompactor(0)
	history := []session.Message{userMsg("hi")}
	block := "## Relevant context\n### Entities\n- Kitchen Light (light.kitchen) - state=off"

	out := c.BuildMessages(history, block, "test-model", nil)
	require.Len(t, out, 2)
	assert.Equal(t, session.RoleSystem, out[0].Role)
	assert.Equal(t, block, out[0].Content)
	assert.Equal(t, session.RoleUser, out[1].Role)
}

func TestBuildMessagesOmitsOldestWithMarker(t *testing.T) {
	// Reserve nearly the whole window so only the tail fits.
	c := NewCompactor(defaultContextWindow - 60)
	big := strings.Repeat("words and more words ", 20)
	history := []session.Message{
		userMsg(big),
		assistantMsg(big),
		userMsg(big),
		assistantMsg(big),
		userMsg("hi"),
	}

	out := c.BuildMessages(history, "", "test-model", nil)
	require.Len(t, out, 2)
	assert.Equal(t, session.RoleSystem, out[0].Role)
	assert.Equal(t, "[4 earlier messages omitted]", out[0].Content)
	assert.Equal(t, "hi", out[1].Content)
}

func TestBuildMessagesSlidingWindowEndsAtNewest(t *testing.T) {
	// Budget fits the tail plus roughly one small history message.
	c := NewCompactor(defaultContextWindow - 90)
	big := strings.Repeat("filler text for the window ", 20)
	history := []session.Message{
		userMsg(big),
		assistantMsg(big),
		assistantMsg("short reply"),
		userMsg("hi"),
	}

	out := c.BuildMessages(history, "", "test-model", nil)
	require.Len(t, out, 3)
	assert.Equal(t, "[2 earlier messages omitted]", out[0].Content)
	assert.Equal(t, "short reply", out[1].Content)
	assert.Equal(t, "hi", out[2].Content)
}

func TestBuildMessagesToolPairInseparable(t *testing.T) {
	// Budget fits one small message but not the big tool round.
	c := NewCompactor(defaultContextWindow - 90)
	big := strings.Repeat("tool result payload ", 30)

	var history []session.Message
	history = append(history, toolRound(big)...)
	history = append(history, assistantMsg("ok"))
	history = append(history, userMsg("hi"))

	out := c.BuildMessages(history, "", "test-model", nil)
	require.Len(t, out, 3)
	assert.Equal(t, "[2 earlier messages omitted]", out[0].Content)
	assert.Equal(t, "ok", out[1].Content)
	assert.Equal(t, "hi", out[2].Content)

	// No dangling tool message without its assistant.
	for _, msg := range out {
		assert.NotEqual(t, session.RoleTool, msg.Role)
	}
}

func TestBuildMessagesSmallToolRoundKeptWhole(t *testing.T) {
	c := NewCompactor(0)

	var history []session.Message
	history = append(history, userMsg("turn on the light"))
	history = append(history, toolRound(`{"ok":true}`)...)
	history = append(history, userMsg("thanks"))

	out := c.BuildMessages(history, "", "test-model", nil)
	require.Len(t, out, 4)
	assert.Equal(t, session.RoleAssistant, out[1].Role)
	assert.Equal(t, session.RoleTool, out[2].Role)
}
