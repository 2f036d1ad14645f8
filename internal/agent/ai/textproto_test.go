package ai

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
)

func TestToolTextParserSingleCall(t *testing.T) {
	p := newToolTextParser()

	text, calls := p.feed(`Turning it on. ⟪tool:control_entity⟫{"entity_id":"light.kitchen","action":"turn_on"} done`)
	assert.Equal(t, "Turning it on. ", text[:15])
	require.Len(t, calls, 1)
	assert.Equal(t, "control_entity", calls[0].Name)
	assert.JSONEq(t, `{"entity_id":"light.kitchen","action":"turn_on"}`, string(calls[0].Args))
	assert.Contains(t, text, " done")
	assert.Empty(t, p.flush())
}

func TestToolTextParserSpansChunks(t *testing.T) {
	p := newToolTextParser()

	text, calls := p.feed("ok ⟪to")
	assert.Equal(t, "ok ", text)
	assert.Empty(t, calls)

	text, calls = p.feed(`ol:get_state⟫{"entity_id":`)
	assert.Empty(t, text)
	assert.Empty(t, calls)

	text, calls = p.feed(`"sensor.temp"} and`)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_state", calls[0].Name)
	assert.JSONEq(t, `{"entity_id":"sensor.temp"}`, string(calls[0].Args))
	assert.Equal(t, " and", text)
}

func TestToolTextParserMultipleCalls(t *testing.T) {
	p := newToolTextParser()

	_, calls := p.feed(`⟪tool:a⟫{"x":1}⟪tool:b⟫{"y":2}`)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Name)
	assert.Equal(t, "b", calls[1].Name)
	assert.Equal(t, "text-call-1", calls[0].ID)
	assert.Equal(t, "text-call-2", calls[1].ID)
}

func TestToolTextParserNestedJSON(t *testing.T) {
	p := newToolTextParser()

	_, calls := p.feed(`⟪tool:create_automation⟫{"trigger":{"at":"07:00"},"note":"brace } in string"}`)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"trigger":{"at":"07:00"},"note":"brace } in string"}`, string(calls[0].Args))
}

func TestToolTextParserIncompleteMarkerFlushesAsText(t *testing.T) {
	p := newToolTextParser()

	text, calls := p.feed(`trailing ⟪tool:never_closed`)
	assert.Equal(t, "trailing ", text)
	assert.Empty(t, calls)
	assert.Equal(t, "⟪tool:never_closed", p.flush())
}

func TestToolTextParserOverlongNameReleasedAsText(t *testing.T) {
	p := newToolTextParser()

	long := "⟪tool:" + strings.Repeat("x", maxToolNameLen+10)
	text, calls := p.feed(long)
	assert.Empty(t, calls)
	assert.Contains(t, text, "⟪tool:")
	assert.Contains(t, text+p.flush(), strings.Repeat("x", maxToolNameLen+10))

	// The parser keeps working on subsequent chunks.
	text, calls = p.feed(` then ⟪tool:real⟫{"a":1}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "real", calls[0].Name)
	assert.Contains(t, text, " then ")
}

func TestToolTextParserOverlongNameWithLateClose(t *testing.T) {
	p := newToolTextParser()

	text, calls := p.feed("⟪tool:" + strings.Repeat("y", maxToolNameLen+5) + "⟫ tail")
	assert.Empty(t, calls)
	assert.Contains(t, text+p.flush(), "tail")
}

func TestToolTextParserMalformedArgsSkipped(t *testing.T) {
	p := newToolTextParser()

	text, calls := p.feed(`⟪tool:x⟫{"bad": } after`)
	assert.Empty(t, calls)
	assert.Equal(t, " after", text)
}

func TestToolTextParserPlainTextPassthrough(t *testing.T) {
	p := newToolTextParser()

	text, calls := p.feed("nothing special here")
	assert.Equal(t, "nothing special here", text)
	assert.Empty(t, calls)
}

// scriptedProvider replays a fixed sequence of event scripts, one per
// Stream call.
type scriptedProvider struct {
	id      string
	caps    Capabilities
	scripts [][]StreamEvent
	errs    []error
	calls   int
	lastReq *ChatRequest
}

func (s *scriptedProvider) ID() string                 { return s.id }
func (s *scriptedProvider) Capabilities() Capabilities { return s.caps }

func (s *scriptedProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	idx := s.calls
	s.calls++
	s.lastReq = req

	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}

	var script []StreamEvent
	if idx < len(s.scripts) {
		script = s.scripts[idx]
	}
	ch := make(chan StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestToolTextAdapterRewritesStream(t *testing.T) {
	inner := &scriptedProvider{
		id:   "mock",
		caps: Capabilities{Streaming: true},
		scripts: [][]StreamEvent{{
			{Type: EventStart},
			{Type: EventChunk, Text: `I'll check. ⟪tool:get_state⟫{"entity_`},
			{Type: EventChunk, Text: `id":"sensor.temp"}`},
			{Type: EventEnd, FinishReason: FinishStop},
		}},
	}

	adapter := WithTextTools(inner)
	assert.True(t, adapter.Capabilities().NativeTools)

	ch, err := adapter.Stream(context.Background(), &ChatRequest{
		System: "be brief",
		Tools: []ToolDefinition{
			{Name: "get_state", Description: "read entity state", InputSchema: []byte(`{"type":"object"}`)},
		},
		Messages: []session.Message{{Role: session.RoleUser, Content: "temp?"}},
	})
	require.NoError(t, err)

	events := collect(t, ch)
	require.NotEmpty(t, events)

	var toolCalls []*session.ToolCall
	var text string
	for _, ev := range events {
		switch ev.Type {
		case EventChunk:
			text += ev.Text
		case EventToolCall:
			toolCalls = append(toolCalls, ev.ToolCall)
		}
	}
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "get_state", toolCalls[0].Name)
	assert.NotContains(t, text, "⟪")

	last := events[len(events)-1]
	assert.Equal(t, EventEnd, last.Type)
	assert.Equal(t, FinishToolCalls, last.FinishReason)

	// Tool catalog rode in on the system prompt.
	assert.Contains(t, inner.lastReq.System, "get_state")
	assert.Contains(t, inner.lastReq.System, "⟪tool:")
	assert.Empty(t, inner.lastReq.Tools)
}

func TestFlattenToolMessages(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleUser, Content: "turn on the light"},
		{Role: session.RoleAssistant, Metadata: session.Metadata{
			ToolCalls: []session.ToolCall{{ID: "c1", Name: "control_entity", Args: []byte(`{"a":1}`)}},
		}},
		{Role: session.RoleTool, Content: `{"ok":true}`, Metadata: session.Metadata{ToolCallID: "c1"}},
	}

	flat := flattenToolMessages(msgs)
	require.Len(t, flat, 3)
	assert.Contains(t, flat[1].Content, "⟪tool:control_entity⟫")
	assert.Empty(t, flat[1].Metadata.ToolCalls)
	assert.Equal(t, session.RoleUser, flat[2].Role)
	assert.Contains(t, flat[2].Content, "control_entity")
}
