package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
)

// Text tool protocol markers. Backends without native tool calling are
// instructed to request tools as ⟪tool:name⟫{json args}; the adapter
// parses the markers out of the text stream and re-emits them as
// structured tool call events.
const (
	toolMarkerOpen  = "⟪" // ⟪
	toolMarkerClose = "⟫" // ⟫
	toolMarkerStart = toolMarkerOpen + "tool:"
)

// ToolTextAdapter wraps a provider that lacks native tool calling and
// layers the text protocol on top. The wrapped stream looks identical
// to a native-tools provider: marker text never reaches the caller.
type ToolTextAdapter struct {
	inner Provider
}

// WithTextTools wraps p with the text tool protocol.
func WithTextTools(p Provider) *ToolTextAdapter {
	return &ToolTextAdapter{inner: p}
}

func (a *ToolTextAdapter) ID() string { return a.inner.ID() }

func (a *ToolTextAdapter) Capabilities() Capabilities {
	caps := a.inner.Capabilities()
	caps.NativeTools = true
	return caps
}

// Stream injects tool instructions into the system prompt, rewrites
// tool traffic into plain text, and parses markers out of the reply.
func (a *ToolTextAdapter) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	inner := *req
	if len(req.Tools) > 0 {
		inner.System = injectToolInstructions(req.System, req.Tools)
		inner.Tools = nil
		inner.Messages = flattenToolMessages(req.Messages)
	}

	events, err := a.inner.Stream(ctx, &inner)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 64)
	go a.relay(events, out)
	return out, nil
}

func (a *ToolTextAdapter) relay(in <-chan StreamEvent, out chan<- StreamEvent) {
	defer close(out)

	parser := newToolTextParser()
	sawToolCall := false

	emit := func(text string, calls []*session.ToolCall) {
		if text != "" {
			out <- StreamEvent{Type: EventChunk, Text: text}
		}
		for _, tc := range calls {
			sawToolCall = true
			out <- StreamEvent{Type: EventToolCall, ToolCall: tc}
		}
	}

	for ev := range in {
		switch ev.Type {
		case EventChunk:
			text, calls := parser.feed(ev.Text)
			emit(text, calls)

		case EventEnd:
			emit(parser.flush(), nil)
			if sawToolCall && ev.FinishReason == FinishStop {
				ev.FinishReason = FinishToolCalls
			}
			out <- ev
			return

		case EventError:
			emit(parser.flush(), nil)
			out <- ev
			return

		default:
			out <- ev
		}
	}

	// Upstream closed without a terminal event.
	emit(parser.flush(), nil)
	reason := FinishStop
	if sawToolCall {
		reason = FinishToolCalls
	}
	out <- StreamEvent{Type: EventEnd, FinishReason: reason}
}

// injectToolInstructions appends the tool catalog and the marker syntax
// to the system prompt.
func injectToolInstructions(system string, tools []ToolDefinition) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("## Tools\n\n")
	b.WriteString("You can call the tools listed below. To call one, output exactly:\n\n")
	b.WriteString(toolMarkerStart + "NAME" + toolMarkerClose + `{"arg": "value"}` + "\n\n")
	b.WriteString("with the arguments as a single JSON object matching the tool's schema. ")
	b.WriteString("You may call several tools in one reply. Tool results arrive in the next message.\n\n")
	for _, tool := range tools {
		fmt.Fprintf(&b, "### %s\n%s\nSchema: %s\n\n", tool.Name, tool.Description, string(tool.InputSchema))
	}
	return strings.TrimRight(b.String(), "\n")
}

// flattenToolMessages rewrites structured tool traffic as plain text so
// backends without a tool role can follow the conversation.
func flattenToolMessages(msgs []session.Message) []session.Message {
	out := make([]session.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleAssistant:
			if len(msg.Metadata.ToolCalls) == 0 {
				out = append(out, msg)
				continue
			}
			flat := msg
			var b strings.Builder
			b.WriteString(msg.Content)
			for _, tc := range msg.Metadata.ToolCalls {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(toolMarkerStart + tc.Name + toolMarkerClose + string(tc.Args))
			}
			flat.Content = b.String()
			flat.Metadata.ToolCalls = nil
			out = append(out, flat)

		case session.RoleTool:
			name := findToolName(msg.Metadata.ToolCallID, msgs)
			out = append(out, session.Message{
				Role:    session.RoleUser,
				Content: fmt.Sprintf("[tool result: %s]\n%s", name, msg.Content),
			})

		default:
			out = append(out, msg)
		}
	}
	return out
}

// toolTextParser extracts tool markers from a text stream. Markers can
// span chunk boundaries, so the parser holds back any tail that could
// still turn into a marker.
type toolTextParser struct {
	buf     string
	counter int
}

func newToolTextParser() *toolTextParser {
	return &toolTextParser{}
}

// feed consumes a chunk and returns the plain text that is definitely
// not part of a marker plus any completed tool calls.
func (p *toolTextParser) feed(chunk string) (string, []*session.ToolCall) {
	p.buf += chunk

	var text strings.Builder
	var calls []*session.ToolCall

	for {
		idx := strings.Index(p.buf, toolMarkerStart)
		if idx < 0 {
			// Hold back a tail that might be the start of a marker.
			keep := markerPrefixLen(p.buf)
			text.WriteString(p.buf[:len(p.buf)-keep])
			p.buf = p.buf[len(p.buf)-keep:]
			return text.String(), calls
		}

		text.WriteString(p.buf[:idx])
		p.buf = p.buf[idx:]

		tc, consumed, literal, complete := p.parseMarker()
		if !complete {
			// Incomplete marker; wait for more input.
			return text.String(), calls
		}
		text.WriteString(literal)
		p.buf = p.buf[consumed:]
		if tc != nil {
			calls = append(calls, tc)
		}
	}
}

// flush returns whatever is still buffered. An unterminated marker at
// stream end degrades to literal text.
func (p *toolTextParser) flush() string {
	out := p.buf
	p.buf = ""
	return out
}

// parseMarker parses a marker at the start of the buffer. It returns
// the call (nil for a malformed marker that should be skipped), the
// number of bytes consumed, literal text to release, and whether
// parsing could finish with the data on hand. A name region longer than
// any real tool name means this is not a marker; the start sequence is
// released as text so the stream never stalls on it.
func (p *toolTextParser) parseMarker() (*session.ToolCall, int, string, bool) {
	rest := p.buf[len(toolMarkerStart):]
	closeIdx := strings.Index(rest, toolMarkerClose)
	if closeIdx < 0 {
		if len(rest) > maxToolNameLen {
			return nil, len(toolMarkerStart), toolMarkerStart, true
		}
		return nil, 0, "", false
	}
	if closeIdx > maxToolNameLen {
		return nil, len(toolMarkerStart), toolMarkerStart, true
	}
	name := rest[:closeIdx]
	jsonStart := len(toolMarkerStart) + closeIdx + len(toolMarkerClose)

	body := p.buf[jsonStart:]
	jsonLen, complete := balancedJSONObject(body)
	if !complete {
		return nil, 0, "", false
	}

	args := body[:jsonLen]
	if !json.Valid([]byte(args)) {
		// Malformed args; drop the marker, keep the stream alive.
		return nil, jsonStart + jsonLen, "", true
	}

	p.counter++
	return &session.ToolCall{
		ID:   fmt.Sprintf("text-call-%d", p.counter),
		Name: name,
		Args: json.RawMessage(args),
	}, jsonStart + jsonLen, "", true
}

const maxToolNameLen = 128

// balancedJSONObject returns the length of the JSON object at the start
// of s, or false when the object is not yet complete.
func balancedJSONObject(s string) (int, bool) {
	if s == "" || s[0] != '{' {
		return 0, s != ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// markerPrefixLen returns the length of the longest suffix of s that is
// a prefix of the marker start sequence.
func markerPrefixLen(s string) int {
	max := len(toolMarkerStart)
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, toolMarkerStart[:n]) {
			return n
		}
	}
	return 0
}
