// Package runner drives one conversational turn end to end: context
// assembly, provider streaming, the tool loop, and persistence.
package runner

import (
	"fmt"
	"strings"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/tokens"
)

// DefaultOutputReserve is the token allowance kept free for the model's
// reply when sizing the history window.
const DefaultOutputReserve = 2048

// ellipsisReserve covers the omission marker message when the window
// does not hold the full history.
const ellipsisReserve = 16

// contextWindows maps model-name fragments to context window sizes.
// First match wins; unknown models get a conservative default.
var contextWindows = []struct {
	fragment string
	window   int
}{
	{"claude", 200000},
	{"gpt-4o", 128000},
	{"gpt-4.1", 128000},
	{"gpt-4", 128000},
	{"o3", 200000},
	{"o1", 200000},
	{"gemini-1.5-pro", 2000000},
	{"gemini", 1000000},
	{"mistral-large", 128000},
	{"llama-3.1", 128000},
	{"llama3", 8192},
	{"qwen", 32768},
}

const defaultContextWindow = 32768

// ContextWindow returns the context window for a model name.
func ContextWindow(model string) int {
	lower := strings.ToLower(model)
	for _, cw := range contextWindows {
		if strings.Contains(lower, cw.fragment) {
			return cw.window
		}
	}
	return defaultContextWindow
}

// Compactor produces the exact message list handed to the provider for
// one call: retrieved context first, then a sliding window over history
// ending at the newest message. Messages are included whole; a skipped
// prefix is replaced by a single omission marker.
type Compactor struct {
	reserve int
}

// NewCompactor creates a compactor with the given output reserve.
// Non-positive values fall back to DefaultOutputReserve.
func NewCompactor(outputReserve int) *Compactor {
	if outputReserve <= 0 {
		outputReserve = DefaultOutputReserve
	}
	return &Compactor{reserve: outputReserve}
}

// BuildMessages assembles the provider message list. The last element
// of history is the new user message and is always included. An
// assistant message that requested tools and the tool messages
// answering it are included or omitted together.
func (c *Compactor) BuildMessages(history []session.Message, contextBlock, model string, toolDefs []ai.ToolDefinition) []session.Message {
	est := tokens.NewEstimator(model)
	budget := ContextWindow(model) - c.reserve - ellipsisReserve

	var tail *session.Message
	if len(history) > 0 {
		tail = &history[len(history)-1]
		history = history[:len(history)-1]
		budget -= est.EstimateMessage(*tail)
	}
	budget -= est.EstimateTools(toolSchemas(toolDefs))

	var blockMsg *session.Message
	if contextBlock != "" {
		blockMsg = &session.Message{
			Role:    session.RoleSystem,
			Content: contextBlock,
			Status:  session.StatusCompleted,
		}
		budget -= est.EstimateMessage(*blockMsg)
	}

	groups := groupHistory(history)

	// Walk groups newest-first until the next one would overflow.
	cut := len(groups)
	for cut > 0 {
		cost := 0
		for _, msg := range groups[cut-1] {
			cost += est.EstimateMessage(msg)
		}
		if cost > budget {
			break
		}
		budget -= cost
		cut--
	}

	var out []session.Message
	if blockMsg != nil {
		out = append(out, *blockMsg)
	}

	omitted := 0
	for _, g := range groups[:cut] {
		omitted += len(g)
	}
	if omitted > 0 {
		out = append(out, session.Message{
			Role:    session.RoleSystem,
			Content: fmt.Sprintf("[%d earlier messages omitted]", omitted),
			Status:  session.StatusCompleted,
		})
	}

	for _, g := range groups[cut:] {
		out = append(out, g...)
	}
	if tail != nil {
		out = append(out, *tail)
	}
	return out
}

// groupHistory splits history into atomic inclusion units. A tool
// message binds to the assistant message that requested it; everything
// else stands alone.
func groupHistory(msgs []session.Message) [][]session.Message {
	var groups [][]session.Message
	for _, msg := range msgs {
		if msg.Role == session.RoleTool && len(groups) > 0 {
			head := groups[len(groups)-1][0]
			if head.Role == session.RoleAssistant && len(head.Metadata.ToolCalls) > 0 {
				groups[len(groups)-1] = append(groups[len(groups)-1], msg)
				continue
			}
		}
		groups = append(groups, []session.Message{msg})
	}
	return groups
}

func toolSchemas(defs []ai.ToolDefinition) []tokens.ToolSchema {
	out := make([]tokens.ToolSchema, len(defs))
	for i, d := range defs {
		out[i] = tokens.ToolSchema{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return out
}
