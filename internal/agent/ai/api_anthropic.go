package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

const defaultMaxTokens = 4096

// AnthropicProvider implements the provider contract over the official
// Anthropic SDK.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates an Anthropic provider. The model comes
// from configuration; no model IDs are hardcoded here.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *AnthropicProvider) ID() string { return "anthropic" }

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, NativeTools: true, Vision: true}
}

// Stream sends a request and returns the event sequence.
func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages, err := p.buildMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to build messages: %w", err)
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system := foldSystemText(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	logging.Debugf("[anthropic] request: model=%s messages=%d tools=%d", model, len(messages), len(req.Tools))

	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 64)
	go p.handleStream(stream, events)
	return events, nil
}

func buildAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			logging.Warnf("[anthropic] skipping tool %s: bad schema: %v", def.Name, err)
			continue
		}
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
		}
		if required, ok := schema["required"].([]any); ok {
			reqStrings := make([]string, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok {
					reqStrings = append(reqStrings, s)
				}
			}
			tool.InputSchema.Required = reqStrings
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}

// buildMessages converts kernel messages to Anthropic format. Tool
// results become user messages carrying tool_result blocks; orphaned
// calls and results (from error-terminated turns) are dropped so the
// API's pairing rules hold.
func (p *AnthropicProvider) buildMessages(msgs []session.Message) ([]anthropic.MessageParam, error) {
	responded := respondedToolIDs(msgs)

	var result []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleUser:
			blocks := userBlocks(msg)
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}

		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.Metadata.ToolCalls {
				if !responded[tc.ID] {
					continue
				}
				var input map[string]any
				if err := json.Unmarshal(tc.Args, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: tc.ID, Name: tc.Name, Input: input},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case session.RoleTool:
			if msg.Metadata.ToolCallID == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.Metadata.ToolCallID, msg.Content, msg.Status == session.StatusError),
			))

		case session.RoleSystem:
			// Folded into params.System by foldSystemText.
		}
	}
	return result, nil
}

// userBlocks builds the content blocks for a user message, inlining
// image attachments as base64 blocks.
func userBlocks(msg session.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}
	for _, att := range msg.Attachments {
		if !att.IsImage || att.ContentBase64 == "" {
			continue
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(att.MimeType, att.ContentBase64))
	}
	return blocks
}

// respondedToolIDs collects tool_call_ids that have a matching tool
// message, so dangling calls from aborted turns can be filtered.
func respondedToolIDs(msgs []session.Message) map[string]bool {
	out := make(map[string]bool)
	for _, msg := range msgs {
		if msg.Role == session.RoleTool && msg.Metadata.ToolCallID != "" {
			out[msg.Metadata.ToolCallID] = true
		}
	}
	return out
}

func (p *AnthropicProvider) handleStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)

	var currentToolID, currentToolName, inputBuffer string
	finish := FinishStop

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			events <- StreamEvent{Type: EventStart, MessageID: ms.Message.ID}

		case "content_block_start":
			cb := event.AsContentBlockStart()
			if toolUse, ok := cb.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				inputBuffer = ""
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				events <- StreamEvent{Type: EventChunk, Text: d.Text}
			case anthropic.InputJSONDelta:
				inputBuffer += d.PartialJSON
			}

		case "content_block_stop":
			if currentToolID != "" {
				args := inputBuffer
				if args == "" {
					args = "{}"
				}
				events <- StreamEvent{Type: EventToolCall, ToolCall: &session.ToolCall{
					ID: currentToolID, Name: currentToolName, Args: json.RawMessage(args),
				}}
				finish = FinishToolCalls
				currentToolID, currentToolName, inputBuffer = "", "", ""
			}

		case "message_delta":
			md := event.AsMessageDelta()
			switch md.Delta.StopReason {
			case "max_tokens":
				finish = FinishLength
			case "tool_use":
				finish = FinishToolCalls
			}
			if md.Usage.OutputTokens > 0 {
				events <- StreamEvent{Type: EventUsage, Usage: &session.TokenUsage{
					CompletionTokens: int(md.Usage.OutputTokens),
				}}
			}

		case "message_stop":
			events <- StreamEvent{Type: EventEnd, FinishReason: finish}
			return

		case "error":
			events <- StreamEvent{Type: EventError, Err: ClassifyError(fmt.Errorf("stream error: %s", event.RawJSON()))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: ClassifyError(err)}
		return
	}
	events <- StreamEvent{Type: EventEnd, FinishReason: finish}
}
