package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// OpenAIProvider implements the provider contract using the official
// OpenAI SDK. It also serves OpenAI-compatible endpoints (LM Studio,
// vLLM, OpenRouter) via a custom base URL.
type OpenAIProvider struct {
	client openai.Client
	id     string
	model  string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		id:     "openai",
		model:  model,
	}
}

// NewOpenAICompatProvider creates a provider for an OpenAI-compatible
// endpoint under a distinct provider id.
func NewOpenAICompatProvider(id, baseURL, apiKey, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		id:     id,
		model:  model,
	}
}

func (p *OpenAIProvider) ID() string { return p.id }

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, NativeTools: true, Vision: true, StructuredOutput: true}
}

// Stream sends a request and returns the event sequence.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages, err := p.buildMessages(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build messages: %w", err)
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				logging.Warnf("[%s] skipping tool %s: bad schema: %v", p.id, tool.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	logging.Debugf("[%s] request: model=%s messages=%d tools=%d", p.id, model, len(messages), len(req.Tools))

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 64)
	go p.handleStream(stream, events)
	return events, nil
}

// buildMessages converts kernel messages to OpenAI chat format.
func (p *OpenAIProvider) buildMessages(req *ChatRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	responded := respondedToolIDs(req.Messages)

	var result []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleUser:
			result = append(result, p.userMessage(msg))

		case session.RoleAssistant:
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.Metadata.ToolCalls {
				if !responded[tc.ID] {
					logging.Debugf("[%s] dropping tool_call without response: %s", p.id, tc.ID)
					continue
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			if msg.Content == "" && len(toolCalls) == 0 {
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if msg.Content != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg.ToolCalls = toolCalls
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})

		case session.RoleTool:
			if msg.Metadata.ToolCallID == "" || !responded[msg.Metadata.ToolCallID] {
				continue
			}
			result = append(result, openai.ToolMessage(msg.Content, msg.Metadata.ToolCallID))

		case session.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		}
	}
	return result, nil
}

// userMessage builds a user message, inlining image attachments as
// data-URL image parts.
func (p *OpenAIProvider) userMessage(msg session.Message) openai.ChatCompletionMessageParamUnion {
	var images []session.Attachment
	for _, att := range msg.Attachments {
		if att.IsImage && att.ContentBase64 != "" {
			images = append(images, att)
		}
	}
	if len(images) == 0 {
		return openai.UserMessage(msg.Content)
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(images)+1)
	if msg.Content != "" {
		parts = append(parts, openai.TextContentPart(msg.Content))
	}
	for _, att := range images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: fmt.Sprintf("data:%s;base64,%s", att.MimeType, att.ContentBase64),
		}))
	}
	return openai.UserMessage(parts)
}

func (p *OpenAIProvider) handleStream(stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- StreamEvent) {
	defer close(events)

	acc := openai.ChatCompletionAccumulator{}
	finish := FinishStop
	started := false

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if !started {
			events <- StreamEvent{Type: EventStart, MessageID: chunk.ID}
			started = true
		}

		if tool, ok := acc.JustFinishedToolCall(); ok {
			args := tool.Arguments
			if args == "" {
				args = "{}"
			}
			events <- StreamEvent{Type: EventToolCall, ToolCall: &session.ToolCall{
				ID: tool.ID, Name: tool.Name, Args: json.RawMessage(args),
			}}
		}

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				events <- StreamEvent{Type: EventChunk, Text: choice.Delta.Content}
			}
			switch choice.FinishReason {
			case "tool_calls":
				finish = FinishToolCalls
			case "length":
				finish = FinishLength
			}
		}

		if chunk.Usage.TotalTokens > 0 {
			events <- StreamEvent{Type: EventUsage, Usage: &session.TokenUsage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
			}}
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: ClassifyError(err)}
		return
	}
	events <- StreamEvent{Type: EventEnd, FinishReason: finish}
}
