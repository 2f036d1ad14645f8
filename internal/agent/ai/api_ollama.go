package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements the provider contract for local models via
// the official Ollama SDK.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultOllamaURL)
	}

	// Local inference can be slow on first load.
	httpClient := &http.Client{Timeout: 5 * time.Minute}

	return &OllamaProvider{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
	}
}

func (p *OllamaProvider) ID() string { return "ollama" }

// Capabilities reports native tool support; whether a given local model
// honors it is the model's business, and the text protocol fallback
// stays available through configuration.
func (p *OllamaProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, NativeTools: true}
}

// Stream sends a request to Ollama and streams the response.
func (p *OllamaProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: p.buildMessages(req),
	}
	stream := true
	chatReq.Stream = &stream

	if req.Temperature > 0 || req.MaxTokens > 0 {
		chatReq.Options = make(map[string]any)
		if req.Temperature > 0 {
			chatReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = buildOllamaTools(req.Tools)
	}

	logging.Debugf("[ollama] request: model=%s messages=%d tools=%d", model, len(chatReq.Messages), len(req.Tools))

	events := make(chan StreamEvent, 64)
	go func() {
		defer close(events)

		events <- StreamEvent{Type: EventStart}

		toolCallCounter := 0
		finish := FinishStop

		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				events <- StreamEvent{Type: EventChunk, Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				toolCallCounter++
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("ollama-call-%d", toolCallCounter)
				}
				argsJSON, _ := json.Marshal(tc.Function.Arguments.ToMap())
				events <- StreamEvent{Type: EventToolCall, ToolCall: &session.ToolCall{
					ID: id, Name: tc.Function.Name, Args: argsJSON,
				}}
				finish = FinishToolCalls
			}
			if resp.Done {
				if resp.DoneReason == "length" {
					finish = FinishLength
				}
				if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
					events <- StreamEvent{Type: EventUsage, Usage: &session.TokenUsage{
						PromptTokens:     resp.PromptEvalCount,
						CompletionTokens: resp.EvalCount,
					}}
				}
			}
			return nil
		})
		if err != nil {
			events <- StreamEvent{Type: EventError, Err: ClassifyError(err)}
			return
		}
		events <- StreamEvent{Type: EventEnd, FinishReason: finish}
	}()

	return events, nil
}

// buildMessages converts kernel messages to Ollama format.
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	responded := respondedToolIDs(req.Messages)

	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleUser:
			m := api.Message{Role: "user", Content: msg.Content}
			for _, att := range msg.Attachments {
				if att.IsImage && att.ContentBase64 != "" {
					m.Images = append(m.Images, decodeImage(att.ContentBase64))
				}
			}
			messages = append(messages, m)

		case session.RoleAssistant:
			assistantMsg := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.Metadata.ToolCalls {
				if !responded[tc.ID] {
					continue
				}
				args := api.NewToolCallFunctionArguments()
				var argsMap map[string]any
				if err := json.Unmarshal(tc.Args, &argsMap); err == nil {
					for k, v := range argsMap {
						args.Set(k, v)
					}
				}
				assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, api.ToolCall{
					ID:       tc.ID,
					Function: api.ToolCallFunction{Name: tc.Name, Arguments: args},
				})
			}
			if assistantMsg.Content != "" || len(assistantMsg.ToolCalls) > 0 {
				messages = append(messages, assistantMsg)
			}

		case session.RoleSystem:
			messages = append(messages, api.Message{Role: "system", Content: msg.Content})

		case session.RoleTool:
			if msg.Metadata.ToolCallID == "" {
				continue
			}
			messages = append(messages, api.Message{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.Metadata.ToolCallID,
				ToolName:   findToolName(msg.Metadata.ToolCallID, req.Messages),
			})
		}
	}
	return messages
}

func decodeImage(contentBase64 string) api.ImageData {
	data, err := base64.StdEncoding.DecodeString(contentBase64)
	if err != nil {
		return nil
	}
	return api.ImageData(data)
}

// findToolName resolves the tool name behind a tool_call_id.
func findToolName(toolCallID string, msgs []session.Message) string {
	for _, msg := range msgs {
		if msg.Role != session.RoleAssistant {
			continue
		}
		for _, tc := range msg.Metadata.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	return "unknown"
}

// buildOllamaTools converts tool definitions to Ollama format.
func buildOllamaTools(tools []ToolDefinition) api.Tools {
	result := make(api.Tools, 0, len(tools))
	for _, tool := range tools {
		var schemaRaw map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaRaw); err != nil {
			continue
		}

		params := api.ToolFunctionParameters{Type: "object"}
		if props, ok := schemaRaw["properties"].(map[string]any); ok {
			propsMap := api.NewToolPropertiesMap()
			for name, propRaw := range props {
				if propObj, ok := propRaw.(map[string]any); ok {
					propsMap.Set(name, convertOllamaProperty(propObj))
				}
			}
			params.Properties = propsMap
		}
		if required, ok := schemaRaw["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}

		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func convertOllamaProperty(prop map[string]any) api.ToolProperty {
	result := api.ToolProperty{}
	if typeVal, ok := prop["type"].(string); ok {
		result.Type = api.PropertyType{typeVal}
	}
	if desc, ok := prop["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		result.Enum = enum
	}
	if items, ok := prop["items"]; ok {
		result.Items = items
	}
	return result
}

// CheckOllamaAvailable reports whether an Ollama server answers at the
// given base URL.
func CheckOllamaAvailable(baseURL string) bool {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListOllamaModels returns the models available on the local server.
func ListOllamaModels(ctx context.Context, baseURL string) ([]string, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(parsedURL, &http.Client{Timeout: 5 * time.Second})
	resp, err := client.List(ctx)
	if err != nil {
		return nil, err
	}

	models := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
