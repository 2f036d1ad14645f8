package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// GeminiProvider implements the provider contract for Google Gemini
// using the official SDK.
type GeminiProvider struct {
	client    *genai.Client
	clientErr error
	model     string
}

// NewGeminiProvider creates a Gemini provider. Client construction does
// not dial; a construction error is surfaced on the first Stream call.
func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	return &GeminiProvider{client: client, clientErr: err, model: model}
}

func (p *GeminiProvider) ID() string { return "gemini" }

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, NativeTools: true, Vision: true}
}

// Stream sends a request to Gemini and streams the response.
func (p *GeminiProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	if p.clientErr != nil {
		return nil, fmt.Errorf("gemini client: %w", p.clientErr)
	}

	modelName := p.model
	if req.Model != "" {
		modelName = req.Model
	}

	model := p.client.GenerativeModel(modelName)
	if system := foldSystemText(req); system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		model.Tools = buildGeminiTools(req.Tools)
	}

	history, last, err := p.buildContents(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to build messages: %w", err)
	}
	if last == nil {
		return nil, errors.New("no messages to send")
	}

	logging.Debugf("[gemini] request: model=%s history=%d tools=%d", modelName, len(history), len(req.Tools))

	cs := model.StartChat()
	cs.History = history
	iter := cs.SendMessageStream(ctx, last.Parts...)

	events := make(chan StreamEvent, 64)
	go p.handleStream(iter, events)
	return events, nil
}

// buildContents converts kernel messages to Gemini contents, returning
// the history and the final content to send. Gemini has no tool role;
// results ride as functionResponse parts in user-role contents.
func (p *GeminiProvider) buildContents(msgs []session.Message) (history []*genai.Content, last *genai.Content, err error) {
	var contents []*genai.Content

	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleUser:
			content := &genai.Content{Role: "user"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.Text(msg.Content))
			}
			for _, att := range msg.Attachments {
				if !att.IsImage || att.ContentBase64 == "" {
					continue
				}
				data, decErr := base64.StdEncoding.DecodeString(att.ContentBase64)
				if decErr != nil {
					continue
				}
				content.Parts = append(content.Parts, genai.Blob{MIMEType: att.MimeType, Data: data})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}

		case session.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.Metadata.ToolCalls {
				var args map[string]any
				if jsonErr := json.Unmarshal(tc.Args, &args); jsonErr != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}

		case session.RoleTool:
			name := findToolName(msg.Metadata.ToolCallID, msgs)
			var response map[string]any
			if jsonErr := json.Unmarshal([]byte(msg.Content), &response); jsonErr != nil {
				response = map[string]any{"result": msg.Content}
			}
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.FunctionResponse{Name: name, Response: response}},
			})

		case session.RoleSystem:
			// Folded into SystemInstruction by foldSystemText.
		}
	}

	if len(contents) == 0 {
		return nil, nil, nil
	}
	return contents[:len(contents)-1], contents[len(contents)-1], nil
}

func buildGeminiTools(defs []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		var schemaRaw map[string]any
		if err := json.Unmarshal(def.InputSchema, &schemaRaw); err != nil {
			logging.Warnf("[gemini] skipping tool %s: bad schema: %v", def.Name, err)
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  convertGeminiSchema(schemaRaw),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertGeminiSchema maps a JSON schema object to the SDK's schema
// type. Unknown keywords are dropped.
func convertGeminiSchema(raw map[string]any) *genai.Schema {
	schema := &genai.Schema{}

	switch raw["type"] {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
	default:
		schema.Type = genai.TypeObject
	}
	if desc, ok := raw["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := raw["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, propRaw := range props {
			if propObj, ok := propRaw.(map[string]any); ok {
				schema.Properties[name] = convertGeminiSchema(propObj)
			}
		}
	}
	if required, ok := raw["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := raw["items"].(map[string]any); ok {
		schema.Items = convertGeminiSchema(items)
	}
	return schema
}

func (p *GeminiProvider) handleStream(iter *genai.GenerateContentResponseIterator, events chan<- StreamEvent) {
	defer close(events)

	events <- StreamEvent{Type: EventStart}

	toolCallCounter := 0
	finish := FinishStop

	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			events <- StreamEvent{Type: EventError, Err: ClassifyError(err)}
			return
		}

		for _, candidate := range resp.Candidates {
			if candidate.Content != nil {
				for _, part := range candidate.Content.Parts {
					switch v := part.(type) {
					case genai.Text:
						if v != "" {
							events <- StreamEvent{Type: EventChunk, Text: string(v)}
						}
					case genai.FunctionCall:
						toolCallCounter++
						argsJSON, _ := json.Marshal(v.Args)
						events <- StreamEvent{Type: EventToolCall, ToolCall: &session.ToolCall{
							ID:   fmt.Sprintf("gemini-call-%d", toolCallCounter),
							Name: v.Name,
							Args: argsJSON,
						}}
						finish = FinishToolCalls
					}
				}
			}
			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				finish = FinishLength
			}
		}

		if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
			events <- StreamEvent{Type: EventUsage, Usage: &session.TokenUsage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}}
		}
	}

	events <- StreamEvent{Type: EventEnd, FinishReason: finish}
}
