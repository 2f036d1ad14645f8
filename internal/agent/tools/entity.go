package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetStateTool reads the live state of one entity.
type GetStateTool struct{}

func (t *GetStateTool) Name() string        { return "get_state" }
func (t *GetStateTool) Capability() string  { return CapEntity }
func (t *GetStateTool) Description() string {
	return "Get the current state and attributes of a home entity by its entity_id."
}

func (t *GetStateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"entity_id": {"type": "string", "description": "Entity id, e.g. light.kitchen"}
		},
		"required": ["entity_id"]
	}`)
}

func (t *GetStateTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		EntityID string `json:"entity_id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.EntityID == "" {
		return nil, errors.New("entity_id is required")
	}

	state, err := tctx.Home.GetState(ctx, input.EntityID)
	if err != nil {
		return nil, err
	}
	return jsonResult(state)
}

// ListEntitiesTool lists entities, optionally filtered.
type ListEntitiesTool struct{}

func (t *ListEntitiesTool) Name() string       { return "list_entities" }
func (t *ListEntitiesTool) Capability() string { return CapEntity }
func (t *ListEntitiesTool) Description() string {
	return "List home entities, optionally filtered by domain (light, switch, sensor, ...) and area."
}

func (t *ListEntitiesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"domain": {"type": "string", "description": "Optional domain filter"},
			"area": {"type": "string", "description": "Optional area filter"}
		}
	}`)
}

func (t *ListEntitiesTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		Domain string `json:"domain"`
		Area   string `json:"area"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	entities, err := tctx.Home.ListEntities(ctx, input.Domain, input.Area)
	if err != nil {
		return nil, err
	}
	// Trim to the fields the model needs; raw attributes are noisy.
	type entityLine struct {
		EntityID     string `json:"entity_id"`
		State        string `json:"state"`
		FriendlyName string `json:"friendly_name,omitempty"`
		Area         string `json:"area,omitempty"`
	}
	lines := make([]entityLine, 0, len(entities))
	for _, e := range entities {
		lines = append(lines, entityLine{
			EntityID:     e.EntityID,
			State:        e.State,
			FriendlyName: e.FriendlyName,
			Area:         e.Area,
		})
	}
	return jsonResult(lines)
}

// CallServiceTool actuates a device through a control-plane service.
type CallServiceTool struct{}

func (t *CallServiceTool) Name() string       { return "call_service" }
func (t *CallServiceTool) Capability() string { return CapEntity }
func (t *CallServiceTool) Description() string {
	return "Call a control-plane service to actuate devices, e.g. domain=light service=turn_on data={entity_id}."
}

func (t *CallServiceTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"domain": {"type": "string", "description": "Service domain, e.g. light"},
			"service": {"type": "string", "description": "Service name, e.g. turn_on"},
			"data": {"type": "object", "description": "Service data, usually includes entity_id"}
		},
		"required": ["domain", "service"]
	}`)
}

func (t *CallServiceTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		Domain  string         `json:"domain"`
		Service string         `json:"service"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.Domain == "" || input.Service == "" {
		return nil, errors.New("domain and service are required")
	}

	resp, err := tctx.Home.CallService(ctx, input.Domain, input.Service, input.Data)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return jsonResult(map[string]bool{"ok": true})
	}
	return &Result{Content: string(resp)}, nil
}

// GetHistoryTool reads an entity's state history.
type GetHistoryTool struct{}

func (t *GetHistoryTool) Name() string       { return "get_history" }
func (t *GetHistoryTool) Capability() string { return CapEntity }
func (t *GetHistoryTool) Description() string {
	return "Get state history for an entity within a time range (RFC3339 timestamps)."
}

func (t *GetHistoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"entity_id": {"type": "string"},
			"start": {"type": "string", "description": "RFC3339 start time"},
			"end": {"type": "string", "description": "RFC3339 end time, defaults to now"}
		},
		"required": ["entity_id", "start"]
	}`)
}

func (t *GetHistoryTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		EntityID string `json:"entity_id"`
		Start    string `json:"start"`
		End      string `json:"end"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.EntityID == "" || input.Start == "" {
		return nil, errors.New("entity_id and start are required")
	}

	start, err := time.Parse(time.RFC3339, input.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	end := time.Now().UTC()
	if input.End != "" {
		end, err = time.Parse(time.RFC3339, input.End)
		if err != nil {
			return nil, fmt.Errorf("invalid end time: %w", err)
		}
	}

	history, err := tctx.Home.History(ctx, input.EntityID, start, end)
	if err != nil {
		return nil, err
	}
	return jsonResult(history)
}
