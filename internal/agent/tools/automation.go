package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// CreateAutomationTool registers a new automation on the control plane.
type CreateAutomationTool struct{}

func (t *CreateAutomationTool) Name() string       { return "create_automation" }
func (t *CreateAutomationTool) Capability() string { return CapAutomation }
func (t *CreateAutomationTool) Description() string {
	return "Create a home automation from a YAML definition with trigger, condition and action blocks."
}

func (t *CreateAutomationTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"yaml": {"type": "string", "description": "Automation definition in YAML"}
		},
		"required": ["yaml"]
	}`)
}

func (t *CreateAutomationTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		YAML string `json:"yaml"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.YAML == "" {
		return nil, errors.New("yaml is required")
	}
	// Validate before handing to the control plane so the model gets a
	// parse error it can fix.
	var parsed any
	if err := yaml.Unmarshal([]byte(input.YAML), &parsed); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	id, err := tctx.Home.CreateAutomation(ctx, input.YAML)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"ok": true, "automation_id": id})
}

// ListAutomationsTool lists registered automations.
type ListAutomationsTool struct{}

func (t *ListAutomationsTool) Name() string       { return "list_automations" }
func (t *ListAutomationsTool) Capability() string { return CapAutomation }
func (t *ListAutomationsTool) Description() string {
	return "List the automations registered on the control plane."
}

func (t *ListAutomationsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListAutomationsTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	automations, err := tctx.Home.ListAutomations(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(automations)
}

// TriggerAutomationTool fires an automation immediately.
type TriggerAutomationTool struct{}

func (t *TriggerAutomationTool) Name() string       { return "trigger_automation" }
func (t *TriggerAutomationTool) Capability() string { return CapAutomation }
func (t *TriggerAutomationTool) Description() string {
	return "Trigger an automation right now, regardless of its own triggers."
}

func (t *TriggerAutomationTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Automation id"}
		},
		"required": ["id"]
	}`)
}

func (t *TriggerAutomationTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.ID == "" {
		return nil, errors.New("id is required")
	}

	if err := tctx.Home.TriggerAutomation(ctx, input.ID); err != nil {
		return nil, err
	}
	return jsonResult(map[string]bool{"ok": true})
}
