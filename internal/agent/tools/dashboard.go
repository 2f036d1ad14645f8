package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// CreateDashboardTool registers a dashboard on the control plane.
type CreateDashboardTool struct{}

func (t *CreateDashboardTool) Name() string       { return "create_dashboard" }
func (t *CreateDashboardTool) Capability() string { return CapDashboard }
func (t *CreateDashboardTool) Description() string {
	return "Create a dashboard from a YAML definition describing views and cards."
}

func (t *CreateDashboardTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"yaml": {"type": "string", "description": "Dashboard definition in YAML"}
		},
		"required": ["yaml"]
	}`)
}

func (t *CreateDashboardTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		YAML string `json:"yaml"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.YAML == "" {
		return nil, errors.New("yaml is required")
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(input.YAML), &parsed); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	id, err := tctx.Home.CreateDashboard(ctx, input.YAML)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"ok": true, "dashboard_id": id})
}
