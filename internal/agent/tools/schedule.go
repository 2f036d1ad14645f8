package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser validates expressions with the same options the scheduler
// uses, so a bad expression fails here instead of at registration.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleJobTool registers a recurring (or one-shot) agent prompt.
type ScheduleJobTool struct{}

func (t *ScheduleJobTool) Name() string       { return "schedule_job" }
func (t *ScheduleJobTool) Capability() string { return CapSchedule }
func (t *ScheduleJobTool) Description() string {
	return "Schedule a prompt to run on a cron expression (5 fields: minute hour dom month dow). Set one_shot for a single run."
}

func (t *ScheduleJobTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Human-readable job name"},
			"cron": {"type": "string", "description": "Cron expression, e.g. 0 7 * * *"},
			"prompt": {"type": "string", "description": "The prompt the agent runs when the job fires"},
			"one_shot": {"type": "boolean", "description": "Disable the job after its first run"}
		},
		"required": ["name", "cron", "prompt"]
	}`)
}

func (t *ScheduleJobTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		Name    string `json:"name"`
		Cron    string `json:"cron"`
		Prompt  string `json:"prompt"`
		OneShot bool   `json:"one_shot"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.Name == "" || input.Cron == "" || input.Prompt == "" {
		return nil, errors.New("name, cron and prompt are required")
	}
	if _, err := cronParser.Parse(input.Cron); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", input.Cron, err)
	}

	job, err := tctx.Scheduler.Schedule(ctx, input.Name, input.Cron, input.Prompt, input.OneShot, tctx.SessionID)
	if err != nil {
		return nil, err
	}
	return jsonResult(job)
}

// ListJobsTool lists the scheduled jobs.
type ListJobsTool struct{}

func (t *ListJobsTool) Name() string       { return "list_jobs" }
func (t *ListJobsTool) Capability() string { return CapSchedule }
func (t *ListJobsTool) Description() string {
	return "List all scheduled jobs with their cron expressions and next run times."
}

func (t *ListJobsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListJobsTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	jobs, err := tctx.Scheduler.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(jobs)
}

// CancelJobTool removes a scheduled job.
type CancelJobTool struct{}

func (t *CancelJobTool) Name() string       { return "cancel_job" }
func (t *CancelJobTool) Capability() string { return CapSchedule }
func (t *CancelJobTool) Description() string {
	return "Cancel a scheduled job by its id (use list_jobs to find it)."
}

func (t *CancelJobTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"}
		},
		"required": ["id"]
	}`)
}

func (t *CancelJobTool) Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error) {
	var input struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if input.ID == "" {
		return nil, errors.New("id is required")
	}

	if err := tctx.Scheduler.Cancel(ctx, input.ID); err != nil {
		return nil, err
	}
	return jsonResult(map[string]bool{"ok": true})
}
