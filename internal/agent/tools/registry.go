// Package tools is the catalog of capabilities the model can call.
// Handlers never panic the turn: every failure becomes an LLM-readable
// error result so the loop can continue.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/rag"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/home"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// DefaultTimeout is the wall-clock budget for one handler.
const DefaultTimeout = 30 * time.Second

// Capability groups, gated at registration by installation config.
const (
	CapEntity     = "entity"
	CapAutomation = "automation"
	CapDashboard  = "dashboard"
	CapMemory     = "memory"
	CapSchedule   = "schedule"
	CapSearch     = "search"
)

// Result is the outcome of one tool execution. Content is what the
// model sees; IsError marks results persisted with status=error.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ScheduledJob is the scheduler surface the tools need.
type ScheduledJob struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	Prompt  string    `json:"prompt"`
	OneShot bool      `json:"one_shot"`
	Enabled bool      `json:"enabled"`
	NextRun time.Time `json:"next_run"`
}

// JobScheduler lets the schedule tools talk to the scheduler without a
// package cycle.
type JobScheduler interface {
	Schedule(ctx context.Context, name, cron, prompt string, oneShot bool, createdBy string) (*ScheduledJob, error)
	Jobs(ctx context.Context) ([]ScheduledJob, error)
	Cancel(ctx context.Context, id string) error
}

// Context carries the per-turn references a handler may need.
type Context struct {
	SessionID string
	Home      home.Client
	Index     *rag.Index
	Sessions  *session.Store
	Scheduler JobScheduler
}

// Tool is one callable capability.
type Tool interface {
	// Name returns the tool's unique name.
	Name() string

	// Description returns the description shown to the model.
	Description() string

	// Schema returns the JSON schema of the tool's arguments.
	Schema() json.RawMessage

	// Capability returns the gating group this tool belongs to.
	Capability() string

	// Execute runs the tool. An error return is translated into an
	// error result; handlers may also return a Result with IsError set.
	Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error)
}

// Registry maps tool names to handlers.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-handler budget.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		logging.Warnf("[tools] tool %q re-registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
}

// RegisterDefaults registers the canonical tool set, filtered by the
// enabled capability map. A nil map enables everything.
func (r *Registry) RegisterDefaults(enabled map[string]bool) {
	allow := func(cap string) bool {
		if enabled == nil {
			return true
		}
		return enabled[cap]
	}
	all := []Tool{
		&GetStateTool{}, &ListEntitiesTool{}, &CallServiceTool{}, &GetHistoryTool{},
		&CreateAutomationTool{}, &ListAutomationsTool{}, &TriggerAutomationTool{},
		&CreateDashboardTool{},
		&RememberTool{}, &RecallTool{}, &ForgetTool{},
		&ScheduleJobTool{}, &ListJobsTool{}, &CancelJobTool{},
		&SearchContextTool{},
	}
	for _, tool := range all {
		if allow(tool.Capability()) {
			r.Register(tool)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the catalog as provider tool definitions, sorted
// by name for stable prompts.
func (r *Registry) Definitions() []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches a tool call under the handler timeout. It always
// returns a Result; failures are error results, never Go errors.
func (r *Registry) Execute(ctx context.Context, call *session.ToolCall, tctx *Context) *Result {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return &Result{
			Content: fmt.Sprintf("TOOL ERROR: %q does not exist. Available tools: %s",
				call.Name, strings.Join(r.names(), ", ")),
			IsError: true,
		}
	}

	if msg := missingDependency(tool.Capability(), tctx); msg != "" {
		return &Result{Content: "TOOL ERROR: " + msg, IsError: true}
	}

	logging.Debugf("[tools] executing %s", call.Name)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := tool.Execute(execCtx, call.Args, tctx)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return &Result{
				Content: fmt.Sprintf("TOOL ERROR: %s timed out after %v", call.Name, timeout),
				IsError: true,
			}
		}
		return &Result{
			Content: fmt.Sprintf("TOOL ERROR: %s failed: %v", call.Name, err),
			IsError: true,
		}
	}
	if result == nil {
		result = &Result{Content: "{}"}
	}
	return result
}

// missingDependency reports when a capability's backing subsystem is
// not wired in this installation.
func missingDependency(capability string, tctx *Context) string {
	switch capability {
	case CapEntity, CapAutomation, CapDashboard:
		if tctx.Home == nil {
			return "home control plane is not configured"
		}
	case CapMemory, CapSearch:
		if tctx.Index == nil {
			return "semantic index is not available"
		}
	case CapSchedule:
		if tctx.Scheduler == nil {
			return "scheduler is not available"
		}
	}
	return ""
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// jsonResult marshals a value into a success result.
func jsonResult(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Result{Content: string(data)}, nil
}
