package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/rag"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/tools"
	"github.com/Thioby/homeclaw-agent-sub000/internal/home"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// MaxToolIterations bounds the tool rounds of a single turn. A model
// still calling tools past this point gets cut off with an error end.
const MaxToolIterations = 10

// DefaultProviderTimeout is the wall-clock budget for one provider call.
const DefaultProviderTimeout = 120 * time.Second

const (
	eventBuffer   = 64
	previewLength = 120
	titleLength   = 60
)

// ErrEmptyInput rejects turns with no usable text.
var ErrEmptyInput = errors.New("message text is empty")

// EventType tags the UI-facing events of one turn.
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventStreamStart EventType = "stream_start"
	EventStreamChunk EventType = "stream_chunk"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventStreamEnd   EventType = "stream_end"
)

// Event is one element of a turn's event stream. stream_start precedes
// all chunk/tool events of its round; stream_end is always last.
type Event struct {
	Type       EventType        `json:"type"`
	Message    *session.Message `json:"message,omitempty"`    // user_message
	MessageID  string           `json:"message_id,omitempty"` // stream_start
	Chunk      string           `json:"chunk,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage  `json:"tool_args,omitempty"`
	ToolResult string           `json:"tool_result,omitempty"`
	Success    bool             `json:"success"`
	Truncated  bool             `json:"truncated,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// TurnRequest is one user (or scheduler) turn.
type TurnRequest struct {
	SessionID   string
	Text        string
	Attachments []session.Attachment
	Provider    ai.Provider
	Model       string
	Debug       bool
}

// Config wires a Runner. Sessions, Registry and a provider per request
// are required; everything else degrades gracefully when absent.
type Config struct {
	Sessions        *session.Store
	Registry        *tools.Registry
	Index           *rag.Index
	Home            home.Client
	Scheduler       tools.JobScheduler
	Extractor       *rag.Extractor
	Identity        func() Identity
	OutputReserve   int
	ExtractEvery    int
	ProviderTimeout time.Duration
}

// Runner orchestrates turns. Safe for concurrent use; each turn runs
// on its own goroutine and owns its event channel.
type Runner struct {
	sessions        *session.Store
	registry        *tools.Registry
	index           *rag.Index
	home            home.Client
	scheduler       tools.JobScheduler
	extractor       *rag.Extractor
	identity        func() Identity
	compactor       *Compactor
	extractEvery    int
	providerTimeout time.Duration
}

// New creates a Runner from the config.
func New(cfg Config) *Runner {
	identity := cfg.Identity
	if identity == nil {
		identity = func() Identity { return Identity{} }
	}
	extractEvery := cfg.ExtractEvery
	if extractEvery <= 0 {
		extractEvery = rag.DefaultExtractEveryTurns
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Runner{
		sessions:        cfg.Sessions,
		registry:        cfg.Registry,
		index:           cfg.Index,
		home:            cfg.Home,
		scheduler:       cfg.Scheduler,
		extractor:       cfg.Extractor,
		identity:        identity,
		compactor:       NewCompactor(cfg.OutputReserve),
		extractEvery:    extractEvery,
		providerTimeout: timeout,
	}
}

// Run executes one turn. The user message is persisted before Run
// returns; the returned channel carries the rest of the turn and is
// closed after the terminal stream_end event.
func (r *Runner) Run(ctx context.Context, req *TurnRequest) (<-chan Event, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	req.Text = text

	sess, err := r.sessions.GetOrCreate(req.SessionID)
	if err != nil {
		return nil, err
	}

	userMsg, err := r.sessions.Append(sess.ID, &session.Message{
		Role:        session.RoleUser,
		Content:     text,
		Status:      session.StatusCompleted,
		Attachments: req.Attachments,
	})
	if err != nil {
		return nil, err
	}

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		r.runTurn(ctx, req, sess, userMsg, events)
	}()
	return events, nil
}

func (r *Runner) runTurn(ctx context.Context, req *TurnRequest, sess *session.Session, userMsg *session.Message, events chan<- Event) {
	events <- Event{Type: EventUserMessage, Message: userMsg}

	contextBlock := ""
	if r.index != nil {
		contextBlock = rag.BuildContextBlock(r.index.RetrieveForTurn(ctx, req.Text))
	}

	var toolDefs []ai.ToolDefinition
	if r.registry != nil {
		toolDefs = r.registry.Definitions()
	}
	systemPrompt := BuildSystemPrompt(r.identity(), time.Now())

	tctx := &tools.Context{
		SessionID: sess.ID,
		Home:      r.home,
		Index:     r.index,
		Sessions:  r.sessions,
		Scheduler: r.scheduler,
	}

	for iteration := 0; ; iteration++ {
		if iteration >= MaxToolIterations {
			logging.Warnf("[runner] session %s: tool loop exhausted after %d rounds", sess.ID, iteration)
			events <- Event{Type: EventStreamEnd, Success: false, Error: "tool loop exhausted"}
			return
		}

		history, err := r.sessions.Messages(sess.ID)
		if err != nil {
			events <- Event{Type: EventStreamEnd, Success: false, Error: err.Error()}
			return
		}
		msgs := r.compactor.BuildMessages(history, contextBlock, req.Model, toolDefs)

		done, ok := r.runRound(ctx, req, sess, msgs, toolDefs, systemPrompt, tctx, events)
		if !ok {
			return
		}
		if done {
			break
		}
	}

	go r.postTurn(req, sess.ID)
}

// runRound executes one provider call and, when the model requests
// tools, their serialized dispatch. It returns (done, ok): done means
// the turn finished cleanly, ok=false means it ended on the error path
// (the terminal event is already emitted).
func (r *Runner) runRound(ctx context.Context, req *TurnRequest, sess *session.Session, msgs []session.Message, toolDefs []ai.ToolDefinition, systemPrompt string, tctx *tools.Context, events chan<- Event) (bool, bool) {
	assistant, err := r.sessions.Append(sess.ID, &session.Message{
		Role:   session.RoleAssistant,
		Status: session.StatusStreaming,
	})
	if err != nil {
		events <- Event{Type: EventStreamEnd, Success: false, Error: err.Error()}
		return false, false
	}
	events <- Event{Type: EventStreamStart, MessageID: assistant.ID}

	pctx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()

	stream, err := req.Provider.Stream(pctx, &ai.ChatRequest{
		System:   systemPrompt,
		Messages: msgs,
		Tools:    toolDefs,
		Model:    req.Model,
	})
	if err != nil {
		r.failAssistant(sess.ID, assistant.ID, err.Error())
		events <- Event{Type: EventStreamEnd, Success: false, Error: err.Error()}
		return false, false
	}

	var calls []session.ToolCall
	var usage *session.TokenUsage
	finish := ai.FinishStop

	for ev := range stream {
		switch ev.Type {
		case ai.EventChunk:
			if ev.Text == "" {
				continue
			}
			if err := r.sessions.Update(sess.ID, assistant.ID, session.Patch{AppendContent: ev.Text}); err != nil {
				logging.Warnf("[runner] chunk persist failed: %v", err)
			}
			events <- Event{Type: EventStreamChunk, Chunk: ev.Text}
		case ai.EventToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case ai.EventUsage:
			usage = ev.Usage
		case ai.EventEnd:
			finish = ev.FinishReason
		case ai.EventError:
			errMsg := "provider error"
			if ev.Err != nil {
				errMsg = ev.Err.Message
			}
			if ctx.Err() != nil {
				errMsg = "cancelled"
			}
			r.failAssistant(sess.ID, assistant.ID, errMsg)
			events <- Event{Type: EventStreamEnd, Success: false, Error: errMsg}
			return false, false
		}
	}

	// A tool_calls finish with no actual calls is a plain stop.
	if finish == ai.FinishToolCalls && len(calls) == 0 {
		finish = ai.FinishStop
	}

	if finish == ai.FinishToolCalls {
		patch := session.Patch{
			Status:        session.StatusCompleted,
			MergeMetadata: &session.Metadata{ToolCalls: calls, TokenUsage: usage},
		}
		if err := r.sessions.Update(sess.ID, assistant.ID, patch); err != nil {
			events <- Event{Type: EventStreamEnd, Success: false, Error: err.Error()}
			return false, false
		}
		r.dispatchTools(ctx, calls, tctx, events)
		return false, true
	}

	if finish == ai.FinishLength {
		if err := r.sessions.Update(sess.ID, assistant.ID, session.Patch{AppendContent: "\n[response truncated]"}); err != nil {
			logging.Warnf("[runner] truncation marker persist failed: %v", err)
		}
	}

	patch := session.Patch{Status: session.StatusCompleted}
	if usage != nil {
		patch.MergeMetadata = &session.Metadata{TokenUsage: usage}
	}
	if err := r.sessions.Update(sess.ID, assistant.ID, patch); err != nil {
		events <- Event{Type: EventStreamEnd, Success: false, Error: err.Error()}
		return false, false
	}

	events <- Event{Type: EventStreamEnd, Success: true, Truncated: finish == ai.FinishLength}
	return true, true
}

// dispatchTools runs the round's tool calls in declaration order. Each
// result is persisted as a tool message keyed by tool_call_id; errors
// stay in-band so the model can react next round.
func (r *Runner) dispatchTools(ctx context.Context, calls []session.ToolCall, tctx *tools.Context, events chan<- Event) {
	for i := range calls {
		call := calls[i]
		events <- Event{Type: EventToolCall, ToolName: call.Name, ToolArgs: call.Args}

		result := r.registry.Execute(ctx, &call, tctx)

		status := session.StatusCompleted
		errMsg := ""
		if result.IsError {
			status = session.StatusError
			errMsg = result.Content
		}
		_, err := r.sessions.Append(tctx.SessionID, &session.Message{
			Role:         session.RoleTool,
			Content:      result.Content,
			Status:       status,
			ErrorMessage: errMsg,
			Metadata:     session.Metadata{ToolCallID: call.ID},
		})
		if err != nil {
			logging.Warnf("[runner] tool result persist failed: %v", err)
		}
		events <- Event{Type: EventToolResult, ToolName: call.Name, ToolResult: result.Content}
	}
}

func (r *Runner) failAssistant(sessionID, messageID, errMsg string) {
	err := r.sessions.Update(sessionID, messageID, session.Patch{
		Status:       session.StatusError,
		ErrorMessage: errMsg,
	})
	if err != nil {
		logging.Warnf("[runner] error finalize failed: %v", err)
	}
}

// postTurn runs the fire-and-forget follow-ups: session summary
// refresh, turn indexing and, every few turns, memory extraction.
// Failures here never affect the finished turn.
func (r *Runner) postTurn(req *TurnRequest, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	msgs, err := r.sessions.Messages(sessionID)
	if err != nil {
		logging.Warnf("[runner] post-turn history load failed: %v", err)
		return
	}

	r.refreshSummary(sessionID, msgs, req)

	if r.index != nil {
		r.index.IndexTurn(ctx, sessionID, msgs)
	}

	if r.extractor != nil {
		userTurns := 0
		for _, m := range msgs {
			if m.Role == session.RoleUser {
				userTurns++
			}
		}
		if userTurns > 0 && userTurns%r.extractEvery == 0 {
			if n, err := r.extractor.Extract(ctx, msgs); err != nil {
				logging.Warnf("[runner] memory extraction failed: %v", err)
			} else if n > 0 {
				logging.Debugf("[runner] extracted %d memories from session %s", n, sessionID)
			}
		}
	}
}

func (r *Runner) refreshSummary(sessionID string, msgs []session.Message, req *TurnRequest) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return
	}

	title := ""
	if sess.Title == "" {
		for _, m := range msgs {
			if m.Role == session.RoleUser && m.Content != "" {
				title = truncate(m.Content, titleLength)
				break
			}
		}
	}

	preview := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == session.RoleAssistant && m.Status == session.StatusCompleted && m.Content != "" {
			preview = truncate(m.Content, previewLength)
			break
		}
	}

	providerID := ""
	if req.Provider != nil {
		providerID = req.Provider.ID()
	}
	if err := r.sessions.UpdateSummary(sessionID, title, "", preview, providerID, req.Model); err != nil {
		logging.Warnf("[runner] summary refresh failed: %v", err)
	}
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
