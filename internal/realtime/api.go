package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/rag"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/runner"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/kernel"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Sender delivers responses for one request. Clients implement it; so
// do test fakes.
type Sender interface {
	Send(*Response) error
}

// API dispatches UI requests onto the kernel.
type API struct {
	kernel *kernel.Kernel
}

// NewAPI creates the dispatcher.
func NewAPI(k *kernel.Kernel) *API {
	return &API{kernel: k}
}

// Handle routes one request. Streaming request types emit multiple
// responses sharing the request id before the terminal one.
func (a *API) Handle(ctx context.Context, s Sender, req *Request) {
	switch req.Type {
	case "ping":
		a.reply(s, req, "pong", nil)

	case "chat/send_stream":
		a.chatStream(ctx, s, req)
	case "chat/send":
		a.chatSend(ctx, s, req)

	case "sessions/list":
		a.sessionsList(s, req)
	case "sessions/get":
		a.sessionsGet(s, req)
	case "sessions/create":
		a.sessionsCreate(s, req)
	case "sessions/delete":
		a.sessionsDelete(ctx, s, req)
	case "sessions/generate_emoji":
		a.sessionsEmoji(ctx, s, req)

	case "rag/stats":
		a.ragStats(ctx, s, req)
	case "rag/search":
		a.ragSearch(ctx, s, req)
	case "rag/memories":
		a.ragMemories(ctx, s, req)
	case "rag/sessions":
		a.ragSessions(ctx, s, req)
	case "rag/memory/delete":
		a.ragMemoryDelete(ctx, s, req)
	case "rag/identity":
		a.ragIdentity(s, req)
	case "rag/identity/update":
		a.ragIdentityUpdate(s, req)
	case "rag/optimize/analyze":
		a.ragOptimizeAnalyze(ctx, s, req)
	case "rag/optimize/run":
		a.ragOptimizeRun(ctx, s, req)

	case "scheduler/list":
		a.schedulerList(s, req)
	case "scheduler/enable":
		a.schedulerEnable(s, req)
	case "scheduler/remove":
		a.schedulerRemove(s, req)
	case "scheduler/run":
		a.schedulerRun(ctx, s, req)
	case "scheduler/history":
		a.schedulerHistory(s, req)
	case "scheduler/status":
		a.schedulerStatus(s, req)

	case "preferences/get":
		a.reply(s, req, "result", a.kernel.Prefs.All())
	case "preferences/set":
		a.preferencesSet(s, req)

	case "providers/config":
		a.reply(s, req, "result", a.kernel.Backends())
	case "models/list":
		a.modelsList(ctx, s, req)
	case "config/models/get":
		a.configModelsGet(s, req)
	case "config/models/update":
		a.configModelsUpdate(s, req)

	default:
		a.fail(s, req, "unknown request type: "+req.Type)
	}
}

type chatParams struct {
	SessionID   string            `json:"session_id"`
	Message     string            `json:"message"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
	Debug       bool              `json:"debug"`
	Attachments []attachmentParam `json:"attachments"`
}

type attachmentParam struct {
	Filename      string `json:"filename"`
	MimeType      string `json:"mime_type"`
	ContentBase64 string `json:"content_base64"`
}

func (a *API) chatStream(ctx context.Context, s Sender, req *Request) {
	var params chatParams
	if !a.decode(s, req, &params) {
		return
	}

	events, err := a.kernel.Chat(ctx, params.SessionID, params.Message,
		params.Provider, params.Model, toAttachments(params.Attachments))
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}

	for ev := range events {
		resp := turnEventResponse(req.ID, ev)
		if resp == nil {
			continue
		}
		if err := s.Send(resp); err != nil {
			logging.Debugf("[realtime] stream send dropped: %v", err)
		}
	}
}

// turnEventResponse maps a runner event onto the wire protocol.
func turnEventResponse(id string, ev runner.Event) *Response {
	switch ev.Type {
	case runner.EventUserMessage:
		return &Response{Type: "user_message", ID: id, Data: ev.Message}
	case runner.EventStreamStart:
		return &Response{Type: "stream_start", ID: id, Data: map[string]any{"message_id": ev.MessageID}}
	case runner.EventStreamChunk:
		return &Response{Type: "stream_chunk", ID: id, Data: map[string]any{"chunk": ev.Chunk}}
	case runner.EventToolCall:
		return &Response{Type: "tool_call", ID: id, Data: map[string]any{
			"name": ev.ToolName, "args": json.RawMessage(ev.ToolArgs),
		}}
	case runner.EventToolResult:
		return &Response{Type: "tool_result", ID: id, Data: map[string]any{
			"name": ev.ToolName, "result": ev.ToolResult,
		}}
	case runner.EventStreamEnd:
		data := map[string]any{"success": ev.Success}
		if ev.Truncated {
			data["truncated"] = true
		}
		resp := &Response{Type: "stream_end", ID: id, Data: data}
		if ev.Error != "" {
			resp.Error = ev.Error
		}
		return resp
	}
	return nil
}

func (a *API) chatSend(ctx context.Context, s Sender, req *Request) {
	var params chatParams
	if !a.decode(s, req, &params) {
		return
	}
	text, err := a.kernel.ChatSync(ctx, params.SessionID, params.Message, params.Provider, params.Model)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", map[string]string{"response": text})
}

func (a *API) sessionsList(s Sender, req *Request) {
	sessions, err := a.kernel.Sessions.List()
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", sessions)
}

type sessionParams struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

func (a *API) sessionsGet(s Sender, req *Request) {
	var params sessionParams
	if !a.decode(s, req, &params) {
		return
	}
	sess, err := a.kernel.Sessions.Get(params.SessionID)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	msgs, err := a.kernel.Sessions.Messages(params.SessionID)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", map[string]any{"session": sess, "messages": msgs})
}

func (a *API) sessionsCreate(s Sender, req *Request) {
	var params sessionParams
	if !a.decode(s, req, &params) {
		return
	}
	sess, err := a.kernel.Sessions.Create(&session.Session{Title: params.Title})
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", sess)
}

func (a *API) sessionsDelete(ctx context.Context, s Sender, req *Request) {
	var params sessionParams
	if !a.decode(s, req, &params) {
		return
	}
	if err := a.kernel.DeleteSession(ctx, params.SessionID); err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", map[string]bool{"ok": true})
}

func (a *API) sessionsEmoji(ctx context.Context, s Sender, req *Request) {
	var params sessionParams
	if !a.decode(s, req, &params) {
		return
	}
	emoji, err := a.kernel.GenerateEmoji(ctx, params.SessionID)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", map[string]string{"emoji": emoji})
}

func (a *API) ragStats(ctx context.Context, s Sender, req *Request) {
	stats, err := a.kernel.Index.Stats(ctx)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", stats)
}

type ragParams struct {
	Query     string `json:"query"`
	K         int    `json:"k"`
	Kind      string `json:"kind"`
	Category  string `json:"category"`
	SessionID string `json:"session_id"`
	MemoryID  string `json:"memory_id"`
	Limit     int    `json:"limit"`
	Scope     string `json:"scope"`
	Force     bool   `json:"force"`
}

func (a *API) ragSearch(ctx context.Context, s Sender, req *Request) {
	var params ragParams
	if !a.decode(s, req, &params) {
		return
	}
	if params.K <= 0 {
		params.K = 10
	}
	a.reply(s, req, "result", a.kernel.Index.Search(ctx, params.Query, params.K, params.Kind))
}

func (a *API) ragMemories(ctx context.Context, s Sender, req *Request) {
	var params ragParams
	if !a.decode(s, req, &params) {
		return
	}
	if params.Query != "" {
		if params.K <= 0 {
			params.K = 20
		}
		a.reply(s, req, "result", a.kernel.Index.RecallMemories(ctx, params.Query, params.K, params.Category))
		return
	}
	records, err := a.kernel.Index.List(ctx, rag.KindMemory, params.Limit)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", records)
}

func (a *API) ragSessions(ctx context.Context, s Sender, req *Request) {
	var params ragParams
	if !a.decode(s, req, &params) {
		return
	}
	records, err := a.kernel.Index.List(ctx, rag.KindChunk, params.Limit)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	if params.SessionID != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.SessionID == params.SessionID {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	a.reply(s, req, "result", records)
}

func (a *API) ragMemoryDelete(ctx context.Context, s Sender, req *Request) {
	var params ragParams
	if !a.decode(s, req, &params) {
		return
	}
	if err := a.kernel.Index.ForgetMemory(ctx, params.MemoryID); err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", map[string]bool{"ok": true})
}

func (a *API) ragIdentity(s Sender, req *Request) {
	prefs := a.kernel.Prefs.All()
	a.reply(s, req, "result", map[string]string{
		"agent_name":        prefs["agent_name"],
		"agent_personality": prefs["agent_personality"],
		"language":          prefs["language"],
	})
}

func (a *API) ragIdentityUpdate(s Sender, req *Request) {
	var params map[string]string
	if !a.decode(s, req, &params) {
		return
	}
	for _, key := range []string{"agent_name", "agent_personality", "language"} {
		value, ok := params[key]
		if !ok {
			continue
		}
		if err := a.kernel.Prefs.Set(key, value); err != nil {
			a.fail(s, req, err.Error())
			return
		}
	}
	a.ragIdentity(s, req)
}

func (a *API) ragOptimizeAnalyze(ctx context.Context, s Sender, req *Request) {
	report, err := a.kernel.Index.Analyze(ctx)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", report)
}

func (a *API) ragOptimizeRun(ctx context.Context, s Sender, req *Request) {
	var params ragParams
	if !a.decode(s, req, &params) {
		return
	}
	provider, model, err := a.kernel.OptimizerProvider()
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}

	progress := a.kernel.Index.Optimize(ctx, rag.OptimizeParams{
		Provider: provider,
		Model:    model,
		Scope:    params.Scope,
		Force:    params.Force,
	})
	for ev := range progress {
		if err := s.Send(&Response{Type: "optimize_progress", ID: req.ID, Data: ev}); err != nil {
			logging.Debugf("[realtime] progress send dropped: %v", err)
		}
	}
	a.reply(s, req, "result", map[string]bool{"ok": true})
}

type schedulerParams struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Limit   int    `json:"limit"`
}

func (a *API) schedulerList(s Sender, req *Request) {
	jobs, err := a.kernel.Scheduler.List()
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", jobs)
}

func (a *API) schedulerEnable(s Sender, req *Request) {
	var params schedulerParams
	if !a.decode(s, req, &params) {
		return
	}
	if err := a.kernel.Scheduler.Enable(params.ID, params.Enabled); err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", map[string]bool{"ok": true})
}

func (a *API) schedulerRemove(s Sender, req *Request) {
	var params schedulerParams
	if !a.decode(s, req, &params) {
		return
	}
	if err := a.kernel.Scheduler.Remove(params.ID); err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", map[string]bool{"ok": true})
}

func (a *API) schedulerRun(ctx context.Context, s Sender, req *Request) {
	var params schedulerParams
	if !a.decode(s, req, &params) {
		return
	}
	rec, err := a.kernel.Scheduler.RunNow(ctx, params.ID)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", rec)
}

func (a *API) schedulerHistory(s Sender, req *Request) {
	var params schedulerParams
	if !a.decode(s, req, &params) {
		return
	}
	history, err := a.kernel.Scheduler.History(params.Limit)
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", history)
}

func (a *API) schedulerStatus(s Sender, req *Request) {
	status, err := a.kernel.Scheduler.Status()
	if err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", status)
}

func (a *API) preferencesSet(s Sender, req *Request) {
	var params struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !a.decode(s, req, &params) {
		return
	}
	if err := a.kernel.Prefs.Set(params.Key, params.Value); err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.reply(s, req, "result", a.kernel.Prefs.All())
}

func (a *API) modelsList(ctx context.Context, s Sender, req *Request) {
	type backendModels struct {
		Backend string   `json:"backend"`
		Models  []string `json:"models"`
	}

	var out []backendModels
	for _, bc := range a.kernel.Backends() {
		id := bc.ID
		if id == "" {
			id = bc.Type
		}
		entry := backendModels{Backend: id}
		if bc.Model != "" {
			entry.Models = append(entry.Models, bc.Model)
		}
		if bc.Type == "ollama" {
			if models, err := ai.ListOllamaModels(ctx, bc.BaseURL); err == nil {
				entry.Models = models
			}
		}
		out = append(out, entry)
	}
	a.reply(s, req, "result", out)
}

func (a *API) configModelsGet(s Sender, req *Request) {
	models := make(map[string]string)
	for _, bc := range a.kernel.Backends() {
		id := bc.ID
		if id == "" {
			id = bc.Type
		}
		models[id] = bc.Model
	}
	a.reply(s, req, "result", map[string]any{
		"models":           models,
		"default_provider": a.kernel.Prefs.Get("default_provider"),
		"default_model":    a.kernel.Prefs.Get("default_model"),
	})
}

func (a *API) configModelsUpdate(s Sender, req *Request) {
	var params struct {
		Backend string `json:"backend"`
		Model   string `json:"model"`
	}
	if !a.decode(s, req, &params) {
		return
	}
	if err := a.kernel.SetBackendModel(params.Backend, params.Model); err != nil {
		a.fail(s, req, err.Error())
		return
	}
	a.configModelsGet(s, req)
}

// decode unmarshals request params. Absent data leaves v at its zero
// value; handlers validate required fields themselves.
func (a *API) decode(s Sender, req *Request, v any) bool {
	if len(req.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		a.fail(s, req, "invalid request data: "+err.Error())
		return false
	}
	return true
}

func (a *API) reply(s Sender, req *Request, typ string, data any) {
	if err := s.Send(&Response{Type: typ, ID: req.ID, Data: data}); err != nil {
		logging.Debugf("[realtime] reply dropped: %v", err)
	}
}

func (a *API) fail(s Sender, req *Request, msg string) {
	if err := s.Send(&Response{Type: "error", ID: req.ID, Error: msg}); err != nil {
		logging.Debugf("[realtime] error reply dropped: %v", err)
	}
}

func toAttachments(params []attachmentParam) []session.Attachment {
	if len(params) == 0 {
		return nil
	}
	out := make([]session.Attachment, 0, len(params))
	for _, p := range params {
		out = append(out, session.Attachment{
			Filename:      p.Filename,
			MimeType:      p.MimeType,
			ContentBase64: p.ContentBase64,
			Size:          int64(len(p.ContentBase64)) * 3 / 4,
			IsImage:       strings.HasPrefix(p.MimeType, "image/"),
		})
	}
	return out
}
