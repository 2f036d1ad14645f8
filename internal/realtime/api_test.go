package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/config"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/runner"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/kernel"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

func init() {
	logging.Disable()
}

// fakeSender records everything the API sends.
type fakeSender struct {
	responses []*Response
}

func (f *fakeSender) Send(resp *Response) error {
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSender) last(t *testing.T) *Response {
	t.Helper()
	require.NotEmpty(t, f.responses)
	return f.responses[len(f.responses)-1]
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	k, err := kernel.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return NewAPI(k)
}

func handle(a *API, s Sender, typ, id, data string) {
	req := &Request{Type: typ, ID: id}
	if data != "" {
		req.Data = json.RawMessage(data)
	}
	a.Handle(context.Background(), s, req)
}

func TestPing(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "ping", "1", "")
	resp := s.last(t)
	assert.Equal(t, "pong", resp.Type)
	assert.Equal(t, "1", resp.ID)
}

func TestUnknownTypeFails(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "nope/nothing", "2", "")
	resp := s.last(t)
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "nope/nothing")
}

func TestSessionsCreateListDelete(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "sessions/create", "1", `{"title":"Kitchen"}`)
	created := s.last(t)
	require.Equal(t, "result", created.Type)
	sess := created.Data.(*session.Session)
	assert.Equal(t, "Kitchen", sess.Title)

	handle(a, s, "sessions/list", "2", "")
	listed := s.last(t)
	require.Equal(t, "result", listed.Type)
	assert.Len(t, listed.Data.([]*session.Session), 1)

	handle(a, s, "sessions/delete", "3", `{"session_id":"`+sess.ID+`"}`)
	assert.Equal(t, "result", s.last(t).Type)

	handle(a, s, "sessions/get", "4", `{"session_id":"`+sess.ID+`"}`)
	assert.Equal(t, "error", s.last(t).Type)
}

func TestPreferencesRoundTrip(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "preferences/set", "1", `{"key":"agent_name","value":"Jarvis"}`)
	resp := s.last(t)
	require.Equal(t, "result", resp.Type)
	assert.Equal(t, "Jarvis", resp.Data.(map[string]string)["agent_name"])

	handle(a, s, "preferences/set", "2", `{"key":"bogus","value":"x"}`)
	assert.Equal(t, "error", s.last(t).Type)

	handle(a, s, "preferences/get", "3", "")
	resp = s.last(t)
	assert.Equal(t, "Jarvis", resp.Data.(map[string]string)["agent_name"])
}

func TestIdentityUpdate(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "rag/identity/update", "1", `{"agent_name":"Hal","language":"Polish"}`)
	resp := s.last(t)
	require.Equal(t, "result", resp.Type)
	ident := resp.Data.(map[string]string)
	assert.Equal(t, "Hal", ident["agent_name"])
	assert.Equal(t, "Polish", ident["language"])
}

func TestSchedulerEndpoints(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "scheduler/list", "1", "")
	assert.Equal(t, "result", s.last(t).Type)

	handle(a, s, "scheduler/status", "2", "")
	assert.Equal(t, "result", s.last(t).Type)

	handle(a, s, "scheduler/remove", "3", `{"id":"missing"}`)
	assert.Equal(t, "error", s.last(t).Type)
}

func TestConfigModelsEndpoints(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "config/models/get", "1", "")
	resp := s.last(t)
	require.Equal(t, "result", resp.Type)
	data := resp.Data.(map[string]any)
	_, ok := data["models"].(map[string]string)
	assert.True(t, ok)
	assert.Contains(t, data, "default_provider")
	assert.Contains(t, data, "default_model")

	handle(a, s, "config/models/update", "2", `{"backend":"missing","model":"m"}`)
	resp = s.last(t)
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "no backend")
}

func TestChatWithoutBackendFails(t *testing.T) {
	a := newTestAPI(t)
	s := &fakeSender{}

	handle(a, s, "chat/send_stream", "1", `{"session_id":"s1","message":"hi"}`)
	resp := s.last(t)
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "no backend")
}

func TestTurnEventMapping(t *testing.T) {
	resp := turnEventResponse("42", runner.Event{Type: runner.EventStreamStart, MessageID: "m1"})
	require.NotNil(t, resp)
	assert.Equal(t, "stream_start", resp.Type)
	assert.Equal(t, "42", resp.ID)
	assert.Equal(t, "m1", resp.Data.(map[string]any)["message_id"])

	resp = turnEventResponse("42", runner.Event{Type: runner.EventStreamEnd, Success: false, Error: "boom"})
	require.NotNil(t, resp)
	assert.Equal(t, "stream_end", resp.Type)
	assert.Equal(t, "boom", resp.Error)
	assert.Equal(t, false, resp.Data.(map[string]any)["success"])

	resp = turnEventResponse("42", runner.Event{
		Type: runner.EventToolCall, ToolName: "get_state", ToolArgs: json.RawMessage(`{"entity_id":"light.kitchen"}`),
	})
	require.NotNil(t, resp)
	assert.Equal(t, "tool_call", resp.Type)
	assert.Equal(t, "get_state", resp.Data.(map[string]any)["name"])
}
