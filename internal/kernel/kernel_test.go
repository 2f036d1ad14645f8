package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/config"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

func init() {
	logging.Disable()
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestNewWiresSubsystems(t *testing.T) {
	k := newTestKernel(t)

	assert.NotNil(t, k.Sessions)
	assert.NotNil(t, k.Index)
	assert.NotNil(t, k.Registry)
	assert.NotNil(t, k.Scheduler)
	assert.NotNil(t, k.Runner)
	assert.NotNil(t, k.Prefs)

	// All 15 default tools registered when nothing is gated off.
	assert.Len(t, k.Registry.Definitions(), 15)
}

func TestProviderResolutionNoBackends(t *testing.T) {
	k := newTestKernel(t)

	_, err := k.Provider("")
	assert.ErrorIs(t, err, ErrNoBackend)

	_, err = k.Chat(context.Background(), "s1", "hi", "", "", nil)
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestDeleteSessionCascades(t *testing.T) {
	k := newTestKernel(t)

	sess, err := k.Sessions.Create(&session.Session{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, k.DeleteSession(context.Background(), sess.ID))
	_, err = k.Sessions.Get(sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestIdentityFromPrefs(t *testing.T) {
	k := newTestKernel(t)

	require.NoError(t, k.Prefs.Set("agent_name", "Jarvis"))
	require.NoError(t, k.Prefs.Set("language", "Polish"))

	id := k.identity()
	assert.Equal(t, "Jarvis", id.AgentName)
	assert.Equal(t, "Polish", id.Language)
}

func TestResolveModelPrecedence(t *testing.T) {
	k := newTestKernel(t)

	assert.Equal(t, "explicit", k.ResolveModel("x", "explicit"))

	require.NoError(t, k.Prefs.Set("default_model", "pref-model"))
	assert.Equal(t, "pref-model", k.ResolveModel("x", ""))
}
