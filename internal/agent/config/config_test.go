package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

func init() {
	logging.Disable()
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, ":8089", cfg.Listen)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_HOME_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen: ":9000"
home:
  base_url: "http://homeassistant.local:8123"
  token: "${TEST_HOME_TOKEN}"
backends:
  - id: anthropic
    type: anthropic
    api_key: "sk-test"
    model: claude-sonnet-4
rag:
  extract_every_turns: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "secret-token", cfg.Home.Token)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "anthropic", cfg.Backends[0].Type)
	assert.Equal(t, 5, cfg.RAG.ExtractEveryTurns)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [broken"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPrefsSetGetPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	p, err := OpenPrefs(path)
	require.NoError(t, err)

	require.NoError(t, p.Set("agent_name", "Jarvis"))
	require.NoError(t, p.Set("language", "Polish"))
	assert.Equal(t, "Jarvis", p.Get("agent_name"))

	// A fresh open sees the persisted values.
	p2, err := OpenPrefs(path)
	require.NoError(t, err)
	assert.Equal(t, "Jarvis", p2.Get("agent_name"))
	assert.Equal(t, "Polish", p2.Get("language"))
}

func TestPrefsAcceptsAllRecognizedKeys(t *testing.T) {
	p, err := OpenPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, err)

	keys := []string{
		"agent_name", "agent_personality", "agent_emoji",
		"user_name", "user_info", "language", "onboarding_completed",
		"default_provider", "default_model",
		"rag_optimizer_provider", "rag_optimizer_model", "theme",
	}
	for _, key := range keys {
		assert.NoError(t, p.Set(key, "v"), key)
	}
}

func TestPrefsRejectsUnknownKey(t *testing.T) {
	p, err := OpenPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, err)

	err = p.Set("not_a_key", "x")
	require.Error(t, err)
	var unknown *ErrUnknownKey
	assert.ErrorAs(t, err, &unknown)
}

func TestPrefsEmptyValueDeletes(t *testing.T) {
	p, err := OpenPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, err)

	require.NoError(t, p.Set("theme", "dark"))
	require.NoError(t, p.Set("theme", ""))

	_, ok := p.All()["theme"]
	assert.False(t, ok)
}

func TestPrefsSnapshotIsCopy(t *testing.T) {
	p, err := OpenPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, err)
	require.NoError(t, p.Set("theme", "dark"))

	snap := p.All()
	snap["theme"] = "mutated"
	assert.Equal(t, "dark", p.Get("theme"))
}

func TestPrefsSubscriberSeesChanges(t *testing.T) {
	p, err := OpenPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, err)

	sub := p.Subscribe()
	require.NoError(t, p.Set("agent_name", "Hal"))

	select {
	case snap := <-sub:
		assert.Equal(t, "Hal", snap["agent_name"])
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
}

func TestPrefsWatchPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")

	p, err := OpenPrefs(path)
	require.NoError(t, err)
	require.NoError(t, p.Watch())
	t.Cleanup(func() { p.Close() })

	sub := p.Subscribe()

	data, err := json.Marshal(map[string]string{"agent_name": "EditedOutside"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	select {
	case snap := <-sub:
		assert.Equal(t, "EditedOutside", snap["agent_name"])
	case <-time.After(3 * time.Second):
		t.Fatal("external edit not observed")
	}
	assert.Equal(t, "EditedOutside", p.Get("agent_name"))
}
