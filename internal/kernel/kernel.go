// Package kernel wires the agent subsystems together and owns their
// lifecycle. Nothing here is global; a test can stand up a whole kernel
// against a temp directory.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/config"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/embeddings"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/rag"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/runner"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/scheduler"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/session"
	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/tools"
	"github.com/Thioby/homeclaw-agent-sub000/internal/db"
	"github.com/Thioby/homeclaw-agent-sub000/internal/home"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// sweepInterval is how often expired index records are purged.
const sweepInterval = time.Hour

// ErrNoBackend is returned when no provider matches a chat request.
var ErrNoBackend = errors.New("no backend configured")

// Kernel is the assembled agent.
type Kernel struct {
	cfg *config.Config

	DB        *sql.DB
	Sessions  *session.Store
	Embedder  *embeddings.Service
	Index     *rag.Index
	Registry  *tools.Registry
	Home      home.Client
	Scheduler *scheduler.Scheduler
	Runner    *runner.Runner
	Prefs     *config.Prefs

	mu        sync.RWMutex
	providers map[string]ai.Provider
	backends  map[string]ai.BackendConfig

	stopSweep chan struct{}
}

// New assembles a kernel from the installation config.
func New(cfg *config.Config) (*Kernel, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	database, err := db.Open(filepath.Join(cfg.DataDir, "homeclaw.db"))
	if err != nil {
		return nil, err
	}

	prefs, err := config.OpenPrefs(filepath.Join(cfg.DataDir, "prefs.json"))
	if err != nil {
		database.Close()
		return nil, err
	}
	if err := prefs.Watch(); err != nil {
		logging.Warnf("[kernel] preference watcher unavailable: %v", err)
	}

	embedder, err := embeddings.NewService(database, embeddingProvider(cfg.Embeddings))
	if err != nil {
		database.Close()
		return nil, err
	}

	k := &Kernel{
		cfg:       cfg,
		DB:        database,
		Sessions:  session.NewStore(database),
		Embedder:  embedder,
		Index:     rag.NewIndex(database, embedder),
		Registry:  tools.NewRegistry(),
		Prefs:     prefs,
		providers: make(map[string]ai.Provider),
		backends:  make(map[string]ai.BackendConfig),
	}

	k.Registry.RegisterDefaults(cfg.Tools.Enabled)
	if cfg.Tools.TimeoutSeconds > 0 {
		k.Registry.SetTimeout(time.Duration(cfg.Tools.TimeoutSeconds) * time.Second)
	}

	if cfg.Home.BaseURL != "" {
		k.Home = home.NewRESTClient(home.RESTConfig{
			BaseURL: cfg.Home.BaseURL,
			Token:   cfg.Home.Token,
		})
	}

	for _, bc := range cfg.Backends {
		id := bc.ID
		if id == "" {
			id = bc.Type
		}
		provider, err := ai.NewProvider(bc)
		if err != nil {
			logging.Warnf("[kernel] backend %s skipped: %v", id, err)
			continue
		}
		k.providers[id] = provider
		k.backends[id] = bc
	}

	k.Scheduler = scheduler.New(database, k.schedulerTurn)

	k.Runner = runner.New(runner.Config{
		Sessions:        k.Sessions,
		Registry:        k.Registry,
		Index:           k.Index,
		Home:            k.Home,
		Scheduler:       k.Scheduler,
		Extractor:       k.extractor(),
		Identity:        k.identity,
		ExtractEvery:    cfg.RAG.ExtractEveryTurns,
		ProviderTimeout: time.Duration(cfg.Timeouts.ProviderSeconds) * time.Second,
	})

	return k, nil
}

// Start launches the background machinery: the scheduler, the entity
// indexer, and the expiry sweep.
func (k *Kernel) Start(ctx context.Context) {
	k.Scheduler.Start()

	k.stopSweep = make(chan struct{})
	go k.sweepLoop(k.stopSweep)

	if k.Home != nil && k.Embedder.HasProvider() {
		go k.indexEntities(ctx)
	}
}

// Close shuts the kernel down. Safe to call once.
func (k *Kernel) Close() error {
	if k.stopSweep != nil {
		close(k.stopSweep)
	}
	k.Scheduler.Stop()
	k.Prefs.Close()
	return k.DB.Close()
}

// Provider resolves a backend by name. An empty name falls back to the
// default_provider preference, then to the sole configured backend.
func (k *Kernel) Provider(name string) (ai.Provider, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if name == "" {
		name = k.Prefs.Get("default_provider")
	}
	if name == "" && len(k.providers) == 1 {
		for id := range k.providers {
			name = id
		}
	}
	p, ok := k.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBackend, name)
	}
	return p, nil
}

// Backends returns the configured backend descriptors with secrets
// blanked, for the providers/config surface.
func (k *Kernel) Backends() []ai.BackendConfig {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]ai.BackendConfig, 0, len(k.backends))
	for _, bc := range k.backends {
		bc.APIKey = ""
		out = append(out, bc)
	}
	return out
}

// SetBackendModel changes a configured backend's default model at
// runtime. The provider is rebuilt so its own fallback model matches.
func (k *Kernel) SetBackendModel(id, model string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	bc, ok := k.backends[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoBackend, id)
	}
	bc.Model = model
	provider, err := ai.NewProvider(bc)
	if err != nil {
		return fmt.Errorf("failed to rebuild backend %s: %w", id, err)
	}
	k.backends[id] = bc
	k.providers[id] = provider
	return nil
}

// ResolveModel picks the model for a request: explicit beats the
// default_model preference beats the backend's configured model.
func (k *Kernel) ResolveModel(providerName, model string) string {
	if model != "" {
		return model
	}
	if m := k.Prefs.Get("default_model"); m != "" {
		return m
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if bc, ok := k.backends[providerName]; ok {
		return bc.Model
	}
	return ""
}

// Chat runs one streaming turn.
func (k *Kernel) Chat(ctx context.Context, sessionID, text, providerName, model string, attachments []session.Attachment) (<-chan runner.Event, error) {
	provider, err := k.Provider(providerName)
	if err != nil {
		return nil, err
	}
	return k.Runner.Run(ctx, &runner.TurnRequest{
		SessionID:   sessionID,
		Text:        text,
		Attachments: attachments,
		Provider:    provider,
		Model:       k.ResolveModel(providerName, model),
	})
}

// ChatSync runs a turn to completion and returns the final assistant
// text. Used for the non-streaming API and scheduled turns.
func (k *Kernel) ChatSync(ctx context.Context, sessionID, text, providerName, model string) (string, error) {
	events, err := k.Chat(ctx, sessionID, text, providerName, model, nil)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case runner.EventStreamChunk:
			b.WriteString(ev.Chunk)
		case runner.EventStreamEnd:
			if !ev.Success {
				return b.String(), errors.New(ev.Error)
			}
		}
	}
	return b.String(), nil
}

// DeleteSession removes a session and its derived index chunks.
func (k *Kernel) DeleteSession(ctx context.Context, sessionID string) error {
	if err := k.Sessions.Delete(sessionID); err != nil {
		return err
	}
	if err := k.Index.DeleteSessionChunks(ctx, sessionID); err != nil {
		logging.Warnf("[kernel] chunk cleanup for %s failed: %v", sessionID, err)
	}
	return nil
}

// GenerateEmoji asks the default provider for a single emoji matching
// the session topic. Best-effort: failures leave the emoji unset.
func (k *Kernel) GenerateEmoji(ctx context.Context, sessionID string) (string, error) {
	sess, err := k.Sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	provider, err := k.Provider("")
	if err != nil {
		return "", err
	}

	topic := sess.Title
	if topic == "" {
		topic = sess.Preview
	}
	if topic == "" {
		return "", errors.New("session has no content yet")
	}

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	stream, err := provider.Stream(callCtx, &ai.ChatRequest{
		System: "Reply with exactly one emoji that represents the topic. No words.",
		Messages: []session.Message{{
			Role: session.RoleUser, Content: topic, Status: session.StatusCompleted,
		}},
		Model:     k.ResolveModel("", ""),
		MaxTokens: 16,
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for ev := range stream {
		if ev.Type == ai.EventChunk {
			text.WriteString(ev.Text)
		}
		if ev.Type == ai.EventError && ev.Err != nil {
			return "", ev.Err
		}
	}

	emoji := firstEmoji(text.String())
	if emoji == "" {
		return "", errors.New("model returned no emoji")
	}
	if err := k.Sessions.UpdateSummary(sessionID, "", emoji, "", "", ""); err != nil {
		return "", err
	}
	return emoji, nil
}

// identity snapshots the persona preferences for the system prompt.
func (k *Kernel) identity() runner.Identity {
	prefs := k.Prefs.All()
	return runner.Identity{
		AgentName:   prefs["agent_name"],
		Personality: prefs["agent_personality"],
		Language:    prefs["language"],
	}
}

// extractor builds the memory extractor over the optimizer backend, or
// the default backend when none is set. Nil when no backend exists.
func (k *Kernel) extractor() *rag.Extractor {
	name := k.cfg.RAG.OptimizerProvider
	provider, err := k.Provider(name)
	if err != nil {
		logging.Infof("[kernel] memory extraction disabled: %v", err)
		return nil
	}
	return rag.NewExtractor(provider, k.Index, k.cfg.RAG.ExtractMinImportance)
}

// OptimizerProvider resolves the backend and model used for index
// optimization runs.
func (k *Kernel) OptimizerProvider() (ai.Provider, string, error) {
	name := k.Prefs.Get("rag_optimizer_provider")
	if name == "" {
		name = k.cfg.RAG.OptimizerProvider
	}
	provider, err := k.Provider(name)
	if err != nil {
		return nil, "", err
	}
	model := k.Prefs.Get("rag_optimizer_model")
	if model == "" {
		model = k.cfg.RAG.OptimizerModel
	}
	if model == "" {
		model = k.ResolveModel(name, "")
	}
	return provider, model, nil
}

// schedulerTurn is the TurnFunc injected into the scheduler.
func (k *Kernel) schedulerTurn(ctx context.Context, sessionID, text string) (string, error) {
	return k.ChatSync(ctx, sessionID, text, "", "")
}

// indexEntities snapshots the control-plane registry into the index.
func (k *Kernel) indexEntities(ctx context.Context) {
	entities, err := k.Home.Registry(ctx)
	if err != nil {
		logging.Warnf("[kernel] entity registry fetch failed: %v", err)
		return
	}
	if err := k.Index.IndexEntities(ctx, entities); err != nil {
		logging.Warnf("[kernel] entity indexing failed: %v", err)
		return
	}
	logging.Infof("[kernel] indexed %d entities", len(entities))
}

func (k *Kernel) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if n, err := k.Index.SweepExpired(ctx); err != nil {
				logging.Warnf("[kernel] expiry sweep failed: %v", err)
			} else if n > 0 {
				logging.Debugf("[kernel] swept %d expired records", n)
			}
			cancel()
		}
	}
}

// embeddingProvider builds the configured embedding backend, nil when
// unconfigured.
func embeddingProvider(cfg config.EmbeddingsConfig) embeddings.Provider {
	switch cfg.Provider {
	case "openai":
		return embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		return embeddings.NewOllamaProvider(embeddings.OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case "":
		return nil
	default:
		logging.Warnf("[kernel] unknown embeddings provider %q, semantic index disabled", cfg.Provider)
		return nil
	}
}

// firstEmoji extracts the first emoji rune sequence from text.
func firstEmoji(s string) string {
	for _, r := range strings.TrimSpace(s) {
		if r >= 0x1F000 || (r >= 0x2600 && r <= 0x27BF) {
			return string(r)
		}
	}
	return ""
}
