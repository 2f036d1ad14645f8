// Package config loads the installation config file and the runtime
// preference store.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/ai"
)

// Config is the on-disk installation config. Values support ${ENV}
// expansion so secrets can stay out of the file.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Listen  string `yaml:"listen"`

	Home       HomeConfig         `yaml:"home"`
	Backends   []ai.BackendConfig `yaml:"backends"`
	Embeddings EmbeddingsConfig   `yaml:"embeddings"`
	RAG        RAGConfig          `yaml:"rag"`
	Tools      ToolsConfig        `yaml:"tools"`
	Timeouts   TimeoutsConfig     `yaml:"timeouts"`
}

// HomeConfig points at the smart-home control plane.
type HomeConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // openai or ollama
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// RAGConfig tunes the semantic index.
type RAGConfig struct {
	ExtractEveryTurns    int    `yaml:"extract_every_turns"`
	ExtractMinImportance int    `yaml:"extract_min_importance"`
	OptimizerProvider    string `yaml:"optimizer_provider"`
	OptimizerModel       string `yaml:"optimizer_model"`
}

// ToolsConfig gates tool capability groups and tunes handler timeouts.
type ToolsConfig struct {
	Enabled        map[string]bool `yaml:"enabled"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
}

// TimeoutsConfig tunes the per-call budgets.
type TimeoutsConfig struct {
	ProviderSeconds int `yaml:"provider_seconds"`
}

// Default returns the config used when no file exists.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Listen:  ":8089",
	}
}

// Load reads the YAML config at path, expanding ${ENV} references. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8089"
	}
	return cfg, nil
}
