package ai

import (
	"fmt"
)

// BackendConfig describes one configured backend. Type selects the
// adapter; OpenAI-compatible endpoints (OpenRouter, Groq, Mistral,
// LM Studio, vLLM) all ride the openai-compatible adapter with their
// own base URL.
type BackendConfig struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"` // anthropic, openai, openai-compatible, gemini, ollama
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	NativeTools *bool  `yaml:"native_tools"` // nil = adapter default
}

// Known OpenAI-compatible endpoints selectable by type name alone.
var compatBaseURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"lmstudio":   "http://localhost:1234/v1",
	"vllm":       "http://localhost:8000/v1",
}

// NewProvider builds the adapter for a backend config, layering the
// text tool protocol when the backend lacks native tool calling and
// the retry policy on top.
func NewProvider(cfg BackendConfig) (Provider, error) {
	var p Provider

	switch cfg.Type {
	case "anthropic":
		p = NewAnthropicProvider(cfg.APIKey, cfg.Model)
	case "openai":
		p = NewOpenAIProvider(cfg.APIKey, cfg.Model)
	case "gemini":
		p = NewGeminiProvider(cfg.APIKey, cfg.Model)
	case "ollama":
		p = NewOllamaProvider(cfg.BaseURL, cfg.Model)
	case "openai-compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("backend %s: openai-compatible requires base_url", cfg.ID)
		}
		p = NewOpenAICompatProvider(cfg.ID, cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		if baseURL, ok := compatBaseURLs[cfg.Type]; ok {
			url := cfg.BaseURL
			if url == "" {
				url = baseURL
			}
			id := cfg.ID
			if id == "" {
				id = cfg.Type
			}
			p = NewOpenAICompatProvider(id, url, cfg.APIKey, cfg.Model)
			break
		}
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}

	native := p.Capabilities().NativeTools
	if cfg.NativeTools != nil {
		native = *cfg.NativeTools
	}
	if !native {
		p = WithTextTools(p)
	}
	return WithRetry(p), nil
}
