package llm

import (
	"fmt"
	"log/slog"
	"strings"
)

type ProviderType string

const (
	ProviderOpenAI   ProviderType = "openai"
	ProviderOllama   ProviderType = "ollama"
	ProviderLMStudio ProviderType = "lmstudio"
)

type providerDefaults struct {
	baseURL  string
	model    string
	needsKey bool
}

// All supported providers speak the OpenAI chat completions API.
var knownProviders = map[ProviderType]providerDefaults{
	ProviderOpenAI:   {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini", needsKey: true},
	ProviderOllama:   {baseURL: "http://localhost:11434/v1", model: "llama3.2"},
	ProviderLMStudio: {baseURL: "http://localhost:1234/v1", model: "local-model"},
}

func lookup(provider string) (providerDefaults, bool) {
	d, ok := knownProviders[ProviderType(strings.ToLower(provider))]
	return d, ok
}

// NewProvider validates cfg, fills in provider defaults and returns a client.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = GetDefaultBaseURL(cfg.Provider)
	}
	if cfg.Model == "" {
		cfg.Model = GetDefaultModel(cfg.Provider)
	}

	logger.Info("creating LLM provider", "provider", cfg.Provider, "model", cfg.Model, "base_url", cfg.BaseURL)
	return NewOpenAICompatProvider(cfg, logger)
}

// ValidateProviderConfig rejects unknown providers and a missing OpenAI key.
func ValidateProviderConfig(cfg ProviderConfig) error {
	d, ok := lookup(cfg.Provider)
	if !ok {
		return fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if d.needsKey && cfg.APIKey == "" {
		return fmt.Errorf("API key is required for %s provider", cfg.Provider)
	}
	return nil
}

func GetDefaultModel(provider string) string {
	d, _ := lookup(provider)
	return d.model
}

func GetDefaultBaseURL(provider string) string {
	d, _ := lookup(provider)
	return d.baseURL
}
