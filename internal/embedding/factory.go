package embedding

import (
	"fmt"
	"time"
)

// FactoryConfig is the provider-agnostic configuration consumed by New.
type FactoryConfig struct {
	// Provider selects the backend: "ollama", "openai", or "none".
	Provider string

	// BaseURL overrides the backend host.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// APIKey authenticates hosted providers.
	APIKey string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// RequestsPerSecond rate-limits outgoing calls.
	RequestsPerSecond float64
}

// New creates the Provider selected by cfg. A "none" or empty provider
// returns (nil, nil): running without embeddings is a valid configuration
// that degrades retrieval to lexical-only and disables merge.
func New(cfg FactoryConfig) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}), nil
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}
