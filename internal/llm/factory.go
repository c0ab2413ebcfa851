package llm

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultModels is used when no model is configured.
var DefaultModels = map[string]string{
	"gemini":    "gemini-2.0-flash",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-20250514",
}

type BackendConfig struct {
	Provider string
	APIKey   string
	Model    string
	// BaseURL replaces the provider's public endpoint, e.g. for a proxy.
	BaseURL string
}

// NewBackend returns the backend for cfg.Provider.
func NewBackend(cfg BackendConfig) (Backend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	model := cfg.Model
	if model == "" {
		model = DefaultModels[provider]
	}

	var defaultURL string
	switch provider {
	case "gemini":
		defaultURL = geminiBaseURL
	case "openai":
		defaultURL = openAIBaseURL
	case "anthropic":
		defaultURL = anthropicBaseURL
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, errors.New(provider + ": API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultURL
	}

	client := newClient(baseURL)
	switch provider {
	case "gemini":
		return &geminiBackend{client: client, apiKey: cfg.APIKey, model: model}, nil
	case "openai":
		return &openAIBackend{client: client, apiKey: cfg.APIKey, model: model}, nil
	default:
		return &anthropicBackend{client: client, apiKey: cfg.APIKey, model: model}, nil
	}
}
