package providers

import (
	"time"
)

// XAIBaseURL is the OpenAI-compatible endpoint for xAI.
const XAIBaseURL = "https://api.x.ai/v1"

// XAIConfig configures the xAI provider.
type XAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewXAI creates a provider for xAI's Grok models. The API is
// OpenAI-compatible, so this is the OpenAI client pointed at the xAI
// endpoint with its own identity and default model.
func NewXAI(cfg XAIConfig) (*OpenAIProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = XAIBaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "grok-beta"
	}
	return NewOpenAI(OpenAIConfig{
		APIKey:       cfg.APIKey,
		BaseURL:      baseURL,
		DefaultModel: model,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		name:         "xai",
	})
}
