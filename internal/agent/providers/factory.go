package providers

import (
	"fmt"

	"github.com/tomluvoe/agentgw/internal/agent"
)

// Options are the common knobs for constructing any provider.
type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New constructs a provider by name: "anthropic", "openai", or "xai".
func New(name string, opts Options) (agent.Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			DefaultModel: opts.DefaultModel,
		})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			DefaultModel: opts.DefaultModel,
		})
	case "xai":
		return NewXAI(XAIConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			DefaultModel: opts.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
