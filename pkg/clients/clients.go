package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-researcher/pkg/config"
)

// New returns a text generation model from the provider selected in cfg.
// model overrides the provider's default model name.
func New(ctx context.Context, cfg *config.Config, model string) (llms.Model, error) {
	switch cfg.LLMProvider {
	case "google", "":
		return GoogleAi(ctx, cfg.GoogleApiKey, model)
	case "openrouter":
		return OpenRouter(cfg.OpenRouterApiKey, model)
	case "anthropic":
		return AnthropicAI(cfg.AnthropicApiKey, model)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLMProvider)
	}
}
