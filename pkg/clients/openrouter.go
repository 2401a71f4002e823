package clients

import (
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
)

const openRouterURL = "https://openrouter.ai/api/v1"

// OpenRouter creates a client for the OpenAI-compatible OpenRouter API.
// Model names use OpenRouter's "vendor/model" form.
func OpenRouter(apiKey, model string) (*openai.LLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is not set")
	}
	if model == "" {
		model = "anthropic/claude-sonnet-4"
	}

	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(openRouterURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenRouter client: %w", err)
	}

	return llm, nil
}
