package llm

import (
	"fmt"

	"supportflow/pkg/config"
)

// NewFromConfig constructs the configured provider client wrapped with the
// default transport retry policy.
func NewFromConfig(cfg *config.Config) (LLMClient, error) {
	var raw LLMClient
	switch cfg.LLM.Provider {
	case config.ProviderAnthropic:
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		raw = NewClaudeClient(cfg.LLM.APIKey, cfg.LLM.Model)
	case config.ProviderOpenAI:
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		raw = NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.Model)
	case config.ProviderGemini:
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		raw = NewGeminiClient(cfg.LLM.APIKey, cfg.LLM.Model)
	case config.ProviderOllama:
		raw = NewOllamaClient(cfg.Endpoints.OllamaHost, cfg.LLM.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}
	return NewRetryableClient(raw, DefaultRetryConfig), nil
}
