package providers

import (
	"fmt"
	"log/slog"

	"github.com/petrelhq/petrel/internal/config"
)

// BuildAdapters constructs one adapter per configured provider entry.
// Entries whose adapter cannot be constructed (bad AWS config, client init
// failure) are logged and skipped rather than failing startup; the router
// and doctor report them as absent.
func BuildAdapters(cfg *config.LLMConfig, logger *slog.Logger) map[string]Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	adapters := make(map[string]Adapter, len(cfg.Providers))
	for name, p := range cfg.Providers {
		adapter, err := buildAdapter(name, p, cfg)
		if err != nil {
			logger.Warn("provider unavailable", "provider", name, "error", err)
			continue
		}
		adapters[name] = adapter
	}
	return adapters
}

func buildAdapter(name string, p config.ProviderConfig, cfg *config.LLMConfig) (Adapter, error) {
	switch p.Type {
	case "anthropic":
		return NewAnthropicAdapter(AnthropicConfig{
			APIKey:     p.APIKey,
			BaseURL:    p.BaseURL,
			APIVersion: p.APIVersion,
			MaxTokens:  p.MaxTokens,
		}), nil

	case "openai":
		return NewOpenAIAdapter(OpenAIConfig{
			Name:      name,
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			MaxTokens: p.MaxTokens,
		}), nil

	case "gemini":
		return NewGeminiAdapter(GeminiConfig{
			APIKey:    p.APIKey,
			MaxTokens: p.MaxTokens,
		})

	case "bedrock":
		return NewBedrockAdapter(BedrockConfig{
			Region:    p.Region,
			MaxTokens: p.MaxTokens,
		})

	case "ollama":
		return NewOllamaAdapter(OllamaConfig{
			BaseURL:   p.BaseURL,
			MaxTokens: p.MaxTokens,
			Timeout:   cfg.RequestTimeout,
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

// BuildRouter assembles the failover chain: the default provider first,
// then the configured fallback chain in order, deduplicated. Providers
// without a constructed adapter are skipped.
func BuildRouter(cfg *config.LLMConfig, adapters map[string]Adapter, opts RouterConfig) (*Router, error) {
	names := make([]string, 0, len(cfg.FallbackChain)+1)
	names = append(names, cfg.Default)
	names = append(names, cfg.FallbackChain...)

	seen := make(map[string]bool, len(names))
	var targets []*Target
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		adapter, ok := adapters[name]
		if !ok {
			continue
		}
		targets = append(targets, &Target{
			Name:    name,
			Adapter: adapter,
			Model:   cfg.Providers[name].DefaultModel,
		})
	}

	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = cfg.FailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = cfg.Cooldown
	}
	return NewRouter(targets, opts)
}
