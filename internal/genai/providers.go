package genai

import (
	"fmt"
	"log/slog"
	"strings"
)

// ProviderConfig carries credentials and models for every supported provider, plus the
// order in which they are tried.
type ProviderConfig struct {
	Order []string // provider names, primary first: openai, claude, xai, gemini

	OpenAIKey   string
	OpenAIModel string
	ClaudeKey   string
	ClaudeModel string
	XAIKey      string
	XAIModel    string
	GeminiKey   string
	GeminiModel string
}

// NewProvidersFromConfig builds the ordered provider list. Providers named in Order but
// missing a key are skipped with a warning. Unknown names are an error.
func NewProvidersFromConfig(cfg ProviderConfig) ([]Provider, error) {
	var providers []Provider
	seen := make(map[string]bool)
	for _, raw := range cfg.Order {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		var (
			p   Provider
			err error
		)
		switch name {
		case "openai":
			p, err = newIfKey(cfg.OpenAIKey, func() (Provider, error) {
				return NewOpenAIProvider(WithName(name), WithAPIKey(cfg.OpenAIKey), WithModel(cfg.OpenAIModel))
			})
		case "claude", "anthropic":
			model := cfg.ClaudeModel
			if model == "" {
				model = DefaultClaudeModel
			}
			p, err = newIfKey(cfg.ClaudeKey, func() (Provider, error) {
				return NewOpenAIProvider(WithName("claude"), WithAPIKey(cfg.ClaudeKey), WithBaseURL(ClaudeBaseURL), WithModel(model))
			})
		case "xai", "grok":
			model := cfg.XAIModel
			if model == "" {
				model = DefaultXAIModel
			}
			p, err = newIfKey(cfg.XAIKey, func() (Provider, error) {
				return NewOpenAIProvider(WithName("xai"), WithAPIKey(cfg.XAIKey), WithBaseURL(XAIBaseURL), WithModel(model))
			})
		case "gemini":
			p, err = newIfKey(cfg.GeminiKey, func() (Provider, error) {
				return NewGeminiProvider(cfg.GeminiKey, cfg.GeminiModel)
			})
		default:
			return nil, fmt.Errorf("unknown AI provider %q", raw)
		}
		if err != nil {
			return nil, err
		}
		if p == nil {
			slog.Warn("NewProvidersFromConfig: provider has no API key, skipping", "provider", name)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		slog.Warn("NewProvidersFromConfig: no AI providers configured, replies will use canned fallback")
	}
	return providers, nil
}

func newIfKey(key string, build func() (Provider, error)) (Provider, error) {
	if key == "" {
		return nil, nil
	}
	return build()
}
