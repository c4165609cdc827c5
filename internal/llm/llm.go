// Package llm wraps the text-generation backends behind a single Generate call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/kube-memory/internal/config"
)

// Generator produces text for a prompt. Implementations must honour ctx deadlines.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Provider names a generation backend.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderNone   Provider = "none"
)

// ErrDisabled is returned by the generator used when no provider is configured.
var ErrDisabled = errors.New("text generation disabled")

// New creates a Generator for the configured provider.
func New(cfg config.LLMConfig) (Generator, error) {
	switch Provider(strings.ToLower(cfg.Provider)) {
	case ProviderOllama, "":
		return NewOllama(cfg.BaseURL, cfg.Model), nil
	case ProviderClaude:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Claude API key is required")
		}
		return NewClaude(cfg.APIKey, cfg.Model), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return NewOpenAI(cfg.APIKey, cfg.Model), nil
	case ProviderNone:
		return Disabled(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: ollama, claude, openai, none)", cfg.Provider)
	}
}

// Disabled returns a Generator that always fails with ErrDisabled.
func Disabled() Generator {
	return GeneratorFunc(func(context.Context, string) (string, error) {
		return "", ErrDisabled
	})
}

// httpTimeout bounds a single request when the caller's context carries no deadline.
const httpTimeout = 120 * time.Second
