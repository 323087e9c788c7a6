// Package llm abstracts the code synthesis provider. The evolution
// engine only ever sees Client; everything provider-specific stays
// behind it so a different backend (or a canned fake in tests) drops in
// without touching the pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"

	"genesis/internal/config"
)

// Client produces a completion for a prompt. Implementations must honor
// context cancellation and return an error rather than a partial result.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrNoProvider is returned when the configured provider is unknown.
var ErrNoProvider = errors.New("no such llm provider")

// FromConfig builds the configured provider.
func FromConfig(ctx context.Context, cfg *config.Config) (Client, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		return NewGemini(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.GetLLMTimeout())
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, cfg.LLM.Provider)
	}
}
