// Package llm provides chat-completion clients for the text-generation
// providers the extractor can use. Each provider translates the
// provider-neutral [Message] and [Options] to its own wire format at
// the boundary.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a single non-streaming chat request and returns the
	// assistant reply.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}

// Provider names accepted by [NewClient].
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ProviderConfig carries the connection settings for one provider.
type ProviderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// NewClient builds the client for cfg.Provider.
func NewClient(cfg ProviderConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, logger), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL, logger), nil
	case ProviderOllama:
		return NewOllamaClient(cfg.BaseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (valid: openai, anthropic, ollama)", cfg.Provider)
	}
}
