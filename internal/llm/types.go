package llm

import (
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-request generation parameters. Zero values leave the
// provider default in place, except MaxTokens for Anthropic which
// requires a value and falls back to [DefaultMaxTokens].
type Options struct {
	MaxTokens   int
	Temperature float64
}

// DefaultMaxTokens caps replies when the caller does not.
const DefaultMaxTokens = 500

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// APIError is returned when a provider answers with a non-2xx status.
// Body carries the provider's diagnostic payload, truncated.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
