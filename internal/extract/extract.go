// Package extract turns a plain-text email body into website content
// by asking a text-generation model to extract or write it.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/mailsite/internal/llm"
)

// NoContentSentinel is the exact reply the model is told to give when
// the body holds nothing usable.
const NoContentSentinel = "No update content found"

// DefaultModel matches the model the service was first deployed with.
const DefaultModel = "gpt-3.5-turbo"

const systemPrompt = "You are a helpful assistant that generates or extracts content from emails to update website sections. " +
	"If the email contains instructions to create content, generate the content accordingly."

const userPromptPrefix = "Please generate or extract the content from this email body that should be used to update a website section. " +
	"If there's no clear content to generate or extract, respond with '" + NoContentSentinel + "':\n\n"

// Error wraps a failed generation call. The pipeline treats it the
// same as "no content" for the message.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "extract content: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// TokenObserver is told the token counts of each completed call.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithTokenObserver reports usage of every successful call to obs.
func WithTokenObserver(obs TokenObserver) Option {
	return func(e *Extractor) { e.tokens = obs }
}

// Extractor calls an llm.Client once per body.
type Extractor struct {
	client    llm.Client
	model     string
	maxTokens int
	tokens    TokenObserver
	logger    *slog.Logger
}

// New creates an Extractor. An empty model uses [DefaultModel] and a
// non-positive maxTokens uses [llm.DefaultMaxTokens].
func New(client llm.Client, model string, maxTokens int, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	e := &Extractor{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "extract"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the new section content for body, or "" when there
// is none. An empty body returns "" without calling the model. A
// failed call is logged and returned as *Error.
func (e *Extractor) Extract(ctx context.Context, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		e.logger.Info("email body is empty")
		return "", nil
	}

	resp, err := e.client.Chat(ctx, e.model, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPromptPrefix + body},
	}, llm.Options{MaxTokens: e.maxTokens})
	if err != nil {
		e.logFailure(err)
		return "", &Error{Err: err}
	}

	if e.tokens != nil {
		e.tokens.OnTokens(resp.InputTokens, resp.OutputTokens)
	}

	extracted := strings.TrimSpace(resp.Message.Content)
	e.logger.Info("extracted content", "content", extracted, "output_tokens", resp.OutputTokens)

	if extracted == NoContentSentinel {
		return "", nil
	}
	return extracted, nil
}

// logFailure includes the provider's error payload when there is one.
func (e *Extractor) logFailure(err error) {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		e.logger.Error("error extracting content from email body",
			"provider", apiErr.Provider,
			"status", apiErr.StatusCode,
			"details", apiErr.Body,
		)
		return
	}
	e.logger.Error("error extracting content from email body", "error", fmt.Sprint(err))
}
