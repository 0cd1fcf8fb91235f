package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"Xinyu/server/internal/config"
	"Xinyu/server/internal/logging"
)

// FailureKind classifies a failed completion.
type FailureKind string

const (
	// FailureTransport covers network errors and timeouts.
	FailureTransport FailureKind = "transport"
	// FailureStatus is a non-success HTTP status from the provider.
	FailureStatus FailureKind = "status"
	// FailureEmpty means the call succeeded but produced nothing usable,
	// including provider stop reasons such as content filtering.
	FailureEmpty FailureKind = "empty"
)

// GenerationError is the typed failure returned by GenerationClient.
type GenerationError struct {
	Kind         FailureKind
	StatusCode   int
	FinishReason string
	Err          error
}

func (e *GenerationError) Error() string {
	switch e.Kind {
	case FailureStatus:
		return fmt.Sprintf("generation failed with status %d: %v", e.StatusCode, e.Err)
	case FailureEmpty:
		if e.FinishReason != "" {
			return fmt.Sprintf("generation returned no usable content (finish_reason=%s)", e.FinishReason)
		}
		return "generation returned no usable content"
	default:
		return fmt.Sprintf("generation transport failure: %v", e.Err)
	}
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *GenerationError) Retryable() bool {
	switch e.Kind {
	case FailureTransport:
		return true
	case FailureStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return true
	}
}

func failureKind(err error) (FailureKind, bool) {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Kind, true
	}
	return "", false
}

func IsTransport(err error) bool { k, ok := failureKind(err); return ok && k == FailureTransport }
func IsStatus(err error) bool    { k, ok := failureKind(err); return ok && k == FailureStatus }
func IsEmpty(err error) bool     { k, ok := failureKind(err); return ok && k == FailureEmpty }

// GenerationClient performs OpenAI-compatible chat completions against a
// configurable base URL.
type GenerationClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	logger      *slog.Logger
}

// NewGenerationClient builds a client. The configured timeout bounds each
// request and surfaces as a transport failure.
func NewGenerationClient(cfg config.GenerationConfig, logger *slog.Logger) *GenerationClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &GenerationClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		logger:      logging.OrDiscard(logger).With("component", "generation"),
	}
}

// Complete sends prompt as a single user message and returns the first
// non-blank completion.
func (c *GenerationClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}

	c.logger.Debug("completion",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if len(resp.Choices) == 0 {
		return "", &GenerationError{Kind: FailureEmpty, Err: errors.New("no choices returned")}
	}
	for _, choice := range resp.Choices {
		if choice.FinishReason == openai.FinishReasonContentFilter {
			continue
		}
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", &GenerationError{
		Kind:         FailureEmpty,
		FinishReason: string(resp.Choices[0].FinishReason),
		Err:          errors.New("all choices empty"),
	}
}

func classify(err error) *GenerationError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &GenerationError{Kind: FailureStatus, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &GenerationError{Kind: FailureStatus, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &GenerationError{Kind: FailureTransport, Err: err}
}
