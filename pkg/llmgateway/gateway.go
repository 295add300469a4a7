// Package llmgateway is the sole path through which the orchestrator talks
// to a language model (§4.2 LLM Gateway). It owns retry/backoff, rate
// limiting, circuit breaking and JSON-fence stripping so every other
// component issues a plain Complete/Embed call and never touches an HTTP
// client directly.
package llmgateway

import (
	"context"
	"time"
)

// CompletionRequest is a typed request to the underlying model.
type CompletionRequest struct {
	System          string
	User            string
	Temperature     float64
	MaxTokens       int
	ReasoningEffort string // "low", "medium", "high"; Client does not send it to the provider
	ExpectJSON      bool
}

// CompletionResponse is what Complete returns on success.
type CompletionResponse struct {
	Text       string
	TokensUsed int
	Model      string
}

// Gateway is the capability every orchestration component depends on.
type Gateway interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RateLimited is returned when the provider itself signals backpressure
// (HTTP 429). RetryAfter is the provider's suggested wait, zero if absent.
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return "llmgateway: rate limited by provider"
}

// InvalidJSON is returned by Complete when ExpectJSON is true and the
// model's response (after fence-stripping) does not parse.
type InvalidJSON struct {
	Raw string
	Err error
}

func (e *InvalidJSON) Error() string {
	return "llmgateway: model response is not valid JSON: " + e.Err.Error()
}

func (e *InvalidJSON) Unwrap() error { return e.Err }
