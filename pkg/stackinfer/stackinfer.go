// Package stackinfer implements the Stack Inferencer (§4.3 C3): given a
// free-text project goal, recommend a backend/frontend/database stack
// either by nearest-neighbor lookup against seeded templates or, failing
// that, by asking the LLM Gateway directly.
package stackinfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/vectorutil"
)

// TemplateStore is the subset of pkg/store the Inferencer depends on.
type TemplateStore interface {
	NearestTemplates(ctx context.Context, embedding []float32, k int) ([]models.StackTemplate, error)
}

// Embedder is the subset of llmgateway.Gateway the Inferencer depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Complete(ctx context.Context, req llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error)
}

// fallbackStack is returned whenever embedding fails outright, so the
// pipeline never halts at this stage (§4.3 edge case).
var fallbackStack = models.StackInference{
	Backend:    "FastAPI",
	Frontend:   "React",
	Database:   "PostgreSQL",
	Confidence: 0.0,
	Fallback:   true,
}

// Inferencer is the Stack Inferencer component.
type Inferencer struct {
	templates           TemplateStore
	llm                 Embedder
	similarityThreshold float64
	tracer              trace.Tracer
}

// New constructs an Inferencer. similarityThreshold is the cosine-similarity
// cutoff above which a matched template is trusted outright (default 0.70).
func New(templates TemplateStore, llm Embedder, similarityThreshold float64) *Inferencer {
	return &Inferencer{
		templates:           templates,
		llm:                 llm,
		similarityThreshold: similarityThreshold,
		tracer:              otel.Tracer("swarmforge/stackinfer"),
	}
}

type llmStackGuess struct {
	Backend    string  `json:"backend"`
	Frontend   string  `json:"frontend"`
	Database   string  `json:"database"`
	Confidence float64 `json:"confidence"`
}

// Infer implements the algorithm from §4.3: embed, look up nearest
// template, accept it above threshold, otherwise fall back to a
// constrained LLM call.
func (i *Inferencer) Infer(ctx context.Context, scopeText string) (models.StackInference, error) {
	ctx, span := i.tracer.Start(ctx, "stack_inference.infer")
	defer span.End()

	embedding, err := i.llm.Embed(ctx, scopeText)
	if err != nil {
		slog.Warn("stackinfer: embedding failed, returning conservative default", "error", err)
		span.SetAttributes(attribute.Bool("fallback", true), attribute.Float64("confidence", 0.0))
		return fallbackStack, nil
	}

	matches, err := i.templates.NearestTemplates(ctx, embedding, 1)
	if err != nil {
		return models.StackInference{}, fmt.Errorf("stackinfer: nearest templates: %w", err)
	}

	if len(matches) > 0 {
		similarity := vectorutil.CosineSimilarity(embedding, matches[0].Embedding)
		span.SetAttributes(
			attribute.Float64("similarity", similarity),
			attribute.Bool("fallback", similarity < i.similarityThreshold),
		)
		if similarity >= i.similarityThreshold {
			span.SetAttributes(attribute.Float64("confidence", similarity))
			return models.StackInference{
				Backend:       matches[0].Backend,
				Frontend:      matches[0].Frontend,
				Database:      matches[0].Database,
				Confidence:    similarity,
				TemplateTitle: matches[0].Title,
				Fallback:      false,
			}, nil
		}
	}

	guess, err := i.askLLM(ctx, scopeText)
	if err != nil {
		slog.Warn("stackinfer: LLM fallback failed, returning conservative default", "error", err)
		return fallbackStack, nil
	}
	span.SetAttributes(attribute.Float64("confidence", guess.Confidence), attribute.Bool("fallback", true))
	return models.StackInference{
		Backend:    guess.Backend,
		Frontend:   guess.Frontend,
		Database:   guess.Database,
		Confidence: guess.Confidence,
		Fallback:   true,
	}, nil
}

func (i *Inferencer) askLLM(ctx context.Context, scopeText string) (llmStackGuess, error) {
	resp, err := i.llm.Complete(ctx, llmgateway.CompletionRequest{
		System: "You recommend a minimal, production-proven web stack for the described project. " +
			`Return JSON with keys backend, frontend, database, confidence (0-1). No prose.`,
		User:       scopeText,
		MaxTokens:  256,
		ExpectJSON: true,
	})
	if err != nil {
		return llmStackGuess{}, fmt.Errorf("stackinfer: llm completion: %w", err)
	}

	var guess llmStackGuess
	if err := json.Unmarshal([]byte(resp.Text), &guess); err != nil {
		return llmStackGuess{}, fmt.Errorf("stackinfer: parse llm guess: %w", err)
	}
	return guess, nil
}
