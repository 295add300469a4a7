package stackinfer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/stackinfer"
)

type fakeTemplates struct {
	templates []models.StackTemplate
}

func (f *fakeTemplates) NearestTemplates(_ context.Context, _ []float32, k int) ([]models.StackTemplate, error) {
	if k > len(f.templates) {
		k = len(f.templates)
	}
	return f.templates[:k], nil
}

type fakeLLM struct {
	embedding   []float32
	embedErr    error
	completeOut llmgateway.CompletionResponse
	completeErr error
}

func (f *fakeLLM) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.embedding, f.embedErr
}

func (f *fakeLLM) Complete(_ context.Context, _ llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error) {
	return f.completeOut, f.completeErr
}

func TestInfer_AcceptsTemplateAboveThreshold(t *testing.T) {
	templates := &fakeTemplates{templates: []models.StackTemplate{
		{Title: "Next.js SaaS", Backend: "FastAPI", Frontend: "Next.js", Database: "PostgreSQL", Embedding: []float32{1, 0, 0}},
	}}
	llm := &fakeLLM{embedding: []float32{1, 0, 0}}

	inf := stackinfer.New(templates, llm, 0.70)
	result, err := inf.Infer(context.Background(), "build a saas todo app")
	require.NoError(t, err)

	assert.False(t, result.Fallback)
	assert.Equal(t, "Next.js SaaS", result.TemplateTitle)
	assert.InDelta(t, 1.0, result.Confidence, 0.0001)
}

func TestInfer_FallsBackToLLMBelowThreshold(t *testing.T) {
	templates := &fakeTemplates{templates: []models.StackTemplate{
		{Title: "Django CMS", Backend: "Django", Frontend: "React", Database: "MySQL", Embedding: []float32{0, 1, 0}},
	}}
	llm := &fakeLLM{
		embedding:   []float32{1, 0, 0},
		completeOut: llmgateway.CompletionResponse{Text: `{"backend":"Express","frontend":"Vue","database":"SQLite","confidence":0.4}`},
	}

	inf := stackinfer.New(templates, llm, 0.70)
	result, err := inf.Infer(context.Background(), "build a minimal personal blog")
	require.NoError(t, err)

	assert.True(t, result.Fallback)
	assert.Equal(t, "Express", result.Backend)
	assert.InDelta(t, 0.4, result.Confidence, 0.0001)
}

func TestInfer_EmbeddingFailureReturnsConservativeDefault(t *testing.T) {
	templates := &fakeTemplates{}
	llm := &fakeLLM{embedErr: assertError("embedding service unavailable")}

	inf := stackinfer.New(templates, llm, 0.70)
	result, err := inf.Infer(context.Background(), "build something")
	require.NoError(t, err)

	assert.True(t, result.Fallback)
	assert.Equal(t, "FastAPI", result.Backend)
	assert.Equal(t, "React", result.Frontend)
	assert.Equal(t, "PostgreSQL", result.Database)
	assert.Zero(t, result.Confidence)
}

type assertError string

func (e assertError) Error() string { return string(e) }
