// Package scope implements the Scope Extractor (§4.4 C4): turns a user's
// free-text project request into a structured Scope, or asks for
// clarification when the request is too thin to extract from.
package scope

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
)

// StackInferrer is the subset of pkg/stackinfer the Extractor depends on.
type StackInferrer interface {
	Infer(ctx context.Context, scopeText string) (models.StackInference, error)
}

// LLM is the subset of llmgateway.Gateway the Extractor depends on.
type LLM interface {
	Complete(ctx context.Context, req llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error)
}

// NeedsClarification is returned by Extract when user_message is too
// sparse to extract a scope from.
type NeedsClarification struct {
	Questions []string
}

func (e *NeedsClarification) Error() string {
	return "scope: request needs clarification"
}

// ExtractionFailed is returned when the LLM's output does not parse even
// after one self-correction attempt.
type ExtractionFailed struct {
	Err error
}

func (e *ExtractionFailed) Error() string {
	return fmt.Sprintf("scope: extraction failed: %v", e.Err)
}

func (e *ExtractionFailed) Unwrap() error { return e.Err }

var greetingPatterns = []string{"hi", "hello", "hey", "yo", "sup", "good morning", "good afternoon"}

// Extractor is the Scope Extractor component.
type Extractor struct {
	llm   LLM
	stack StackInferrer
}

// New constructs an Extractor.
func New(llm LLM, stack StackInferrer) *Extractor {
	return &Extractor{llm: llm, stack: stack}
}

type extractedFields struct {
	ProjectName  string   `json:"project_name"`
	Goal         string   `json:"goal"`
	TechStack    techJSON `json:"tech_stack"`
	Features     []string `json:"features"`
	Competitors  []string `json:"competitors"`
	Timeline     string   `json:"timeline"`
	ScopeOfWorks struct {
		InScope    []string `json:"in_scope"`
		OutScope   []string `json:"out_scope"`
		Milestones []string `json:"milestones"`
		Risks      []string `json:"risks"`
		KPIs       []string `json:"kpis"`
	} `json:"scope_of_works"`
	Integrations      []string `json:"integrations"`
	PagesEstimate     int      `json:"pages_estimate"`
	ModelsEstimate    int      `json:"models_estimate"`
	EndpointsEstimate int      `json:"endpoints_estimate"`
}

type techJSON struct {
	Frontend   string `json:"frontend"`
	Backend    string `json:"backend"`
	Database   string `json:"database"`
	Auth       string `json:"auth"`
	Deployment string `json:"deployment"`
}

const extractionSystemPrompt = `You turn a free-text project request into structured project scope.
Return strict JSON matching this shape, no prose, no markdown fences:
{
  "project_name": string,
  "goal": string,
  "tech_stack": {"frontend": string, "backend": string, "database": string, "auth": string, "deployment": string},
  "features": [string],
  "integrations": [string],
  "competitors": [string],
  "timeline": string,
  "pages_estimate": int,
  "models_estimate": int,
  "endpoints_estimate": int,
  "scope_of_works": {"in_scope": [string], "out_scope": [string], "milestones": [string], "risks": [string], "kpis": [string]}
}`

// Extract implements §4.4. Returns *NeedsClarification as an error when
// the message is too sparse, and *ExtractionFailed if the LLM's output
// never parses.
func (e *Extractor) Extract(ctx context.Context, userMessage string) (models.Scope, error) {
	if needsClarification(userMessage) {
		return models.Scope{}, &NeedsClarification{Questions: clarifyingQuestions(userMessage)}
	}

	fields, err := e.extractFields(ctx, userMessage)
	if err != nil {
		fields, err = e.extractFields(ctx, userMessage+"\n\nYour previous answer did not parse as the required JSON. Return ONLY the JSON object, matching the schema exactly.")
		if err != nil {
			return models.Scope{}, &ExtractionFailed{Err: err}
		}
	}

	scopeInfo := models.Scope{
		ProjectName: fields.ProjectName,
		Goal:        fields.Goal,
		TechStack: models.TechStack{
			Frontend:   fields.TechStack.Frontend,
			Backend:    fields.TechStack.Backend,
			Database:   fields.TechStack.Database,
			Auth:       fields.TechStack.Auth,
			Deployment: fields.TechStack.Deployment,
		},
		Features:          fields.Features,
		Integrations:      fields.Integrations,
		Competitors:       fields.Competitors,
		Timeline:          fields.Timeline,
		PagesEstimate:     fields.PagesEstimate,
		ModelsEstimate:    fields.ModelsEstimate,
		EndpointsEstimate: fields.EndpointsEstimate,
		ScopeOfWorks: models.ScopeOfWorks{
			InScope:    fields.ScopeOfWorks.InScope,
			OutScope:   fields.ScopeOfWorks.OutScope,
			Milestones: fields.ScopeOfWorks.Milestones,
			Risks:      fields.ScopeOfWorks.Risks,
			KPIs:       fields.ScopeOfWorks.KPIs,
		},
	}

	inference, err := e.stack.Infer(ctx, scopeInfo.Goal)
	if err != nil {
		return models.Scope{}, fmt.Errorf("scope: stack inference: %w", err)
	}
	scopeInfo.StackInference = inference

	return scopeInfo, nil
}

func (e *Extractor) extractFields(ctx context.Context, userMessage string) (extractedFields, error) {
	resp, err := e.llm.Complete(ctx, llmgateway.CompletionRequest{
		System:     extractionSystemPrompt,
		User:       userMessage,
		MaxTokens:  2048,
		ExpectJSON: true,
	})
	if err != nil {
		return extractedFields{}, err
	}

	var fields extractedFields
	if err := json.Unmarshal([]byte(resp.Text), &fields); err != nil {
		return extractedFields{}, fmt.Errorf("parse extracted scope: %w", err)
	}
	return fields, nil
}

// needsClarification reports whether user_message is too sparse to
// extract a scope from: fewer than 5 tokens, or a bare greeting.
func needsClarification(userMessage string) bool {
	trimmed := strings.TrimSpace(userMessage)
	if trimmed == "" {
		return true
	}
	tokens := strings.Fields(trimmed)
	if len(tokens) < 5 {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, greeting := range greetingPatterns {
		if lower == greeting || strings.HasPrefix(lower, greeting+" ") || strings.HasPrefix(lower, greeting+",") {
			return true
		}
	}
	return false
}

func clarifyingQuestions(_ string) []string {
	return []string{
		"What should this project be called, and what problem does it solve?",
		"What's the expected tech stack, if you have a preference (frontend/backend/database)?",
		"Are there any must-have features or integrations for the first version?",
	}
}
