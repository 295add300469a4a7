package config

import "fmt"

// Validate checks the fully merged configuration for internally
// consistent, usable values. It is intentionally hand-rolled rather than
// struct-tag-driven: the orchestrator's config surface is small and the
// cross-field checks below (min_conns against max_conns, coverage
// ordering) do not fit a single field's tag.
func Validate(c Config) error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Value: c.Server.Port, Reason: "must be a valid TCP port"}
	}
	if c.Database.MaxConns < 1 {
		return &ValidationError{Field: "database.max_conns", Value: c.Database.MaxConns, Reason: "must be >= 1"}
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return &ValidationError{Field: "database.min_conns", Value: c.Database.MinConns, Reason: "cannot exceed database.max_conns"}
	}
	if c.LLM.Model == "" {
		return &ValidationError{Field: "llm.model", Value: c.LLM.Model, Reason: "required"}
	}
	switch c.LLM.ReasoningEffort {
	case "", EffortLow, EffortMedium, EffortHigh:
	default:
		return &ValidationError{Field: "llm.reasoning_effort", Value: c.LLM.ReasoningEffort, Reason: "must be low, medium, or high"}
	}
	if c.LLM.RatePerKTokens < 0 {
		return &ValidationError{Field: "llm.rate_per_k_tokens", Value: c.LLM.RatePerKTokens, Reason: "cannot be negative"}
	}
	if c.SLO.CostUSD <= 0 {
		return &ValidationError{Field: "slo.cost_usd", Value: c.SLO.CostUSD, Reason: "must be > 0"}
	}
	if c.SLO.CoveragePct < 0 || c.SLO.CoveragePct > 100 {
		return &ValidationError{Field: "slo.coverage_pct", Value: c.SLO.CoveragePct, Reason: "must be in [0,100]"}
	}
	if c.SLO.ConfidenceMin < 0 || c.SLO.ConfidenceMin > 1 {
		return &ValidationError{Field: "slo.confidence_min", Value: c.SLO.ConfidenceMin, Reason: "must be in [0,1]"}
	}
	if c.Workflow.TestGateCoveragePct > c.SLO.CoveragePct {
		return &ValidationError{
			Field:  "workflow.test_gate_coverage_pct",
			Value:  c.Workflow.TestGateCoveragePct,
			Reason: fmt.Sprintf("exceeds slo.coverage_pct (%.1f); the workflow gate must be no stricter than the SLO gate", c.SLO.CoveragePct),
		}
	}
	if c.Monitor.TickSeconds < 1 {
		return &ValidationError{Field: "monitor.tick_seconds", Value: c.Monitor.TickSeconds, Reason: "must be >= 1"}
	}
	if c.Conflict.SimilarityThreshold < 0 || c.Conflict.SimilarityThreshold > 1 {
		return &ValidationError{Field: "conflict.similarity_threshold", Value: c.Conflict.SimilarityThreshold, Reason: "must be in [0,1]"}
	}
	if c.Stack.SimilarityThreshold < 0 || c.Stack.SimilarityThreshold > 1 {
		return &ValidationError{Field: "stack.similarity_threshold", Value: c.Stack.SimilarityThreshold, Reason: "must be in [0,1]"}
	}
	if c.Task.TimeoutSeconds < 1 {
		return &ValidationError{Field: "task.timeout_seconds", Value: c.Task.TimeoutSeconds, Reason: "must be >= 1"}
	}
	if c.FileLock.TTLSeconds < 1 {
		return &ValidationError{Field: "file_lock.ttl_seconds", Value: c.FileLock.TTLSeconds, Reason: "must be >= 1"}
	}
	return nil
}
