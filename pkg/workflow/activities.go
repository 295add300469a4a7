package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/planner"
	"github.com/swarmforge/orchestrator/pkg/slogate"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// stepGeneratePlan is activity 1. On a fresh swarm it calls Plan to
// validate the task graph and persist agents/tasks; on a resumed swarm
// (tasks already exist) it recomputes the same deterministic DSL in
// memory only, so the step is idempotent against a crash between
// completing Plan and checkpointing this step.
func (e *Engine) stepGeneratePlan(ctx context.Context, swarm *models.Swarm) error {
	scope, err := scopeFromMetadata(swarm.Metadata)
	if err != nil {
		return err
	}

	existing, err := e.tasks.ListTasks(ctx, swarm.ID, store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("workflow: check existing tasks: %w", err)
	}

	var dsl models.PlanDSL
	if len(existing) > 0 {
		dsl = planner.Generate(scope)
	} else {
		dsl, err = e.planner.Plan(ctx, swarm.ID, scope)
		if err != nil {
			return fmt.Errorf("workflow: generate plan: %w", err)
		}
	}

	return e.checkpoint(ctx, swarm, func(m map[string]any) {
		m["plan_complexity"] = string(dsl.Complexity)
		m["plan_score"] = dsl.Score
		m["plan_strategy"] = string(dsl.Strategy)
	})
}

// stepUIInference is activity 3: the frontend architect's completed
// task artifact becomes the UI plan every later step reasons over. If
// the swarm has no frontend role (a backend-only scope), this is a
// no-op recorded with an empty plan.
func (e *Engine) stepUIInference(ctx context.Context, swarm *models.Swarm) error {
	artifact, ok, err := e.lastCompletedArtifact(ctx, swarm.ID, models.RoleFrontendArchitect)
	if err != nil {
		return err
	}
	if !ok {
		return e.checkpoint(ctx, swarm, func(m map[string]any) {
			m[metaKeyUIPlan] = map[string]any{"present": false}
		})
	}
	return e.checkpoint(ctx, swarm, func(m map[string]any) {
		m[metaKeyUIPlan] = map[string]any{"present": true, "artifact": artifact}
	})
}

// stepVisualTest is activity 4: invoke the external visual-diff tool
// against the UI plan and record the diff percentage and any WCAG
// violations it reports. A diff at or over the configured threshold, or
// any WCAG violation, fails the activity; runActivity then re-runs this
// step (2 attempts in all) against the same UI plan before the workflow
// gives up. UIInference is not re-run.
func (e *Engine) stepVisualTest(ctx context.Context, swarm *models.Swarm) error {
	plan, _ := swarm.Metadata[metaKeyUIPlan].(map[string]any)
	if present, _ := plan["present"].(bool); !present {
		return e.checkpoint(ctx, swarm, func(m map[string]any) {
			m[metaKeyVisualTest] = map[string]any{"diff_pct": 0.0, "wcag_violations": 0}
		})
	}

	result, err := e.tools.Call(ctx, "visual_diff", map[string]any{"ui_plan": plan}, swarm.ID, "")
	if err != nil {
		return fmt.Errorf("workflow: visual diff tool call: %w", err)
	}
	diffPct := floatFromAny(result["diff_pct"])
	violations := intFromAny(result["wcag_violations"])
	e.metrics.ObserveHistogram("visual_diff_score", diffPct, nil)

	if err := e.checkpoint(ctx, swarm, func(m map[string]any) {
		m[metaKeyVisualTest] = map[string]any{"diff_pct": diffPct, "wcag_violations": violations}
	}); err != nil {
		return err
	}

	if diffPct >= e.cfg.VisualTestMaxDiffPct {
		return fmt.Errorf("workflow: visual diff %.2f%% is not below threshold %.2f%%", diffPct, e.cfg.VisualTestMaxDiffPct)
	}
	if violations > 0 {
		return fmt.Errorf("workflow: visual test reported %d WCAG violations", violations)
	}
	return nil
}

// stepConflictResolution is activity 5: compare the frontend and
// backend artifacts and mediate if their embeddings drift past the
// Conflict Resolver's similarity threshold.
func (e *Engine) stepConflictResolution(ctx context.Context, swarm *models.Swarm) error {
	uiArtifact, uiOK, err := e.lastCompletedArtifact(ctx, swarm.ID, models.RoleFrontendArchitect)
	if err != nil {
		return err
	}
	backendArtifact, backendOK, err := e.lastCompletedArtifact(ctx, swarm.ID, models.RoleBackendIntegrator)
	if err != nil {
		return err
	}
	if !uiOK || !backendOK {
		return e.checkpoint(ctx, swarm, func(m map[string]any) {
			m[metaKeyConflict] = map[string]any{"checked": false}
		})
	}

	resolver := e.conflictFor(swarm.ID)
	similarity, conflicted, err := resolver.DetectConflict(ctx, uiArtifact, backendArtifact)
	if err != nil {
		return fmt.Errorf("workflow: detect conflict: %w", err)
	}

	result := map[string]any{"checked": true, "similarity": similarity, "mediated": false}
	if conflicted {
		mediated, err := resolver.Mediate(ctx, uiArtifact, backendArtifact)
		if err != nil {
			return fmt.Errorf("workflow: mediate conflict: %w", err)
		}
		result["mediated"] = true
		result["mediated_artifact"] = mediated
	}

	e.metrics.ObserveHistogram("conflict_similarity", similarity, nil)
	if conflicted {
		e.metrics.IncCounter("conflicts_detected", nil)
		e.metrics.IncCounter("conflicts_resolved", nil)
	}

	return e.checkpoint(ctx, swarm, func(m map[string]any) {
		m[metaKeyConflict] = result
	})
}

// stepTestGate is activity 6: invoke the external test runner and
// require its reported coverage to clear the workflow-level gate
// (distinct from, and lower than, the SLO Gate's own coverage
// threshold — §4.11's reconciliation of the two coverage numbers).
func (e *Engine) stepTestGate(ctx context.Context, swarm *models.Swarm) error {
	result, err := e.tools.Call(ctx, "run_tests", map[string]any{"swarm_id": swarm.ID}, swarm.ID, "")
	if err != nil {
		return fmt.Errorf("workflow: test gate tool call: %w", err)
	}
	coverage := floatFromAny(result["coverage_pct"])
	passed := intFromAny(result["passed"])
	failed := intFromAny(result["failed"])

	if err := e.checkpoint(ctx, swarm, func(m map[string]any) {
		m[metaKeyTestGate] = map[string]any{"coverage_pct": coverage, "passed": passed, "failed": failed}
	}); err != nil {
		return err
	}

	if coverage < e.cfg.TestGateCoveragePct {
		return fmt.Errorf("workflow: test coverage %.1f%% below gate threshold %.1f%%", coverage, e.cfg.TestGateCoveragePct)
	}
	if failed > 0 {
		return fmt.Errorf("workflow: test gate reports %d failing test(s)", failed)
	}
	return nil
}

// stepSLOEnforce is activity 7: the final hard gate. A non-warning
// breach here is surfaced verbatim (never retried — maxAttempts is 1
// for this step) since the SLO Gate's own Retryable flag, not the
// Workflow Engine's activity-retry policy, governs whether the
// Monitor's later classification can do anything about it.
func (e *Engine) stepSLOEnforce(ctx context.Context, swarm *models.Swarm) error {
	started := metadataTime(swarm.Metadata, metaKeyStartedAt)
	latency := 0.0
	if !started.IsZero() {
		latency = time.Since(started).Seconds()
	}

	testGate, _ := swarm.Metadata[metaKeyTestGate].(map[string]any)
	coverage, coverageOK := testGate["coverage_pct"]

	var confidence float64
	if scope, err := scopeFromMetadata(swarm.Metadata); err == nil {
		confidence = scope.StackInference.Confidence
	}

	gate := slogate.New(swarm.ID, e.sloCfg, e.rate, e.events, e.metrics)
	report := gate.Evaluate(ctx, slogate.Inputs{
		TokensUsed:       intFromAny(swarm.Metadata[metaKeyTokensUsed]),
		LatencySeconds:   latency,
		CoveragePct:      floatFromAny(coverage),
		CoverageReported: coverageOK,
		StackConfidence:  confidence,
	})

	encoded := make([]map[string]any, 0, len(report.Results))
	for _, r := range report.Results {
		encoded = append(encoded, map[string]any{
			"name": r.Name, "actual": r.Actual, "threshold": r.Threshold,
			"breached": r.Breached, "warning": r.Warning,
		})
	}
	if err := e.checkpoint(ctx, swarm, func(m map[string]any) {
		m[metaKeySLOReport] = encoded
	}); err != nil {
		return err
	}

	return report.Err()
}

// stepFinalize is activity 8: mark the swarm completed and record
// terminal metrics. Unlike handleFailure/handleCancellation, this runs
// on the normal, non-cancelled path.
func (e *Engine) stepFinalize(ctx context.Context, swarm *models.Swarm) error {
	if err := e.transitionStatus(ctx, swarm, models.SwarmCompleted); err != nil {
		return err
	}

	complexity, _ := swarm.Metadata["plan_complexity"].(string)
	e.metrics.IncCounter("workflows_completed", map[string]string{"complexity": complexity})

	started := metadataTime(swarm.Metadata, metaKeyStartedAt)
	if !started.IsZero() {
		e.metrics.ObserveHistogram("workflow_duration_seconds", time.Since(started).Seconds(), map[string]string{"complexity": complexity})
	}
	e.metrics.AddCounter("openrouter_tokens_used", float64(intFromAny(swarm.Metadata[metaKeyTokensUsed])), nil)

	_, _ = e.events.AppendEvent(ctx, models.Event{
		SwarmID: swarm.ID, Kind: models.EventDecision,
		Data: map[string]any{"outcome": "completed"},
	})
	return nil
}

// lastCompletedArtifact returns the raw text artifact of the most
// recently completed task owned by an agent of role, if any. "raw" is
// the field parseOutputJSON always stores alongside any parsed JSON
// fields, so every role's output is addressable this way regardless of
// whether it emitted structured data.
func (e *Engine) lastCompletedArtifact(ctx context.Context, swarmID string, role models.AgentRole) (string, bool, error) {
	agents, err := e.agents.ListAgents(ctx, swarmID)
	if err != nil {
		return "", false, fmt.Errorf("workflow: list agents: %w", err)
	}
	agentIDs := map[string]bool{}
	for _, a := range agents {
		if a.Role == role {
			agentIDs[a.ID] = true
		}
	}
	if len(agentIDs) == 0 {
		return "", false, nil
	}

	completed, err := e.tasks.ListTasks(ctx, swarmID, store.TaskFilter{Status: models.TaskCompleted})
	if err != nil {
		return "", false, fmt.Errorf("workflow: list completed tasks: %w", err)
	}

	var latest models.Task
	found := false
	for _, t := range completed {
		if !agentIDs[t.AgentID] {
			continue
		}
		if !found || t.UpdatedAt.After(latest.UpdatedAt) {
			latest, found = t, true
		}
	}
	if !found {
		return "", false, nil
	}
	raw, _ := latest.Data["raw"].(string)
	return raw, true, nil
}
