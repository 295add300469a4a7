// Package slogate implements the SLO Gate (§4.11 C11): the four
// workflow-level thresholds checked once a workflow reaches its final
// activity, each with its own breach action ranging from a warning
// event to a non-retryable failure.
package slogate

import (
	"context"
	"fmt"

	"github.com/swarmforge/orchestrator/pkg/config"
	"github.com/swarmforge/orchestrator/pkg/errs"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/observability"
)

// EventAppender is the subset of pkg/store the Gate uses to record
// slo_breach events to the swarm's audit log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event models.Event) (models.Event, error)
}

// Result is one SLO's verdict against its threshold.
type Result struct {
	Name      string
	Actual    float64
	Threshold float64
	Breached  bool
	Retryable bool
	Warning   bool // breach recorded but does not fail the workflow
}

// Report is the full SLO Gate verdict for one workflow run, appended to
// the workflow's output per §4.11.
type Report struct {
	Results []Result
	Failed  bool // at least one non-warning breach occurred
}

// Inputs are the measurements the gate checks against its configured
// thresholds. LatencySeconds and CoveragePct/Confidence are left at
// their zero value when an activity hasn't produced them yet (e.g. a
// workflow that fails before TestGate never has a coverage figure);
// Evaluate checks coverage only when CoverageReported is set, so a
// missing coverage figure is not read as 0%.
type Inputs struct {
	TokensUsed       int
	LatencySeconds   float64
	CoveragePct      float64
	CoverageReported bool
	StackConfidence  float64
}

// Gate is the SLO Gate component: a pure threshold evaluator plus the
// event/metrics side effects of recording a breach.
type Gate struct {
	cfg     config.SLOConfig
	rate    float64 // llm.rate_per_k_tokens, needed for the cost computation
	swarmID string
	events  EventAppender
	metrics observability.MetricsSink
}

// New constructs a Gate for one swarm.
func New(swarmID string, cfg config.SLOConfig, ratePerKTokens float64, events EventAppender, metrics observability.MetricsSink) *Gate {
	if metrics == nil {
		metrics = observability.NoopSink{}
	}
	return &Gate{cfg: cfg, rate: ratePerKTokens, swarmID: swarmID, events: events, metrics: metrics}
}

// Evaluate checks every configured SLO against in and returns the full
// report. It never returns an error itself; callers that need the
// non-retryable-failure case as an error use report.Err().
func (g *Gate) Evaluate(ctx context.Context, in Inputs) Report {
	var report Report

	cost := float64(in.TokensUsed) / 1000.0 * g.rate
	costResult := Result{Name: "cost", Actual: cost, Threshold: g.cfg.CostUSD, Breached: cost > g.cfg.CostUSD}
	if costResult.Breached {
		report.Failed = true
	}
	report.Results = append(report.Results, costResult)
	g.recordBreach(ctx, costResult)

	latencyResult := Result{
		Name: "latency", Actual: in.LatencySeconds, Threshold: float64(g.cfg.LatencySeconds),
		Breached: in.LatencySeconds > float64(g.cfg.LatencySeconds), Warning: true,
	}
	report.Results = append(report.Results, latencyResult)
	g.recordBreach(ctx, latencyResult)

	if in.CoverageReported {
		coverageResult := Result{
			Name: "coverage", Actual: in.CoveragePct, Threshold: g.cfg.CoveragePct,
			Breached: in.CoveragePct < g.cfg.CoveragePct, Retryable: true,
		}
		if coverageResult.Breached {
			report.Failed = true
		}
		report.Results = append(report.Results, coverageResult)
		g.recordBreach(ctx, coverageResult)
	}

	confidenceResult := Result{
		Name: "confidence", Actual: in.StackConfidence, Threshold: g.cfg.ConfidenceMin,
		Breached: in.StackConfidence < g.cfg.ConfidenceMin, Warning: true,
	}
	report.Results = append(report.Results, confidenceResult)
	g.recordBreach(ctx, confidenceResult)
	g.metrics.ObserveHistogram("stack_confidence", in.StackConfidence, nil)

	return report
}

// Err returns the *errs.SLOBreach for the first non-warning, non-zero
// breach in the report, or nil if every SLO passed (or only warned).
func (r Report) Err() error {
	for _, res := range r.Results {
		if res.Breached && !res.Warning {
			return &errs.SLOBreach{SLOName: res.Name, Actual: res.Actual, Threshold: res.Threshold, Retryable: res.Retryable}
		}
	}
	return nil
}

func (g *Gate) recordBreach(ctx context.Context, res Result) {
	if !res.Breached {
		return
	}
	_, _ = g.events.AppendEvent(ctx, models.Event{
		SwarmID: g.swarmID,
		Kind:    models.EventSLOBreach,
		Data: map[string]any{
			"slo":       res.Name,
			"actual":    res.Actual,
			"threshold": res.Threshold,
			"warning":   res.Warning,
		},
	})
	kind := "hard"
	if res.Warning {
		kind = "warning"
	}
	g.metrics.IncCounter(fmt.Sprintf("slo_breach_%s", kind), map[string]string{"slo": res.Name})
}
