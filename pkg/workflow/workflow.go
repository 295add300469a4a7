// Package workflow implements the Workflow Engine (§4.10 C10): the
// durable, checkpointed step machine that drives one swarm from a
// persisted Scope through parallel task dispatch, UI inference, visual
// testing, conflict resolution, the test gate, and the SLO gate to a
// terminal state. Each step persists its result before the engine
// advances the swarm's recorded step, so a process restart resumes from
// the last completed step rather than re-running finished activities —
// the same checkpoint-before-advance discipline the teacher's
// stage-execution controller applies per stage.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmforge/orchestrator/pkg/config"
	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/observability"
	"github.com/swarmforge/orchestrator/pkg/planner"
	"github.com/swarmforge/orchestrator/pkg/retry"
	"github.com/swarmforge/orchestrator/pkg/scheduler"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// Step names, also used as the swarm metadata checkpoint marker once
// that step completes.
const (
	StepGeneratePlan          = "generate_plan"
	StepDispatchTasksParallel = "dispatch_tasks_parallel"
	StepUIInference           = "ui_inference"
	StepVisualTest            = "visual_test"
	StepConflictResolution    = "conflict_resolution"
	StepTestGate              = "test_gate"
	StepSLOEnforce            = "slo_enforce"
	StepFinalize              = "finalize"
)

// metadata keys the engine reads and writes on swarm.Metadata. metaKeyScope
// is written by the caller that creates the swarm (see ScopeToMetadata);
// everything else is written by the engine as it runs.
const (
	metaKeyScope      = "scope"
	metaKeyStep       = "workflow_step"
	metaKeyStartedAt  = "started_at"
	metaKeyTokensUsed = "tokens_used"
	metaKeyUIPlan     = "ui_plan"
	metaKeyVisualTest = "visual_test"
	metaKeyConflict   = "conflict"
	metaKeyTestGate   = "test_gate"
	metaKeySLOReport  = "slo_report"
	metaKeyFailure    = "failure_reason"
)

// SwarmStore is the subset of pkg/store the engine mutates swarm
// lifecycle state through.
type SwarmStore interface {
	GetSwarm(ctx context.Context, id string) (models.Swarm, error)
	UpdateSwarmStatus(ctx context.Context, id string, expectedVersion int, status models.SwarmStatus) error
	UpdateSwarmMetadata(ctx context.Context, id string, expectedVersion int, metadata map[string]any) error
}

// TaskStore is the subset of pkg/store the engine dispatches tasks through.
type TaskStore interface {
	ListTasks(ctx context.Context, swarmID string, filter store.TaskFilter) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, swarmID, taskID string, status models.TaskStatus, data map[string]any) error
	AssignTaskAgent(ctx context.Context, swarmID, taskID, agentID string) error
}

// AgentStore is the subset of pkg/store the engine reads/writes agent
// occupancy through.
type AgentStore interface {
	ListAgents(ctx context.Context, swarmID string) ([]models.Agent, error)
	UpdateAgentState(ctx context.Context, id string, state models.AgentState) error
}

// EventAppender is the subset of pkg/store the engine records its audit
// trail through.
type EventAppender interface {
	AppendEvent(ctx context.Context, event models.Event) (models.Event, error)
}

// EscalationStore is the subset of pkg/store the engine surfaces
// unrecoverable task failures through.
type EscalationStore interface {
	CreateEscalation(ctx context.Context, esc models.Escalation) (models.Escalation, error)
}

// ConflictResolver is the subset of pkg/conflict.Resolver the engine
// consults during dispatch and conflict resolution. Each running swarm
// owns its own Resolver instance (§4.6); ConflictFor resolves it per
// swarm the same way monitor.ConflictHandlerFor does.
type ConflictResolver interface {
	AcquireLock(ctx context.Context, filepath, agentID string) (bool, error)
	ReleaseLock(ctx context.Context, filepath, agentID string) error
	OnTaskFailed(ctx context.Context, taskID, agentID string) error
	DetectConflict(ctx context.Context, uiArtifact, backendArtifact string) (float64, bool, error)
	Mediate(ctx context.Context, uiArtifact, backendArtifact string) (string, error)
}

// ToolInvoker is the outbound capability contract (§6) the VisualTest
// activity calls out through; its implementation is external to this
// module.
type ToolInvoker interface {
	Call(ctx context.Context, toolName string, args map[string]any, swarmID, agentID string) (map[string]any, error)
}

// NoopToolInvoker is the default ToolInvoker wired when no external tool
// runner is configured. VisualTest gets a clean pass (0% diff, no WCAG
// violations). TestGate's run_tests call gets no coverage_pct, so it
// reads 0% coverage and fails whenever its threshold is above 0.
type NoopToolInvoker struct{}

func (NoopToolInvoker) Call(context.Context, string, map[string]any, string, string) (map[string]any, error) {
	return map[string]any{"diff_pct": 0.0, "wcag_violations": 0}, nil
}

// Deps bundles everything the Workflow Engine needs. A struct rather
// than a long positional parameter list, given how many components this
// one wires together.
type Deps struct {
	Swarms      SwarmStore
	Tasks       TaskStore
	Agents      AgentStore
	Events      EventAppender
	Escalations EscalationStore
	Planner     *planner.Planner
	Scheduler   *scheduler.Scheduler
	ConflictFor func(swarmID string) ConflictResolver
	Retry       *retry.Manager
	LLM         llmgateway.Gateway
	Tools       ToolInvoker
	Metrics     observability.MetricsSink

	Workflow       config.WorkflowConfig
	SLO            config.SLOConfig
	RatePerKTokens float64
}

// Engine is the Workflow Engine component. One Engine serves every
// swarm; Run is safe to call concurrently for distinct swarm ids.
type Engine struct {
	swarms      SwarmStore
	tasks       TaskStore
	agents      AgentStore
	events      EventAppender
	escalations EscalationStore
	planner     *planner.Planner
	scheduler   *scheduler.Scheduler
	conflictFor func(swarmID string) ConflictResolver
	retryMgr    *retry.Manager
	llm         llmgateway.Gateway
	tools       ToolInvoker
	metrics     observability.MetricsSink
	tracer      trace.Tracer

	cfg    config.WorkflowConfig
	sloCfg config.SLOConfig
	rate   float64

	// cancels implements the swarm_id -> cancel registry described in
	// SPEC_FULL §5, mirroring the teacher's WorkerPool.activeSessions
	// registration/lookup/cancel trio so Cancel can reach a running
	// Run goroutine without polling a database flag.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New constructs an Engine.
func New(d Deps) *Engine {
	if d.Metrics == nil {
		d.Metrics = observability.NoopSink{}
	}
	if d.Tools == nil {
		d.Tools = NoopToolInvoker{}
	}
	return &Engine{
		swarms: d.Swarms, tasks: d.Tasks, agents: d.Agents, events: d.Events, escalations: d.Escalations,
		planner: d.Planner, scheduler: d.Scheduler, conflictFor: d.ConflictFor, retryMgr: d.Retry,
		llm: d.LLM, tools: d.Tools, metrics: d.Metrics,
		tracer:  otel.Tracer("swarmforge/workflow"),
		cfg:     d.Workflow,
		sloCfg:  d.SLO,
		rate:    d.RatePerKTokens,
		cancels: make(map[string]context.CancelFunc),
	}
}

type stepDef struct {
	name        string
	timeout     time.Duration
	maxAttempts int
	run         func(context.Context, *models.Swarm) error
}

// steps returns the ordered step machine. Activities 2-5 are retriable
// per §4.10 with their own backoff; VisualTest's "retriable x2" is
// explicit, the rest default to a generous 3 attempts. GeneratePlan,
// SLOEnforce and Finalize run once: a GeneratePlan retry would redo the
// cycle check against an already-persisted plan, SLOEnforce's hard
// breaches are non-retryable by definition, and Finalize is a handful
// of store/metrics calls with nothing transient to wait out.
func (e *Engine) steps() []stepDef {
	return []stepDef{
		{StepGeneratePlan, e.cfg.PlanTimeout, 1, e.stepGeneratePlan},
		{StepDispatchTasksParallel, e.cfg.DispatchTaskTimeout, 3, e.stepDispatchTasksParallel},
		{StepUIInference, e.cfg.UIInferenceTimeout, 3, e.stepUIInference},
		{StepVisualTest, e.cfg.VisualTestTimeout, 2, e.stepVisualTest},
		{StepConflictResolution, e.cfg.ConflictResolveTimeout, 3, e.stepConflictResolution},
		{StepTestGate, e.cfg.TestGateTimeout, 2, e.stepTestGate},
		{StepSLOEnforce, e.cfg.SLOEnforceTimeout, 1, e.stepSLOEnforce},
		{StepFinalize, 10 * time.Second, 1, e.stepFinalize},
	}
}

// Run drives swarmID through the step machine from wherever it last
// checkpointed, and registers a cancel func reachable via Cancel for the
// duration of the run.
func (e *Engine) Run(ctx context.Context, swarmID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.registerCancel(swarmID, cancel)
	defer func() {
		e.unregisterCancel(swarmID)
		cancel()
	}()

	swarm, err := e.swarms.GetSwarm(runCtx, swarmID)
	if err != nil {
		return fmt.Errorf("workflow: load swarm %s: %w", swarmID, err)
	}
	if swarm.Status.IsTerminal() {
		return nil
	}
	if swarm.Status == models.SwarmIdle {
		if err := e.transitionStatus(runCtx, &swarm, models.SwarmRunning); err != nil {
			return err
		}
	}
	if metadataTime(swarm.Metadata, metaKeyStartedAt).IsZero() {
		if err := e.checkpoint(runCtx, &swarm, func(m map[string]any) {
			m[metaKeyStartedAt] = time.Now().UTC().Format(time.RFC3339)
		}); err != nil {
			return err
		}
	}

	steps := e.steps()
	resumeAt := stepIndex(steps, currentStep(swarm.Metadata))

	for i := resumeAt; i < len(steps); i++ {
		step := steps[i]
		if runCtx.Err() != nil {
			return e.handleCancellation(ctx, &swarm)
		}

		err := e.runActivity(runCtx, step.name, step.timeout, step.maxAttempts, func(actCtx context.Context) error {
			return step.run(actCtx, &swarm)
		})
		if err != nil {
			if runCtx.Err() != nil {
				return e.handleCancellation(ctx, &swarm)
			}
			return e.handleFailure(ctx, &swarm, step.name, err)
		}

		if err := e.checkpoint(runCtx, &swarm, func(m map[string]any) {
			m[metaKeyStep] = step.name
		}); err != nil {
			return err
		}
	}
	return nil
}

// runActivity wraps one step in a span, a wall-clock timeout, and a
// bounded backoff retry loop. Unlike the Retry Manager's error-taxonomy
// classification (which governs whether an individual failed *task*
// gets requeued), activity-level retry here is the plain bounded policy
// §4.10 describes: any activity error is worth one more attempt, up to
// maxAttempts, with the same exponential backoff window the Retry
// Manager computes for transient task failures.
func (e *Engine) runActivity(ctx context.Context, name string, timeout time.Duration, maxAttempts int, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		actCtx, cancel := context.WithTimeout(ctx, timeout)
		spanCtx, span := e.tracer.Start(actCtx, name, trace.WithAttributes(attribute.Int("attempt", attempt)))
		lastErr = fn(spanCtx)
		if lastErr != nil {
			span.RecordError(lastErr)
		}
		span.End()
		cancel()

		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(e.retryMgr.BackoffFor(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("workflow: activity %s failed after %d attempt(s): %w", name, maxAttempts, lastErr)
}

// handleFailure records why a swarm failed and transitions it to the
// terminal failed state. Per §4.10/§5, a failure that survives its
// activity's own retry budget is on the critical path: the workflow
// stops dispatching further steps.
func (e *Engine) handleFailure(ctx context.Context, swarm *models.Swarm, step string, cause error) error {
	slog.Error("workflow: activity failed, failing swarm", "swarm_id", swarm.ID, "step", step, "error", cause)

	cleanupCtx := context.WithoutCancel(ctx)
	_, _ = e.events.AppendEvent(cleanupCtx, models.Event{
		SwarmID: swarm.ID, Kind: models.EventConstraint,
		Data: map[string]any{"step": step, "reason": cause.Error()},
	})
	if err := e.checkpoint(cleanupCtx, swarm, func(m map[string]any) {
		m[metaKeyFailure] = cause.Error()
		m[metaKeyStep] = step
	}); err != nil {
		slog.Error("workflow: checkpoint failure reason", "swarm_id", swarm.ID, "error", err)
	}
	if err := e.transitionStatus(cleanupCtx, swarm, models.SwarmFailed); err != nil {
		return fmt.Errorf("workflow: transition swarm %s to failed: %w", swarm.ID, err)
	}

	complexity, _ := swarm.Metadata["plan_complexity"].(string)
	e.metrics.IncCounter("workflows_failed", map[string]string{"complexity": complexity})
	return fmt.Errorf("workflow: step %s failed: %w", step, cause)
}

// handleCancellation implements §5's cancellation semantics: release
// every in-flight agent's locks, skip whatever is still pending, and
// transition the swarm to cancelled. It always runs against a
// cancellation-stripped context since the triggering ctx is already
// done.
func (e *Engine) handleCancellation(ctx context.Context, swarm *models.Swarm) error {
	cleanupCtx := context.WithoutCancel(ctx)
	resolver := e.conflictFor(swarm.ID)

	agents, err := e.agents.ListAgents(cleanupCtx, swarm.ID)
	if err != nil {
		slog.Error("workflow: list agents during cancellation", "swarm_id", swarm.ID, "error", err)
	}
	for _, a := range agents {
		if a.State.Status != models.AgentWorking {
			continue
		}
		if err := resolver.OnTaskFailed(cleanupCtx, a.State.CurrentTaskID, a.ID); err != nil {
			slog.Error("workflow: release locks during cancellation", "agent_id", a.ID, "error", err)
		}
	}

	pending, err := e.tasks.ListTasks(cleanupCtx, swarm.ID, store.TaskFilter{Status: models.TaskPending})
	if err != nil {
		slog.Error("workflow: list pending tasks during cancellation", "swarm_id", swarm.ID, "error", err)
	}
	for _, t := range pending {
		if err := e.tasks.UpdateTaskStatus(cleanupCtx, swarm.ID, t.ID, models.TaskSkipped, nil); err != nil {
			slog.Error("workflow: skip pending task during cancellation", "task_id", t.ID, "error", err)
		}
	}

	if err := e.transitionStatus(cleanupCtx, swarm, models.SwarmCancelled); err != nil {
		return fmt.Errorf("workflow: transition swarm %s to cancelled: %w", swarm.ID, err)
	}
	return nil
}

// registerCancel, unregisterCancel, and Cancel implement the
// swarm_id -> cancel registry. Cancel is idempotent: cancelling an
// unknown or already-finished swarm id is reported back but never
// panics or blocks.
func (e *Engine) registerCancel(swarmID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.cancels[swarmID] = cancel
}

func (e *Engine) unregisterCancel(swarmID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	delete(e.cancels, swarmID)
}

// Cancel signals cancellation to swarmID's running Engine.Run goroutine,
// if one is registered. It reports whether a running workflow was found.
func (e *Engine) Cancel(swarmID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	cancel, ok := e.cancels[swarmID]
	if !ok {
		return false
	}
	cancel()
	return true
}
