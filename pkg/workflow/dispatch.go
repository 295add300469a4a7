package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/swarmforge/orchestrator/pkg/agentrole"
	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/retry"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// taskResult is what one dispatched task's goroutine reports back to
// the wave-collection loop: never mutate swarm state from inside a
// goroutine, only hand its outcome back on a channel and fold it in
// single-threaded once every goroutine in the wave has finished,
// mirroring the teacher's collectAndSort aggregation primitive (§4.10
// implementation note).
type taskResult struct {
	idx    int
	taskID string
	tokens int
	err    error
}

// stepDispatchTasksParallel implements activity 2 (§4.10): repeatedly
// build a wave of ready tasks bound one-to-one to idle agents of the
// matching role, run the wave concurrently, and loop until no task
// remains pending/in_progress. Each role in a swarm has exactly one
// agent, so binding at most one ready task per idle agent per wave
// is what keeps "up to num_agents tasks run simultaneously" true
// without a separate semaphore.
func (e *Engine) stepDispatchTasksParallel(ctx context.Context, swarm *models.Swarm) error {
	for {
		ready, err := e.scheduler.ReadyTasks(ctx, swarm.ID)
		if err != nil {
			return fmt.Errorf("workflow: list ready tasks: %w", err)
		}

		wave, err := e.buildWave(ctx, swarm.ID, ready)
		if err != nil {
			return err
		}
		if len(wave) == 0 {
			remaining, err := e.tasks.ListTasks(ctx, swarm.ID, store.TaskFilter{})
			if err != nil {
				return fmt.Errorf("workflow: list tasks: %w", err)
			}
			if allSettled(remaining) {
				return nil
			}
			// Nothing is ready this pass but some tasks are still
			// in-flight or blocked pending the Monitor's own tick;
			// the Dispatch activity's own retry loop in runActivity
			// will re-enter here after its backoff window.
			return fmt.Errorf("workflow: no ready tasks but swarm not settled")
		}

		results := e.runWave(ctx, swarm.ID, wave)
		for _, r := range results {
			accumulateTokens(swarm, r.tokens)
			if r.err != nil {
				slog.Warn("workflow: task failed during dispatch", "swarm_id", swarm.ID, "task_id", r.taskID, "error", r.err)
			}
		}
	}
}

// waveEntry binds one ready task to the idle agent of its role.
type waveEntry struct {
	task  models.Task
	agent models.Agent
}

// buildWave matches ready tasks to idle agents by role, claiming at
// most one task per agent this wave.
func (e *Engine) buildWave(ctx context.Context, swarmID string, ready []models.Task) ([]waveEntry, error) {
	agents, err := e.agents.ListAgents(ctx, swarmID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list agents: %w", err)
	}

	idleByRole := make(map[models.AgentRole][]models.Agent)
	for _, a := range agents {
		if a.State.Status == models.AgentIdle {
			idleByRole[a.Role] = append(idleByRole[a.Role], a)
		}
	}

	var wave []waveEntry
	for _, t := range ready {
		role, _ := t.Data["role"].(string)
		pool := idleByRole[models.AgentRole(role)]
		if len(pool) == 0 {
			continue
		}
		agent := pool[0]
		idleByRole[models.AgentRole(role)] = pool[1:]
		wave = append(wave, waveEntry{task: t, agent: agent})
	}
	return wave, nil
}

// runWave executes one wave of task/agent bindings concurrently and
// collects their results back into original order.
func (e *Engine) runWave(ctx context.Context, swarmID string, wave []waveEntry) []taskResult {
	results := make(chan taskResult, len(wave))
	var wg sync.WaitGroup

	for i, entry := range wave {
		wg.Add(1)
		go func(idx int, entry waveEntry) {
			defer wg.Done()
			tokens, err := e.executeTask(ctx, swarmID, entry.task, entry.agent)
			results <- taskResult{idx: idx, taskID: entry.task.ID, tokens: tokens, err: err}
		}(i, entry)
	}

	wg.Wait()
	close(results)

	out := make([]taskResult, len(wave))
	for r := range results {
		out[r.idx] = r
	}
	return out
}

// executeTask runs one task end to end: claim it, acquire its file
// lock, build and issue the role's completion, then complete or fail
// the task. The file path claimed per task is the task id itself —
// every role-scoped artifact this task produces is serialized behind
// it, which is enough to prevent two agents racing on the same task
// id without requiring the LLM output to name real paths up front.
func (e *Engine) executeTask(ctx context.Context, swarmID string, task models.Task, agent models.Agent) (int, error) {
	resolver := e.conflictFor(swarmID)

	acquired, err := resolver.AcquireLock(ctx, task.ID, agent.ID)
	if err != nil {
		return 0, fmt.Errorf("workflow: acquire lock for task %s: %w", task.ID, err)
	}
	if !acquired {
		return 0, nil // another agent holds it; retried on a later wave
	}
	defer func() {
		if err := resolver.ReleaseLock(ctx, task.ID, agent.ID); err != nil {
			slog.Error("workflow: release lock", "task_id", task.ID, "agent_id", agent.ID, "error", err)
		}
	}()

	if err := e.assignAndStart(ctx, swarmID, task.ID, agent.ID); err != nil {
		return 0, fmt.Errorf("workflow: assign task %s: %w", task.ID, err)
	}

	scope, err := scopeFromMetadata(e.currentMetadata(ctx, swarmID))
	if err != nil {
		return 0, e.failTask(ctx, swarmID, task, agent.ID, err)
	}

	capability, err := agentrole.For(agent.Role)
	if err != nil {
		return 0, e.failTask(ctx, swarmID, task, agent.ID, err)
	}

	planTask := models.PlanTask{
		ID: task.ID, Title: task.Title, Description: task.Description,
		Priority: task.Priority, Dependencies: task.Dependencies, Role: agent.Role, Data: task.Data,
	}
	resp, err := e.llm.Complete(ctx, llmgateway.CompletionRequest{
		System: capability.BuildPrompt(scope, planTask),
		User:   "Proceed with the task as described.",
	})
	if err != nil {
		return 0, e.failTask(ctx, swarmID, task, agent.ID, err)
	}

	parsed, err := capability.ParseOutput(resp.Text)
	if err != nil {
		return resp.TokensUsed, e.failTask(ctx, swarmID, task, agent.ID, err)
	}

	if err := e.completeTask(ctx, swarmID, task.ID, agent.ID, parsed); err != nil {
		return resp.TokensUsed, fmt.Errorf("workflow: complete task %s: %w", task.ID, err)
	}
	return resp.TokensUsed, nil
}

// currentMetadata re-reads the swarm's metadata fresh for each task
// goroutine rather than sharing swarm.Metadata across them, since
// multiple goroutines read it concurrently in the same wave.
func (e *Engine) currentMetadata(ctx context.Context, swarmID string) map[string]any {
	s, err := e.swarms.GetSwarm(ctx, swarmID)
	if err != nil {
		return nil
	}
	return s.Metadata
}

func (e *Engine) assignAndStart(ctx context.Context, swarmID, taskID, agentID string) error {
	if err := e.tasks.AssignTaskAgent(ctx, swarmID, taskID, agentID); err != nil {
		return err
	}
	if err := e.tasks.UpdateTaskStatus(ctx, swarmID, taskID, models.TaskInProgress, nil); err != nil {
		return err
	}
	return e.agents.UpdateAgentState(ctx, agentID, models.AgentState{Status: models.AgentWorking, CurrentTaskID: taskID})
}

func (e *Engine) completeTask(ctx context.Context, swarmID, taskID, agentID string, data map[string]any) error {
	if err := e.tasks.UpdateTaskStatus(ctx, swarmID, taskID, models.TaskCompleted, data); err != nil {
		return err
	}
	return e.setAgentIdle(ctx, agentID)
}

func (e *Engine) setAgentIdle(ctx context.Context, agentID string) error {
	return e.agents.UpdateAgentState(ctx, agentID, models.AgentState{Status: models.AgentIdle})
}

// failTask classifies the error via the Retry Manager, records the
// verdict on the task's Data so the Monitor's later tick acts on it
// without reclassifying, creates an escalation when the disposition
// calls for one, and frees the agent.
func (e *Engine) failTask(ctx context.Context, swarmID string, task models.Task, agentID string, cause error) error {
	action := e.retryMgr.Classify(cause)

	data := map[string]any{
		"reason":                cause.Error(),
		dataKeyRetryDisposition: string(action.Disposition),
		dataKeyRetryMaxAttempts: action.MaxAttempts,
	}
	if err := e.tasks.UpdateTaskStatus(ctx, swarmID, task.ID, models.TaskFailed, data); err != nil {
		return err
	}
	e.metrics.IncCounter("task_retries_total", map[string]string{"kind": string(action.Kind)})
	if err := e.setAgentIdle(ctx, agentID); err != nil {
		slog.Error("workflow: free agent after task failure", "agent_id", agentID, "error", err)
	}
	if resolver := e.conflictFor(swarmID); resolver != nil {
		if err := resolver.OnTaskFailed(ctx, task.ID, agentID); err != nil {
			slog.Error("workflow: release locks after task failure", "task_id", task.ID, "error", err)
		}
	}

	if action.Disposition == retry.DispositionEscalate {
		esc := retry.NewEscalation(swarmID, task.ID, agentID, action, cause.Error())
		if _, err := e.escalations.CreateEscalation(ctx, esc); err != nil {
			slog.Error("workflow: create escalation", "task_id", task.ID, "error", err)
		}
	}

	_, _ = e.events.AppendEvent(ctx, models.Event{
		SwarmID: swarmID, Kind: models.EventRetry,
		Data: map[string]any{"task_id": task.ID, "agent_id": agentID, "reason": cause.Error()},
	})
	return cause
}

const dataKeyRetryDisposition = "retry_disposition"
const dataKeyRetryMaxAttempts = "retry_max_attempts"

func allSettled(tasks []models.Task) bool {
	for _, t := range tasks {
		switch t.Status {
		case models.TaskPending, models.TaskInProgress:
			return false
		}
	}
	return true
}
