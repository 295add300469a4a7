// Package monitor implements the Orchestration Monitor (C9 §4.9): a
// single long-lived tick loop, independent of any one swarm's Workflow
// Engine run, that retries eligible failed tasks, reaps stalled
// in-progress tasks, blocks tasks whose dependencies failed
// permanently, and publishes health stats — grounded directly on the
// teacher's orphan-detection loop (pkg/queue/orphan.go).
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/retry"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// Store is the subset of pkg/store the Monitor reads from and writes to.
type Store interface {
	ListSwarms(ctx context.Context) ([]models.Swarm, error)
	ListTasks(ctx context.Context, swarmID string, filter store.TaskFilter) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, swarmID, taskID string, status models.TaskStatus, data map[string]any) error
	AppendEvent(ctx context.Context, event models.Event) (models.Event, error)
}

// ConflictHandler is the subset of pkg/conflict.Resolver the Monitor
// consults to release a failed task's locks and to decide whether a
// pending task is blocked by a permanently failed dependency.
type ConflictHandler interface {
	OnTaskFailed(ctx context.Context, taskID, agentID string) error
	ShouldBlock(dependencies []string) (bool, string)
}

// ConflictHandlerFor resolves the ConflictHandler owning one swarm.
// Each running swarm owns its own Resolver instance (§4.6); the Monitor
// is swarm-agnostic and looks one up per tick iteration.
type ConflictHandlerFor func(swarmID string) ConflictHandler

// MetricsSink is the narrow slice of the Observability Emitter (C12)
// the Monitor publishes health stats to. A nil Sink is valid; every
// call becomes a no-op so this package is testable without a running
// collector.
type MetricsSink interface {
	ObserveRetrySuccessRate(rate float64)
	ObserveRecentInterventions(count int)
}

type noopSink struct{}

func (noopSink) ObserveRetrySuccessRate(float64) {}
func (noopSink) ObserveRecentInterventions(int)  {}

// HealthStats is the tick's computed summary, also handed to MetricsSink.
type HealthStats struct {
	RetrySuccessRate    float64
	RecentInterventions int
	ScannedSwarms       int
	RetriedTasks        int
	TimedOutTasks       int
	BlockedTasks        int
}

// Monitor is the Orchestration Monitor component.
type Monitor struct {
	store        Store
	conflictFor  ConflictHandlerFor
	retryMgr     *retry.Manager
	sink         MetricsSink
	tickInterval time.Duration
	stallTimeout time.Duration

	mu sync.Mutex
	// watched tracks tasks this Monitor requeued via step 1, keyed by
	// "swarmID/taskID", until a later tick observes them reach a
	// terminal status — at which point they resolve the retry success
	// rate and drop out of the map.
	watched          map[string]struct{}
	retriesObserved  int
	retriesSucceeded int
	interventions    int
}

// New constructs a Monitor. sink may be nil.
func New(st Store, conflictFor ConflictHandlerFor, retryMgr *retry.Manager, sink MetricsSink, tickInterval, stallTimeout time.Duration) *Monitor {
	if sink == nil {
		sink = noopSink{}
	}
	return &Monitor{
		store:        st,
		conflictFor:  conflictFor,
		retryMgr:     retryMgr,
		sink:         sink,
		tickInterval: tickInterval,
		stallTimeout: stallTimeout,
		watched:      make(map[string]struct{}),
	}
}

// Run blocks, ticking every tickInterval, until ctx is cancelled or
// stopCh is closed. It always finishes the tick in progress before
// returning, matching the teacher's clean-shutdown contract.
func (m *Monitor) Run(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			stats, err := m.Tick(ctx)
			if err != nil {
				slog.Error("monitor tick failed", "error", err)
				continue
			}
			slog.Info("monitor tick complete",
				"scanned_swarms", stats.ScannedSwarms,
				"retried_tasks", stats.RetriedTasks,
				"timed_out_tasks", stats.TimedOutTasks,
				"blocked_tasks", stats.BlockedTasks,
			)
		}
	}
}

// Tick runs one pass of all four steps across every running swarm. A
// failure in one step for one swarm is logged and does not prevent the
// remaining steps or swarms from running, mirroring
// detectAndRecoverOrphans's per-session isolation.
func (m *Monitor) Tick(ctx context.Context) (HealthStats, error) {
	swarms, err := m.store.ListSwarms(ctx)
	if err != nil {
		return HealthStats{}, fmt.Errorf("monitor: list swarms: %w", err)
	}

	var stats HealthStats
	for _, swarm := range swarms {
		if swarm.Status != models.SwarmRunning {
			continue
		}
		stats.ScannedSwarms++

		if err := m.reconcileWatched(ctx, swarm.ID); err != nil {
			slog.Error("monitor: reconcile watched retries failed", "swarm_id", swarm.ID, "error", err)
		}

		retried, err := m.retryEligibleFailedTasks(ctx, swarm.ID)
		if err != nil {
			slog.Error("monitor: retry step failed", "swarm_id", swarm.ID, "error", err)
		}
		stats.RetriedTasks += retried

		timedOut, err := m.reapStalledTasks(ctx, swarm.ID)
		if err != nil {
			slog.Error("monitor: stall-reap step failed", "swarm_id", swarm.ID, "error", err)
		}
		stats.TimedOutTasks += timedOut

		blocked, err := m.blockPermanentlyFailedDependents(ctx, swarm.ID)
		if err != nil {
			slog.Error("monitor: block step failed", "swarm_id", swarm.ID, "error", err)
		}
		stats.BlockedTasks += blocked
	}

	stats.RetrySuccessRate, stats.RecentInterventions = m.healthSnapshot()
	m.sink.ObserveRetrySuccessRate(stats.RetrySuccessRate)
	m.sink.ObserveRecentInterventions(stats.RecentInterventions)
	return stats, nil
}

// dataKeyRetryDisposition and dataKeyRetryMaxAttempts are the Data
// fields the activity executor that first marked a task failed writes
// after calling retry.Manager.Classify, so the Monitor never
// reclassifies an error it never saw — it only acts on the verdict
// already recorded on the task.
const (
	dataKeyRetryDisposition = "retry_disposition"
	dataKeyRetryMaxAttempts = "retry_max_attempts"
)

// retryEligibleFailedTasks implements step 1: failed tasks the Retry
// Manager classified as backoff-retryable, still within their attempt
// budget, whose backoff window (base·2^(attempts-1), capped) has
// elapsed since their last failure, move back to pending.
func (m *Monitor) retryEligibleFailedTasks(ctx context.Context, swarmID string) (int, error) {
	failed, err := m.store.ListTasks(ctx, swarmID, store.TaskFilter{Status: models.TaskFailed})
	if err != nil {
		return 0, fmt.Errorf("list failed tasks: %w", err)
	}

	count := 0
	for _, task := range failed {
		if task.LastFailureAt == nil {
			continue
		}
		disposition, _ := task.Data[dataKeyRetryDisposition].(string)
		if disposition != string(retry.DispositionBackoffRetry) {
			continue
		}
		maxAttempts := intFromData(task.Data[dataKeyRetryMaxAttempts])
		if task.Attempts >= maxAttempts {
			continue
		}
		window := m.retryMgr.BackoffFor(task.Attempts)
		if time.Since(*task.LastFailureAt) < window {
			continue
		}

		if err := m.store.UpdateTaskStatus(ctx, swarmID, task.ID, models.TaskPending, nil); err != nil {
			return count, fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		m.watch(swarmID, task.ID)
		m.appendEvent(ctx, swarmID, models.EventRetry, map[string]any{
			"task_id": task.ID, "attempts": task.Attempts, "reason": "backoff_elapsed",
		})
		count++
	}
	return count, nil
}

// intFromData reads a JSON-decoded numeric Data field; Postgres's
// jsonb round-trips integers as float64 once unmarshaled into a
// map[string]any, so both representations are accepted.
func intFromData(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// reapStalledTasks implements step 2: in_progress tasks older than the
// stall timeout are marked failed with reason=timeout and their locks
// released.
func (m *Monitor) reapStalledTasks(ctx context.Context, swarmID string) (int, error) {
	inProgress, err := m.store.ListTasks(ctx, swarmID, store.TaskFilter{Status: models.TaskInProgress})
	if err != nil {
		return 0, fmt.Errorf("list in-progress tasks: %w", err)
	}

	threshold := time.Now().Add(-m.stallTimeout)
	count := 0
	for _, task := range inProgress {
		if task.UpdatedAt.After(threshold) {
			continue
		}

		if err := m.store.UpdateTaskStatus(ctx, swarmID, task.ID, models.TaskFailed, map[string]any{"reason": "timeout"}); err != nil {
			return count, fmt.Errorf("mark task %s timed out: %w", task.ID, err)
		}
		if handler := m.handlerFor(swarmID); handler != nil {
			if err := handler.OnTaskFailed(ctx, task.ID, task.AgentID); err != nil {
				slog.Error("monitor: release locks on stall failed", "task_id", task.ID, "error", err)
			}
		}
		m.recordIntervention()
		m.appendEvent(ctx, swarmID, models.EventRetry, map[string]any{
			"task_id": task.ID, "reason": "timeout", "agent_id": task.AgentID,
		})
		count++
	}
	return count, nil
}

// blockPermanentlyFailedDependents implements step 3: pending tasks
// whose dependencies the Conflict Resolver reports as permanently
// failed transition to blocked.
func (m *Monitor) blockPermanentlyFailedDependents(ctx context.Context, swarmID string) (int, error) {
	handler := m.handlerFor(swarmID)
	if handler == nil {
		return 0, nil
	}

	pending, err := m.store.ListTasks(ctx, swarmID, store.TaskFilter{Status: models.TaskPending})
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}

	count := 0
	for _, task := range pending {
		blocked, reason := handler.ShouldBlock(task.Dependencies)
		if !blocked {
			continue
		}
		if err := m.store.UpdateTaskStatus(ctx, swarmID, task.ID, models.TaskBlocked, map[string]any{"reason": reason}); err != nil {
			return count, fmt.Errorf("block task %s: %w", task.ID, err)
		}
		m.recordIntervention()
		m.appendEvent(ctx, swarmID, models.EventEscalation, map[string]any{
			"task_id": task.ID, "reason": reason,
		})
		count++
	}
	return count, nil
}

func (m *Monitor) handlerFor(swarmID string) ConflictHandler {
	if m.conflictFor == nil {
		return nil
	}
	return m.conflictFor(swarmID)
}

func (m *Monitor) appendEvent(ctx context.Context, swarmID string, kind models.EventKind, data map[string]any) {
	_, _ = m.store.AppendEvent(ctx, models.Event{SwarmID: swarmID, Kind: kind, Data: data})
}

// watch records taskID as a requeued task whose eventual outcome
// (completed vs failed again) should count toward the retry success
// rate the next time it's seen in a terminal state.
func (m *Monitor) watch(swarmID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[watchKey(swarmID, taskID)] = struct{}{}
}

// reconcileWatched checks every task this Monitor previously requeued
// and, for any that reached a terminal status since, records the
// outcome and stops watching it.
func (m *Monitor) reconcileWatched(ctx context.Context, swarmID string) error {
	m.mu.Lock()
	if len(m.watched) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	completed, err := m.store.ListTasks(ctx, swarmID, store.TaskFilter{Status: models.TaskCompleted})
	if err != nil {
		return fmt.Errorf("list completed tasks: %w", err)
	}
	failed, err := m.store.ListTasks(ctx, swarmID, store.TaskFilter{Status: models.TaskFailed})
	if err != nil {
		return fmt.Errorf("list failed tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range completed {
		key := watchKey(swarmID, task.ID)
		if _, ok := m.watched[key]; ok {
			delete(m.watched, key)
			m.retriesObserved++
			m.retriesSucceeded++
		}
	}
	for _, task := range failed {
		key := watchKey(swarmID, task.ID)
		if _, ok := m.watched[key]; ok {
			delete(m.watched, key)
			m.retriesObserved++
		}
	}
	return nil
}

func watchKey(swarmID, taskID string) string { return swarmID + "/" + taskID }

func (m *Monitor) recordIntervention() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interventions++
}

func (m *Monitor) healthSnapshot() (rate float64, interventions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retriesObserved > 0 {
		rate = float64(m.retriesSucceeded) / float64(m.retriesObserved)
	}
	return rate, m.interventions
}

