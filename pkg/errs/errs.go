// Package errs holds the cross-cutting typed errors §7 defines: the
// ones that cross a package boundary and need a consistent shape for
// the HTTP layer to errors.As into, rather than living next to a
// single owning package the way store.ErrNotFound or
// llmgateway.RateLimited do.
package errs

import "fmt"

// TaskTimeout reports that an in-progress task exceeded its allotted
// runtime and was marked failed by the Orchestration Monitor.
type TaskTimeout struct {
	TaskID string
}

func (e *TaskTimeout) Error() string {
	return fmt.Sprintf("task %s timed out", e.TaskID)
}

// DependencyFailed reports that a task cannot proceed because one of
// its dependencies failed permanently.
type DependencyFailed struct {
	TaskID    string
	DependsOn string
}

func (e *DependencyFailed) Error() string {
	return fmt.Sprintf("task %s blocked: dependency %s failed", e.TaskID, e.DependsOn)
}

// CycleDetected reports a dependency cycle found before a plan or
// schedule was persisted.
type CycleDetected struct {
	TaskIDs []string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.TaskIDs)
}

// SLOBreach reports that a workflow failed to meet an SLO Gate
// threshold (§4.11).
type SLOBreach struct {
	SLOName           string
	Actual, Threshold float64
	Retryable         bool
}

func (e *SLOBreach) Error() string {
	return fmt.Sprintf("slo %s breached: actual=%.3f threshold=%.3f", e.SLOName, e.Actual, e.Threshold)
}

// Escalated signals that human input is required before a task can
// proceed. The workflow pauses the affected task but the swarm stays
// running.
type Escalated struct {
	Kind string
}

func (e *Escalated) Error() string {
	return fmt.Sprintf("escalated: %s requires human input", e.Kind)
}

// DesignFlaw reports a structural defect in a generated plan (a
// dependency cycle or a contradictory spec) that only the Planner can
// repair by redesigning, not by a plain retry.
type DesignFlaw struct {
	Reason string
}

func (e *DesignFlaw) Error() string {
	return fmt.Sprintf("design flaw: %s", e.Reason)
}

// Configuration reports a missing secret or invalid API key — never
// retried, always escalated.
type Configuration struct {
	Detail string
}

func (e *Configuration) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Detail)
}
