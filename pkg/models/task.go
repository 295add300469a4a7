package models

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskSkipped    TaskStatus = "skipped"
)

// allowedTaskTransitions encodes every transition the Scheduler, Retry
// Manager, and Monitor are permitted to make. Anything not listed here
// is a programming error, not a runtime decision.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskInProgress: true,
		TaskBlocked:    true,
		TaskSkipped:    true,
	},
	TaskInProgress: {
		TaskCompleted: true,
		TaskFailed:    true,
	},
	TaskFailed: {
		TaskPending: true, // Retry Manager only, attempts < max_attempts
	},
	TaskBlocked: {
		TaskPending: true, // unblocked once the failed dependency resolves
		TaskSkipped: true,
	},
}

// CanTransition reports whether from -> to is one of the transitions
// allowed by the task state machine.
func CanTransition(from, to TaskStatus) bool {
	return allowedTaskTransitions[from][to]
}

// Task is the atomic dispatchable unit of work, hierarchically
// identified (e.g. "2.3") and scoped to one swarm.
type Task struct {
	ID           string         `json:"id"`
	SwarmID      string         `json:"swarm_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Priority     int            `json:"priority"`
	Status       TaskStatus     `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	// LastFailureAt is nil until the first failure; the Monitor uses it
	// to compute the exponential backoff window before re-queuing.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}
