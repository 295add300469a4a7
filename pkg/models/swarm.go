// Package models defines the persisted entities shared across the
// orchestration engine: swarms, agents, tasks, escalations, the event
// log, stack templates, and file locks.
package models

import "time"

// SwarmStatus is the lifecycle state of a Swarm.
type SwarmStatus string

const (
	SwarmIdle              SwarmStatus = "idle"
	SwarmRunning           SwarmStatus = "running"
	SwarmPaused            SwarmStatus = "paused"
	SwarmAwaitingApproval  SwarmStatus = "awaiting_approval"
	SwarmCompleted         SwarmStatus = "completed"
	SwarmFailed            SwarmStatus = "failed"
	SwarmCancelled         SwarmStatus = "cancelled"
)

// IsTerminal reports whether status is one from which a swarm never
// transitions again.
func (s SwarmStatus) IsTerminal() bool {
	switch s {
	case SwarmCompleted, SwarmFailed, SwarmCancelled:
		return true
	default:
		return false
	}
}

// Swarm is the top-level execution unit: a single orchestration run for
// one user request, owning its agents and tasks.
type Swarm struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    SwarmStatus `json:"status"`
	NumAgents int         `json:"num_agents"`
	// Metadata holds the full extracted Scope plus any other
	// structured payload the Workflow Engine attaches as it runs.
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	// Version backs optimistic-concurrency updates in the store.
	Version int `json:"version"`
}
