package models

import "time"

// EscalationKind classifies why a blocker required human input.
type EscalationKind string

const (
	EscalationConfiguration      EscalationKind = "configuration"
	EscalationDesignDecision     EscalationKind = "design_decision"
	EscalationExternalService    EscalationKind = "external_service"
	EscalationUnclearRequirement EscalationKind = "unclear_requirement"
)

// EscalationStatus is the resolution state of an Escalation.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationCancelled EscalationStatus = "cancelled"
)

// Escalation is a surfaced blocker created when the Retry Manager
// classifies an error as unrecoverable without human input.
type Escalation struct {
	ID                 string         `json:"id"`
	SwarmID            string         `json:"swarm_id"`
	TaskID             string         `json:"task_id"`
	AgentID            string         `json:"agent_id,omitempty"`
	Kind               EscalationKind `json:"kind"`
	Severity           string         `json:"severity"`
	Description        string         `json:"description"`
	SuggestedActions   []string       `json:"suggested_actions,omitempty"`
	CanContinueWithout bool           `json:"can_continue_without"`
	Status             EscalationStatus `json:"status"`
	// Resolution is nil until a human supplies it; a partial
	// resolution (not every requested field present) keeps Status
	// pending with Resolution holding the merged payload so far.
	Resolution map[string]any `json:"resolution,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
