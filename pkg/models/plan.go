package models

// ComplexityBucket is the Adaptive Planner's classification of a Scope's
// size, derived from its complexity score.
type ComplexityBucket string

const (
	ComplexitySimple  ComplexityBucket = "simple"
	ComplexityMedium  ComplexityBucket = "medium"
	ComplexityComplex ComplexityBucket = "complex"
	ComplexityMonster ComplexityBucket = "monster"
)

// PlanStrategy is how the planner phases task delivery.
type PlanStrategy string

const (
	StrategySinglePhase PlanStrategy = "single_phase"
	StrategyPhased       PlanStrategy = "phased"
)

// PlanPhase groups a contiguous slice of tasks behind a milestone gate.
// Only populated when Strategy is StrategyPhased.
type PlanPhase struct {
	Name      string   `json:"name"`
	TaskIDs   []string `json:"task_ids"`
	Milestone string   `json:"milestone"`
}

// PlanAgent is one agent slot the planner will materialize, along with
// the task ids it seeds for that role.
type PlanAgent struct {
	Role    AgentRole `json:"role"`
	TaskIDs []string  `json:"task_ids"`
}

// PlanTask is a task the planner intends to persist, before it has been
// written to the store and assigned a creation timestamp.
type PlanTask struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Role         AgentRole      `json:"role"`
	Data         map[string]any `json:"data,omitempty"`
}

// PlanDSL is the structured output of the Adaptive Planner: the full set
// of agents and tasks (with dependency edges) it intends to create for a
// Scope, plus the complexity analysis that produced it.
type PlanDSL struct {
	Complexity ComplexityBucket `json:"complexity"`
	Score      float64          `json:"score"`
	Strategy   PlanStrategy     `json:"strategy"`
	Agents     []PlanAgent      `json:"agents"`
	Tasks      []PlanTask       `json:"tasks"`
	Phases     []PlanPhase      `json:"phases,omitempty"`
}
