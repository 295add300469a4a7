// Package planner implements the Adaptive Planner (§4.5 C5): scores a
// Scope's complexity, buckets it into an agent/task shape, generates the
// task DAG, and, once it has been validated to be acyclic, persists its
// agents and tasks one row at a time. The writes do not share a
// transaction: a store error part-way through leaves the rows already
// written in place.
package planner

import (
	"context"
	"fmt"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// InvalidPlan is returned when the generated task graph contains a cycle.
// Per §4.5, no rows are persisted when this happens.
type InvalidPlan struct {
	Cycle []string
}

func (e *InvalidPlan) Error() string {
	return fmt.Sprintf("planner: invalid plan, dependency cycle: %v", e.Cycle)
}

// Store is the subset of pkg/store the Planner depends on to persist a
// validated plan.
type Store interface {
	CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error)
	CreateTask(ctx context.Context, task models.Task) (models.Task, error)
}

// Planner is the Adaptive Planner component. It holds no mutable state of
// its own: Plan is one pure computation followed by one persistence pass,
// mirroring the teacher's stateless, Run-style controller split between
// evaluation and effect.
type Planner struct {
	store Store
}

// New constructs a Planner.
func New(store Store) *Planner {
	return &Planner{store: store}
}

// Plan implements §4.5: Plan(scope) → PlanDSL. The dependency graph is
// checked for cycles before anything is written; on InvalidPlan no agents
// or tasks are persisted.
func (p *Planner) Plan(ctx context.Context, swarmID string, scope models.Scope) (models.PlanDSL, error) {
	plan := Generate(scope)

	if cycle := detectCycle(plan.Tasks); len(cycle) > 0 {
		return models.PlanDSL{}, &InvalidPlan{Cycle: cycle}
	}

	for i, agent := range plan.Agents {
		if _, err := p.store.CreateAgent(ctx, models.Agent{
			SwarmID: swarmID,
			Role:    agent.Role,
			State:   models.AgentState{Status: models.AgentIdle},
		}); err != nil {
			return models.PlanDSL{}, fmt.Errorf("planner: create agent %d (%s): %w", i, agent.Role, err)
		}
	}

	for _, task := range plan.Tasks {
		data := task.Data
		if data == nil {
			data = map[string]any{}
		}
		data["role"] = string(task.Role)

		_, err := p.store.CreateTask(ctx, models.Task{
			ID:           task.ID,
			SwarmID:      swarmID,
			Title:        task.Title,
			Description:  task.Description,
			Priority:     task.Priority,
			Status:       models.TaskPending,
			Dependencies: task.Dependencies,
			Data:         data,
		})
		if err != nil {
			return models.PlanDSL{}, fmt.Errorf("planner: create task %s: %w", task.ID, err)
		}
	}

	return plan, nil
}

// taskStages are the subtask lifecycle stages a role's work is broken
// into, in order. Every role gets at least the first four (Design through
// Document); buckets whose table row calls for more subtasks per agent
// (§4.5's complex bucket) draw on the remaining stages to get there.
var taskStages = []struct{ verb, descTemplate string }{
	{"Design", "Design the %s slice of the system before implementation starts."},
	{"Implement", "Build the %s functionality for this milestone."},
	{"Test", "Write and run tests covering the %s work."},
	{"Document", "Record decisions and usage notes for the %s work."},
	{"Harden", "Address edge cases and failure modes in the %s work."},
	{"Integrate", "Wire the %s work into the rest of the swarm's output."},
	{"Review", "Review the %s work for correctness and quality before sign-off."},
	{"Optimize", "Tune the %s work for performance once functionality is proven."},
}

// roleTaskTemplates returns the n subtask shapes generated for a single
// agent role, drawn in order from taskStages. n is clamped to at least
// one stage and at most len(taskStages).
func roleTaskTemplates(role models.AgentRole, n int) []struct{ title, desc string } {
	if n > len(taskStages) {
		n = len(taskStages)
	}
	if n < 1 {
		n = 1
	}
	label := roleLabel(role)
	out := make([]struct{ title, desc string }, n)
	for i := 0; i < n; i++ {
		stage := taskStages[i]
		out[i] = struct{ title, desc string }{
			title: fmt.Sprintf("%s %s", stage.verb, label),
			desc:  fmt.Sprintf(stage.descTemplate, label),
		}
	}
	return out
}

func roleLabel(role models.AgentRole) string {
	switch role {
	case models.RoleFrontendArchitect:
		return "frontend"
	case models.RoleBackendIntegrator:
		return "backend"
	case models.RoleDeploymentGuardian:
		return "deployment"
	case models.RoleDataModeler:
		return "data model"
	case models.RoleQAEngineer:
		return "QA"
	case models.RoleSecurityAuditor:
		return "security"
	case models.RoleDevOpsEngineer:
		return "devops"
	case models.RoleDocsWriter:
		return "docs"
	case models.RoleIntegrationTester:
		return "integration testing"
	case models.RolePerformanceTuner:
		return "performance"
	default:
		return string(role)
	}
}

// isFrontendRole / isBackendRole classify a role for the "deployment
// depends on both frontend and backend" wiring rule.
func isFrontendRole(role models.AgentRole) bool {
	return role == models.RoleFrontendArchitect || role == models.RoleDataModeler
}

func isBackendRole(role models.AgentRole) bool {
	return role == models.RoleBackendIntegrator
}

func isDeploymentRole(role models.AgentRole) bool {
	return role == models.RoleDeploymentGuardian
}
