package models

import "time"

// AgentRole identifies the specialization of a worker agent. New roles
// are added as new constants plus their capability implementation, not
// by wiring arbitrary strings at runtime.
type AgentRole string

const (
	RoleFrontendArchitect  AgentRole = "frontend_architect"
	RoleBackendIntegrator  AgentRole = "backend_integrator"
	RoleDeploymentGuardian AgentRole = "deployment_guardian"
	RoleDataModeler        AgentRole = "data_modeler"
	RoleQAEngineer         AgentRole = "qa_engineer"
	RoleSecurityAuditor    AgentRole = "security_auditor"
	RoleDevOpsEngineer     AgentRole = "devops_engineer"
	RoleDocsWriter         AgentRole = "docs_writer"
	RoleIntegrationTester  AgentRole = "integration_tester"
	RolePerformanceTuner   AgentRole = "performance_tuner"
)

// AgentStatus is the agent's current occupation state.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
)

// AgentState is the agent's structured, mutable state blob.
type AgentState struct {
	Status        AgentStatus    `json:"status"`
	CurrentTaskID string         `json:"current_task_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Agent is a logical worker with a role, scoped to exactly one swarm.
type Agent struct {
	ID         string     `json:"id"`
	SwarmID    string     `json:"swarm_id"`
	Role       AgentRole  `json:"role"`
	State      AgentState `json:"state"`
	AssignedAt time.Time  `json:"assigned_at"`
}

// defaultRoleOrder is the order in which the Adaptive Planner assigns
// roles as it scales agent count up from the three baseline roles.
var defaultRoleOrder = []AgentRole{
	RoleFrontendArchitect,
	RoleBackendIntegrator,
	RoleDeploymentGuardian,
	RoleDataModeler,
	RoleQAEngineer,
	RoleSecurityAuditor,
	RoleDevOpsEngineer,
	RoleDocsWriter,
	RoleIntegrationTester,
	RolePerformanceTuner,
}

// RolesForCount returns the first n roles in planner assignment order.
// n is clamped to the number of known roles.
func RolesForCount(n int) []AgentRole {
	if n > len(defaultRoleOrder) {
		n = len(defaultRoleOrder)
	}
	if n < 0 {
		n = 0
	}
	out := make([]AgentRole, n)
	copy(out, defaultRoleOrder[:n])
	return out
}
