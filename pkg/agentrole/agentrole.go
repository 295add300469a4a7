// Package agentrole gives each models.AgentRole its own capability
// implementation (§9 Design Notes: "tagged variant plus a capability
// interface") instead of the source's class-style role polymorphism.
// Adding a role means adding a models.AgentRole constant plus an entry
// in registry, not wiring a runtime string somewhere.
package agentrole

import (
	"encoding/json"
	"fmt"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// Capability is what the Workflow Engine's dispatch step needs from a
// role to build one task's completion request and interpret its reply.
type Capability interface {
	// BuildPrompt renders the system prompt for one task, given the
	// scope the swarm was created from.
	BuildPrompt(scope models.Scope, task models.PlanTask) string
	// ParseOutput turns the LLM's raw completion text into the
	// structured data attached to the task on completion.
	ParseOutput(raw string) (map[string]any, error)
	// AllowedTools lists the tool names this role's agent may invoke;
	// nil means no tool access, just completions.
	AllowedTools() []string
}

// Unknown is returned by For when role has no registered Capability.
type Unknown struct {
	Role models.AgentRole
}

func (e *Unknown) Error() string {
	return fmt.Sprintf("agentrole: no capability registered for role %q", e.Role)
}

var registry = map[models.AgentRole]Capability{
	models.RoleFrontendArchitect:  frontendArchitect{},
	models.RoleBackendIntegrator:  backendIntegrator{},
	models.RoleDeploymentGuardian: deploymentGuardian{},
	models.RoleDataModeler:        genericRole{label: "data modeling", focus: "schema design, migrations, and data integrity"},
	models.RoleQAEngineer:        genericRole{label: "quality assurance", focus: "test coverage, edge cases, and regression risk"},
	models.RoleSecurityAuditor:    genericRole{label: "security auditing", focus: "authn/authz gaps, injection risk, and secret handling"},
	models.RoleDevOpsEngineer:     genericRole{label: "devops engineering", focus: "CI pipelines, environment config, and release automation"},
	models.RoleDocsWriter:         genericRole{label: "documentation", focus: "API reference, setup guides, and architecture notes"},
	models.RoleIntegrationTester:  genericRole{label: "integration testing", focus: "end-to-end flows across service boundaries"},
	models.RolePerformanceTuner:   genericRole{label: "performance tuning", focus: "latency, throughput, and resource usage"},
}

// For returns the Capability implementation for role.
func For(role models.AgentRole) (Capability, error) {
	cap, ok := registry[role]
	if !ok {
		return nil, &Unknown{Role: role}
	}
	return cap, nil
}

func basePrompt(roleLabel string, scope models.Scope, task models.PlanTask) string {
	return fmt.Sprintf(
		"You are the %s on a swarm building %q.\nProject goal: %s\nStack: frontend=%s backend=%s database=%s\n\nYour task: %s\n%s\n\nRespond with the artifact this task calls for. If you produce structured\ndata about what you built, include it as a fenced ```json block.",
		roleLabel, scope.ProjectName, scope.Goal,
		scope.TechStack.Frontend, scope.TechStack.Backend, scope.TechStack.Database,
		task.Title, task.Description,
	)
}

// parseOutputJSON is shared by roles whose ParseOutput just looks for an
// optional trailing JSON object and otherwise stores the raw text.
func parseOutputJSON(raw string) (map[string]any, error) {
	start, end := -1, -1
	for i := 0; i < len(raw); i++ {
		if raw[i] == '{' && start == -1 {
			start = i
		}
		if raw[i] == '}' {
			end = i
		}
	}
	out := map[string]any{"raw": raw}
	if start == -1 || end == -1 || end <= start {
		return out, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return out, nil
	}
	for k, v := range parsed {
		out[k] = v
	}
	return out, nil
}

type frontendArchitect struct{}

func (frontendArchitect) BuildPrompt(scope models.Scope, task models.PlanTask) string {
	return basePrompt("frontend architect", scope, task) +
		"\n\nDescribe the UI artifact as {components[], constraints{responsive, wcag, theme}, hooks[]}."
}
func (frontendArchitect) ParseOutput(raw string) (map[string]any, error) { return parseOutputJSON(raw) }
func (frontendArchitect) AllowedTools() []string                        { return []string{"write_file", "read_file", "run_lint"} }

type backendIntegrator struct{}

func (backendIntegrator) BuildPrompt(scope models.Scope, task models.PlanTask) string {
	return basePrompt("backend integrator", scope, task) +
		"\n\nDescribe the API surface you implemented as {endpoints[], models[]}."
}
func (backendIntegrator) ParseOutput(raw string) (map[string]any, error) { return parseOutputJSON(raw) }
func (backendIntegrator) AllowedTools() []string {
	return []string{"write_file", "read_file", "run_tests", "run_migration"}
}

type deploymentGuardian struct{}

func (deploymentGuardian) BuildPrompt(scope models.Scope, task models.PlanTask) string {
	return basePrompt("deployment guardian", scope, task) +
		"\n\nOnly proceed once the upstream frontend and backend artifacts are in hand; describe the rollout plan."
}
func (deploymentGuardian) ParseOutput(raw string) (map[string]any, error) { return parseOutputJSON(raw) }
func (deploymentGuardian) AllowedTools() []string {
	return []string{"write_file", "run_deploy", "run_tests"}
}

// genericRole covers the adaptive roles (§4.5 bucket table rows beyond
// the baseline three): they share one prompt shape parameterized by
// label/focus rather than each needing a bespoke struct.
type genericRole struct {
	label string
	focus string
}

func (g genericRole) BuildPrompt(scope models.Scope, task models.PlanTask) string {
	return basePrompt(g.label, scope, task) + "\n\nFocus area: " + g.focus + "."
}
func (g genericRole) ParseOutput(raw string) (map[string]any, error) { return parseOutputJSON(raw) }
func (g genericRole) AllowedTools() []string                        { return []string{"write_file", "read_file"} }
