package planner

import (
	"fmt"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// Generate is the pure half of Plan: it computes the full PlanDSL (agents,
// tasks, dependency edges, phases) from a Scope with no I/O. Plan calls it
// and then persists the result once it passes the cycle check.
func Generate(scope models.Scope) models.PlanDSL {
	score := Score(scope)
	row := bucketFor(score)
	roles := models.RolesForCount(row.numAgents)

	var dsl models.PlanDSL
	dsl.Score = score
	dsl.Complexity = row.bucket
	dsl.Strategy = row.strategy

	if row.strategy == models.StrategyPhased {
		dsl.Agents, dsl.Tasks, dsl.Phases = generatePhased(roles, row)
	} else {
		dsl.Agents, dsl.Tasks = generateSinglePhase(roles, row)
	}
	return dsl
}

// generateSinglePhase builds tasksPerAgent(row, len(roles)) subtasks per
// agent — the §4.5 bucket table's minTasks/maxTasks drive that count, so
// e.g. the complex bucket's 5 agents land in its declared 25-35 total
// rather than the flat four-per-agent baseline — chained design →
// implement → test → document → ..., with the deployment role's chain
// depending on the final task of every frontend/backend-shaped role.
func generateSinglePhase(roles []models.AgentRole, row bucketRow) ([]models.PlanAgent, []models.PlanTask) {
	n := tasksPerAgent(row, len(roles))
	agents := make([]models.PlanAgent, 0, len(roles))
	tasks := make([]models.PlanTask, 0, len(roles)*n)

	var upstreamLastIDs []string
	var deploymentAgentIdx = -1

	for ai, role := range roles {
		templates := roleTaskTemplates(role, n)
		taskIDs := make([]string, 0, n)
		var prevID string
		for ti, tmpl := range templates {
			id := fmt.Sprintf("%d.%d", ai+1, ti+1)
			var deps []string
			if prevID != "" {
				deps = []string{prevID}
			}
			tasks = append(tasks, models.PlanTask{
				ID:           id,
				Title:        tmpl.title,
				Description:  tmpl.desc,
				Priority:     10 - 2*ti,
				Dependencies: deps,
				Role:         role,
			})
			taskIDs = append(taskIDs, id)
			prevID = id
		}
		agents = append(agents, models.PlanAgent{Role: role, TaskIDs: taskIDs})

		if isFrontendRole(role) || isBackendRole(role) {
			upstreamLastIDs = append(upstreamLastIDs, taskIDs[len(taskIDs)-1])
		}
		if isDeploymentRole(role) {
			deploymentAgentIdx = ai
		}
	}

	if deploymentAgentIdx >= 0 && len(upstreamLastIDs) > 0 {
		firstDeployTaskIdx := deploymentAgentIdx * n
		tasks[firstDeployTaskIdx].Dependencies = append(tasks[firstDeployTaskIdx].Dependencies, upstreamLastIDs...)
	}

	return agents, tasks
}

// generatePhased builds the monster-bucket shape: three delivery phases
// (MVP, Enhanced, Polish), each with its own milestone gate and its own
// tasksPerAgent(row, ...)-subtask-per-agent slice (sized over the slots
// of all three phases rather than one phase alone; with 9 agents that is
// 27 slots at the 4-subtask floor, 108 tasks, above the row's maxTasks),
// with each phase's deployment tasks depending on that same phase's
// frontend/backend tasks.
func generatePhased(roles []models.AgentRole, row bucketRow) ([]models.PlanAgent, []models.PlanTask, []models.PlanPhase) {
	phaseNames := []string{"MVP", "Enhanced", "Polish"}
	n := tasksPerAgent(row, len(roles)*len(phaseNames))
	agentTaskIDs := make(map[int][]string, len(roles))
	var tasks []models.PlanTask
	var phases []models.PlanPhase

	for pi, phaseName := range phaseNames {
		var phaseTaskIDs []string
		var upstreamLastIDs []string
		deploymentAgentIdx := -1

		for ai, role := range roles {
			templates := roleTaskTemplates(role, n)
			var prevID string
			var lastID string
			var thisAgentTaskIDs []string
			for ti, tmpl := range templates {
				id := fmt.Sprintf("%d.%d.%d", pi+1, ai+1, ti+1)
				var deps []string
				if prevID != "" {
					deps = []string{prevID}
				}
				tasks = append(tasks, models.PlanTask{
					ID:           id,
					Title:        fmt.Sprintf("[%s] %s", phaseName, tmpl.title),
					Description:  tmpl.desc,
					Priority:     10 - 2*ti,
					Dependencies: deps,
					Role:         role,
					Data:         map[string]any{"phase": phaseName},
				})
				prevID = id
				lastID = id
				thisAgentTaskIDs = append(thisAgentTaskIDs, id)
			}
			agentTaskIDs[ai] = append(agentTaskIDs[ai], thisAgentTaskIDs...)
			phaseTaskIDs = append(phaseTaskIDs, thisAgentTaskIDs...)

			if isFrontendRole(role) || isBackendRole(role) {
				upstreamLastIDs = append(upstreamLastIDs, lastID)
			}
			if isDeploymentRole(role) {
				deploymentAgentIdx = ai
			}
		}

		if deploymentAgentIdx >= 0 && len(upstreamLastIDs) > 0 {
			firstDeployID := fmt.Sprintf("%d.%d.%d", pi+1, deploymentAgentIdx+1, 1)
			for i := range tasks {
				if tasks[i].ID == firstDeployID {
					tasks[i].Dependencies = append(tasks[i].Dependencies, upstreamLastIDs...)
					break
				}
			}
		}

		phases = append(phases, models.PlanPhase{
			Name:      phaseName,
			TaskIDs:   phaseTaskIDs,
			Milestone: fmt.Sprintf("%s milestone reached", phaseName),
		})
	}

	agents := make([]models.PlanAgent, len(roles))
	for ai, role := range roles {
		agents[ai] = models.PlanAgent{Role: role, TaskIDs: agentTaskIDs[ai]}
	}

	return agents, tasks, phases
}
