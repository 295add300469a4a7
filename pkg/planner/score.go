package planner

import "github.com/swarmforge/orchestrator/pkg/models"

// Score computes the complexity score from §4.5:
//
//	score = 2·|features| + 3·|integrations| + 1·|pages_est| + 2·|models_est| + 1.5·|endpoints_est|
func Score(s models.Scope) float64 {
	return 2*float64(len(s.Features)) +
		3*float64(len(s.Integrations)) +
		float64(s.PagesEstimate) +
		2*float64(s.ModelsEstimate) +
		1.5*float64(s.EndpointsEstimate)
}

// bucketRow is one row of the §4.5 bucket table.
type bucketRow struct {
	bucket    models.ComplexityBucket
	min, max  float64 // max is exclusive; monster's max is -1 (unbounded)
	numAgents int
	minTasks  int
	maxTasks  int
	strategy  models.PlanStrategy
}

var bucketTable = []bucketRow{
	{models.ComplexitySimple, 0, 20, 2, 6, 8, models.StrategySinglePhase},
	{models.ComplexityMedium, 20, 50, 3, 12, 15, models.StrategySinglePhase},
	{models.ComplexityComplex, 50, 100, 5, 25, 35, models.StrategySinglePhase},
	{models.ComplexityMonster, 100, -1, 9, 50, 100, models.StrategyPhased},
}

// bucketFor returns the bucket row matching score. The monster row's max
// is unbounded (represented as max < min, i.e. -1).
func bucketFor(score float64) bucketRow {
	for _, row := range bucketTable {
		if score >= row.min && (row.max < 0 || score < row.max) {
			return row
		}
	}
	return bucketTable[len(bucketTable)-1]
}

// tasksPerAgent derives how many subtasks each agent slot gets, aiming
// the total at row's declared [minTasks, maxTasks] range from the §4.5
// bucket table, given the number of agent slots the caller is about to
// fill (one slot per agent for the single-phase generator, one slot per
// agent per phase for the phased one). It never drops below 4 — the
// baseline Design/Implement/Test/Document lifecycle every role gets —
// and that floor takes precedence over maxTasks: the monster row's 27
// slots get 4 each, 108 tasks in all.
func tasksPerAgent(row bucketRow, slots int) int {
	if slots <= 0 {
		return 4
	}
	n := (row.minTasks + slots - 1) / slots // ceil
	if row.maxTasks > 0 && n*slots > row.maxTasks {
		n--
	}
	if n < 4 {
		n = 4
	}
	return n
}
