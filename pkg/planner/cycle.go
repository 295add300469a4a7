package planner

import "github.com/swarmforge/orchestrator/pkg/models"

// detectCycle runs a standard DFS with visited/on-stack sets over the
// generated task dependency graph and returns the offending cycle (task
// ids in cycle order), or nil if the graph is acyclic.
func detectCycle(tasks []models.PlanTask) []string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)

		for _, dep := range deps[id] {
			switch state[dep] {
			case onStack:
				// Found the cycle: slice stack from dep's first occurrence.
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}

		state[id] = done
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited {
			if cyc := visit(t.ID); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
