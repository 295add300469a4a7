// Package scheduler implements the Task Scheduler (§4.7 C7): the
// dependency-aware ready queue, cycle detection, and progress accounting
// every task transition is checked against.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/store"
)

// TaskStore is the subset of pkg/store the Scheduler reads from.
type TaskStore interface {
	ListTasks(ctx context.Context, swarmID string, filter store.TaskFilter) ([]models.Task, error)
	ListAgents(ctx context.Context, swarmID string) ([]models.Agent, error)
}

// BlockChecker is the subset of pkg/conflict the Scheduler consults when
// deciding whether a task may start.
type BlockChecker interface {
	ShouldBlock(dependencies []string) (bool, string)
}

// Scheduler is the Task Scheduler component.
type Scheduler struct {
	store   TaskStore
	blocker BlockChecker
}

// New constructs a Scheduler.
func New(store TaskStore, blocker BlockChecker) *Scheduler {
	return &Scheduler{store: store, blocker: blocker}
}

// AreDependenciesMet reports whether every dependency of task is
// completed and none is failed, using byID as the in-memory task map. An
// unknown dependency id is treated as not met.
func AreDependenciesMet(task models.Task, byID map[string]models.Task) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := byID[dep]
		if !ok {
			return false
		}
		if depTask.Status == models.TaskFailed {
			return false
		}
		if depTask.Status != models.TaskCompleted {
			return false
		}
	}
	return true
}

// ReadyTasks enumerates pending tasks in swarmID whose dependencies are
// met and whose owning agent is not currently occupied, sorted by
// (priority desc, created_at asc), with equal-priority ties broken by
// §4.7's critical-path heuristic: the task with fewer downstream
// dependents runs first, since it frees up less of the graph for later
// scheduling decisions than a task sitting deeper on the critical path.
func (s *Scheduler) ReadyTasks(ctx context.Context, swarmID string) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(ctx, swarmID, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list tasks: %w", err)
	}
	agents, err := s.store.ListAgents(ctx, swarmID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list agents: %w", err)
	}

	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	busy := make(map[string]bool, len(agents))
	for _, a := range agents {
		busy[a.ID] = a.State.Status == models.AgentWorking
	}
	dependents := downstreamDependentCounts(tasks)

	var ready []models.Task
	for _, t := range tasks {
		if t.Status != models.TaskPending {
			continue
		}
		if !AreDependenciesMet(t, byID) {
			continue
		}
		if t.AgentID != "" && busy[t.AgentID] {
			continue
		}
		ready = append(ready, t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if dependents[ready[i].ID] != dependents[ready[j].ID] {
			return dependents[ready[i].ID] < dependents[ready[j].ID]
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}

// downstreamDependentCounts counts, for every task id in tasks, how many
// other tasks in the same set declare it as a dependency — the "how much
// of the graph is waiting on this" figure the tie-break sorts on.
func downstreamDependentCounts(tasks []models.Task) map[string]int {
	counts := make(map[string]int, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			counts[dep]++
		}
	}
	return counts
}

// DetectCycle runs a DFS with visited/on-stack sets over swarmID's full
// task set and returns the offending cycle (task ids in cycle order), or
// nil if the graph is acyclic.
func (s *Scheduler) DetectCycle(ctx context.Context, swarmID string) ([]string, error) {
	tasks, err := s.store.ListTasks(ctx, swarmID, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list tasks: %w", err)
	}
	return detectCycle(tasks), nil
}

func detectCycle(tasks []models.Task) []string {
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

// Progress summarizes a swarm's task completion.
type Progress struct {
	Completed  int     `json:"completed"`
	InProgress int     `json:"in_progress"`
	Pending    int     `json:"pending"`
	Failed     int     `json:"failed"`
	Total      int     `json:"total"`
	Fraction   float64 `json:"progress"`
}

// CalculateProgress reports completed/total as a float in [0,1], with
// failures broken out separately.
func (s *Scheduler) CalculateProgress(ctx context.Context, swarmID string) (Progress, error) {
	tasks, err := s.store.ListTasks(ctx, swarmID, store.TaskFilter{})
	if err != nil {
		return Progress{}, fmt.Errorf("scheduler: list tasks: %w", err)
	}

	var p Progress
	p.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			p.Completed++
		case models.TaskInProgress:
			p.InProgress++
		case models.TaskPending:
			p.Pending++
		case models.TaskFailed:
			p.Failed++
		}
	}
	if p.Total > 0 {
		p.Fraction = float64(p.Completed) / float64(p.Total)
	}
	return p, nil
}

// CanAgentStart combines the dependency check and the Conflict
// Resolver's block check for one task.
func (s *Scheduler) CanAgentStart(ctx context.Context, swarmID, agentID, taskID string) (bool, string, error) {
	tasks, err := s.store.ListTasks(ctx, swarmID, store.TaskFilter{})
	if err != nil {
		return false, "", fmt.Errorf("scheduler: list tasks: %w", err)
	}
	byID := make(map[string]models.Task, len(tasks))
	var target models.Task
	found := false
	for _, t := range tasks {
		byID[t.ID] = t
		if t.ID == taskID {
			target = t
			found = true
		}
	}
	if !found {
		return false, "task not found", nil
	}
	if target.AgentID != "" && target.AgentID != agentID {
		return false, "task is owned by a different agent", nil
	}

	if !AreDependenciesMet(target, byID) {
		return false, "dependencies not met", nil
	}
	if blocked, reason := s.blocker.ShouldBlock(target.Dependencies); blocked {
		return false, reason, nil
	}
	return true, "", nil
}
