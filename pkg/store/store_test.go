package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/store"
	"github.com/swarmforge/orchestrator/test/util"
)

func newStore(t *testing.T) *store.Store {
	return store.New(util.NewTestPool(t))
}

func TestSwarmLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	swarm, err := s.CreateSwarm(ctx, models.Swarm{
		Name:      "todo-app",
		Status:    models.SwarmIdle,
		NumAgents: 2,
		Metadata:  map[string]any{"goal": "build a todo list"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, swarm.ID)
	assert.Equal(t, 0, swarm.Version)

	fetched, err := s.GetSwarm(ctx, swarm.ID)
	require.NoError(t, err)
	assert.Equal(t, swarm.Name, fetched.Name)
	assert.Equal(t, "build a todo list", fetched.Metadata["goal"])

	require.NoError(t, s.UpdateSwarmStatus(ctx, swarm.ID, fetched.Version, models.SwarmRunning))

	fetched2, err := s.GetSwarm(ctx, swarm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwarmRunning, fetched2.Status)
	assert.Equal(t, 1, fetched2.Version)

	// stale version is rejected
	err = s.UpdateSwarmStatus(ctx, swarm.ID, fetched.Version, models.SwarmCompleted)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
}

func TestGetSwarm_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetSwarm(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSwarms_OrderedNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.CreateSwarm(ctx, models.Swarm{Name: "a", Status: models.SwarmIdle})
	require.NoError(t, err)
	b, err := s.CreateSwarm(ctx, models.Swarm{Name: "b", Status: models.SwarmIdle})
	require.NoError(t, err)

	swarms, err := s.ListSwarms(ctx)
	require.NoError(t, err)
	require.Len(t, swarms, 2)
	assert.Equal(t, b.ID, swarms[0].ID)
	assert.Equal(t, a.ID, swarms[1].ID)
}

func TestAgentLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	swarm, err := s.CreateSwarm(ctx, models.Swarm{Name: "x", Status: models.SwarmIdle})
	require.NoError(t, err)

	agent, err := s.CreateAgent(ctx, models.Agent{
		SwarmID: swarm.ID,
		Role:    models.RoleFrontendArchitect,
		State:   models.AgentState{Status: models.AgentIdle},
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateAgentState(ctx, agent.ID, models.AgentState{
		Status:        models.AgentWorking,
		CurrentTaskID: "1.1",
		Data:          map[string]any{"note": "started"},
	}))

	fetched, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentWorking, fetched.State.Status)
	assert.Equal(t, "1.1", fetched.State.CurrentTaskID)
	assert.Equal(t, "started", fetched.State.Data["note"])

	list, err := s.ListAgents(ctx, swarm.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTaskLifecycleAndIdempotentStatusUpdate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	swarm, err := s.CreateSwarm(ctx, models.Swarm{Name: "x", Status: models.SwarmIdle})
	require.NoError(t, err)

	task, err := s.CreateTask(ctx, models.Task{
		ID:       "1.1",
		SwarmID:  swarm.ID,
		Title:    "scaffold project",
		Priority: 8,
		Status:   models.TaskPending,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, task.Attempts)

	require.NoError(t, s.UpdateTaskStatus(ctx, swarm.ID, task.ID, models.TaskInProgress, nil))
	fetched, err := s.GetTask(ctx, swarm.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, fetched.Status)
	assert.Equal(t, 1, fetched.Attempts)

	require.NoError(t, s.UpdateTaskStatus(ctx, swarm.ID, task.ID, models.TaskCompleted, map[string]any{"output": "ok"}))
	require.NoError(t, s.UpdateTaskStatus(ctx, swarm.ID, task.ID, models.TaskCompleted, map[string]any{"output": "ok"}))

	fetched2, err := s.GetTask(ctx, swarm.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, fetched2.Status)
	assert.Equal(t, "ok", fetched2.Data["output"])
}

func TestListTasks_FilterByStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	swarm, err := s.CreateSwarm(ctx, models.Swarm{Name: "x", Status: models.SwarmIdle})
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, models.Task{ID: "1.1", SwarmID: swarm.ID, Title: "a", Status: models.TaskPending, Priority: 5})
	require.NoError(t, err)
	t2, err := s.CreateTask(ctx, models.Task{ID: "1.2", SwarmID: swarm.ID, Title: "b", Status: models.TaskPending, Priority: 9})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(ctx, swarm.ID, t2.ID, models.TaskCompleted, nil))

	pending, err := s.ListTasks(ctx, swarm.ID, store.TaskFilter{Status: models.TaskPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "1.1", pending[0].ID)

	all, err := s.ListTasks(ctx, swarm.ID, store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// priority desc ordering
	assert.Equal(t, "1.2", all[0].ID)
}

func TestEventAppendAndQuery(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	swarm, err := s.CreateSwarm(ctx, models.Swarm{Name: "x", Status: models.SwarmIdle})
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, models.Event{SwarmID: swarm.ID, Kind: models.EventRetry, Data: map[string]any{"task_id": "1.1"}})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, models.Event{SwarmID: swarm.ID, Kind: models.EventLockAcquired})
	require.NoError(t, err)

	retries, err := s.QueryEventsByKind(ctx, swarm.ID, models.EventRetry)
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, "1.1", retries[0].Data["task_id"])

	all, err := s.ListEvents(ctx, swarm.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEscalationResolutionMerge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	swarm, err := s.CreateSwarm(ctx, models.Swarm{Name: "x", Status: models.SwarmIdle})
	require.NoError(t, err)

	esc, err := s.CreateEscalation(ctx, models.Escalation{
		SwarmID:          swarm.ID,
		TaskID:           "1.1",
		Kind:             models.EscalationConfiguration,
		Status:           models.EscalationPending,
		SuggestedActions: []string{"set API_KEY"},
	})
	require.NoError(t, err)

	// partial resolution keeps status pending per the merged-payload rule
	require.NoError(t, s.ResolveEscalation(ctx, esc.ID, models.EscalationPending, map[string]any{"api_key_set": true}))
	partial, err := s.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationPending, partial.Status)
	assert.Equal(t, true, partial.Resolution["api_key_set"])

	require.NoError(t, s.ResolveEscalation(ctx, esc.ID, models.EscalationResolved, map[string]any{"confirmed": true}))
	done, err := s.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationResolved, done.Status)
	assert.Equal(t, true, done.Resolution["api_key_set"])
	assert.Equal(t, true, done.Resolution["confirmed"])
}

func TestNearestTemplates_OrderedBySimilarity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertStackTemplate(ctx, models.StackTemplate{
		Title: "Next.js SaaS", Backend: "FastAPI", Frontend: "Next.js", Database: "PostgreSQL",
		Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)
	_, err = s.UpsertStackTemplate(ctx, models.StackTemplate{
		Title: "Django CMS", Backend: "Django", Frontend: "React", Database: "MySQL",
		Embedding: []float32{0, 1, 0},
	})
	require.NoError(t, err)

	results, err := s.NearestTemplates(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Next.js SaaS", results[0].Title)
}

func TestFileLockPersistence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	swarm, err := s.CreateSwarm(ctx, models.Swarm{Name: "x", Status: models.SwarmIdle})
	require.NoError(t, err)
	agent, err := s.CreateAgent(ctx, models.Agent{SwarmID: swarm.ID, Role: models.RoleFrontendArchitect})
	require.NoError(t, err)

	lock := models.FileLock{FilePath: "src/app.tsx", HolderAgentID: agent.ID, SwarmID: swarm.ID, TTL: 0}
	require.NoError(t, s.UpsertFileLock(ctx, lock))

	locks, err := s.ListFileLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "src/app.tsx", locks[0].FilePath)

	require.NoError(t, s.DeleteFileLock(ctx, "src/app.tsx"))
	locks2, err := s.ListFileLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks2)
}
