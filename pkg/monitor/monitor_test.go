package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/pkg/config"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/monitor"
	"github.com/swarmforge/orchestrator/pkg/retry"
	"github.com/swarmforge/orchestrator/pkg/store"
)

type fakeStore struct {
	mu     sync.Mutex
	swarms []models.Swarm
	tasks  map[string][]models.Task // swarmID -> tasks
	events []models.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string][]models.Task{}}
}

func (f *fakeStore) ListSwarms(_ context.Context) ([]models.Swarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Swarm{}, f.swarms...), nil
}

func (f *fakeStore) ListTasks(_ context.Context, swarmID string, filter store.TaskFilter) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Task
	for _, t := range f.tasks[swarmID] {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, swarmID, taskID string, status models.TaskStatus, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tasks[swarmID] {
		if t.ID == taskID {
			f.tasks[swarmID][i].Status = status
			f.tasks[swarmID][i].UpdatedAt = time.Now()
			if data != nil {
				if f.tasks[swarmID][i].Data == nil {
					f.tasks[swarmID][i].Data = map[string]any{}
				}
				for k, v := range data {
					f.tasks[swarmID][i].Data[k] = v
				}
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) AppendEvent(_ context.Context, e models.Event) (models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeStore) kinds() []models.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

type fakeConflictHandler struct {
	blockedDeps map[string]string
	failedTasks []string
	mu          sync.Mutex
}

func (f *fakeConflictHandler) OnTaskFailed(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedTasks = append(f.failedTasks, taskID)
	return nil
}

func (f *fakeConflictHandler) ShouldBlock(deps []string) (bool, string) {
	for _, d := range deps {
		if reason, ok := f.blockedDeps[d]; ok {
			return true, reason
		}
	}
	return false, ""
}

func retryMgr() *retry.Manager {
	return retry.New(config.RetryConfig{
		TransientMaxAttempts: 5,
		TransientBaseBackoff: time.Millisecond,
		TransientMaxBackoff:  10 * time.Millisecond,
	})
}

func TestTick_RequeuesFailedTaskPastBackoffWindow(t *testing.T) {
	st := newFakeStore()
	st.swarms = []models.Swarm{{ID: "s1", Status: models.SwarmRunning}}
	past := time.Now().Add(-time.Hour)
	st.tasks["s1"] = []models.Task{
		{ID: "1.1", SwarmID: "s1", Status: models.TaskFailed, Attempts: 1, LastFailureAt: &past, Data: map[string]any{
			"retry_disposition": "backoff_retry", "retry_max_attempts": 5,
		}},
	}

	m := monitor.New(st, nil, retryMgr(), nil, time.Minute, 30*time.Minute)
	stats, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RetriedTasks)
	assert.Equal(t, models.TaskPending, st.tasks["s1"][0].Status)
	assert.Contains(t, st.kinds(), models.EventRetry)
}

func TestTick_DoesNotRequeueBeforeBackoffWindowElapses(t *testing.T) {
	st := newFakeStore()
	st.swarms = []models.Swarm{{ID: "s1", Status: models.SwarmRunning}}
	recent := time.Now()
	st.tasks["s1"] = []models.Task{
		{ID: "1.1", SwarmID: "s1", Status: models.TaskFailed, Attempts: 1, LastFailureAt: &recent, Data: map[string]any{
			"retry_disposition": "backoff_retry", "retry_max_attempts": 5,
		}},
	}

	m := monitor.New(st, nil, retry.New(config.RetryConfig{
		TransientMaxAttempts: 5,
		TransientBaseBackoff: time.Hour,
		TransientMaxBackoff:  time.Hour,
	}), nil, time.Minute, 30*time.Minute)
	stats, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RetriedTasks)
	assert.Equal(t, models.TaskFailed, st.tasks["s1"][0].Status)
}

func TestTick_ReapsStalledInProgressTaskAndReleasesLocks(t *testing.T) {
	st := newFakeStore()
	st.swarms = []models.Swarm{{ID: "s1", Status: models.SwarmRunning}}
	st.tasks["s1"] = []models.Task{
		{ID: "1.1", SwarmID: "s1", AgentID: "agent-1", Status: models.TaskInProgress, UpdatedAt: time.Now().Add(-time.Hour)},
	}
	handler := &fakeConflictHandler{}

	m := monitor.New(st, func(string) monitor.ConflictHandler { return handler }, retryMgr(), nil, time.Minute, 30*time.Minute)
	stats, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimedOutTasks)
	assert.Equal(t, models.TaskFailed, st.tasks["s1"][0].Status)
	assert.Equal(t, "timeout", st.tasks["s1"][0].Data["reason"])
	assert.Contains(t, handler.failedTasks, "1.1")
}

func TestTick_LeavesFreshInProgressTaskAlone(t *testing.T) {
	st := newFakeStore()
	st.swarms = []models.Swarm{{ID: "s1", Status: models.SwarmRunning}}
	st.tasks["s1"] = []models.Task{
		{ID: "1.1", SwarmID: "s1", Status: models.TaskInProgress, UpdatedAt: time.Now()},
	}

	m := monitor.New(st, nil, retryMgr(), nil, time.Minute, 30*time.Minute)
	stats, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TimedOutTasks)
	assert.Equal(t, models.TaskInProgress, st.tasks["s1"][0].Status)
}

func TestTick_BlocksPendingTaskWithPermanentlyFailedDependency(t *testing.T) {
	st := newFakeStore()
	st.swarms = []models.Swarm{{ID: "s1", Status: models.SwarmRunning}}
	st.tasks["s1"] = []models.Task{
		{ID: "1.2", SwarmID: "s1", Status: models.TaskPending, Dependencies: []string{"1.1"}},
	}
	handler := &fakeConflictHandler{blockedDeps: map[string]string{"1.1": "dependency 1.1 has failed"}}

	m := monitor.New(st, func(string) monitor.ConflictHandler { return handler }, retryMgr(), nil, time.Minute, 30*time.Minute)
	stats, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlockedTasks)
	assert.Equal(t, models.TaskBlocked, st.tasks["s1"][0].Status)
	assert.Contains(t, st.kinds(), models.EventEscalation)
}

func TestTick_IgnoresNonRunningSwarms(t *testing.T) {
	st := newFakeStore()
	st.swarms = []models.Swarm{{ID: "s1", Status: models.SwarmCompleted}}
	st.tasks["s1"] = []models.Task{
		{ID: "1.1", SwarmID: "s1", Status: models.TaskInProgress, UpdatedAt: time.Now().Add(-time.Hour)},
	}

	m := monitor.New(st, nil, retryMgr(), nil, time.Minute, 30*time.Minute)
	stats, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ScannedSwarms)
	assert.Equal(t, models.TaskInProgress, st.tasks["s1"][0].Status)
}

func TestTick_ReconcilesWatchedRetryOutcome(t *testing.T) {
	st := newFakeStore()
	st.swarms = []models.Swarm{{ID: "s1", Status: models.SwarmRunning}}
	past := time.Now().Add(-time.Hour)
	st.tasks["s1"] = []models.Task{
		{ID: "1.1", SwarmID: "s1", Status: models.TaskFailed, Attempts: 1, LastFailureAt: &past, Data: map[string]any{
			"retry_disposition": "backoff_retry", "retry_max_attempts": 5,
		}},
	}

	m := monitor.New(st, nil, retryMgr(), nil, time.Minute, 30*time.Minute)
	_, err := m.Tick(context.Background())
	require.NoError(t, err)

	st.mu.Lock()
	st.tasks["s1"][0].Status = models.TaskCompleted
	st.mu.Unlock()

	stats, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, stats.RetrySuccessRate)
}

func TestRun_StopsOnStopChannel(t *testing.T) {
	st := newFakeStore()
	m := monitor.New(st, nil, retryMgr(), nil, time.Millisecond, 30*time.Minute)
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		m.Run(context.Background(), stopCh)
		close(done)
	}()

	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stopCh closed")
	}
}
