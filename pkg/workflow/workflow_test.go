package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/pkg/config"
	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/planner"
	"github.com/swarmforge/orchestrator/pkg/retry"
	"github.com/swarmforge/orchestrator/pkg/scheduler"
	"github.com/swarmforge/orchestrator/pkg/store"
	"github.com/swarmforge/orchestrator/pkg/workflow"
)

// fakeStore implements every narrow interface the Engine depends on
// (SwarmStore, TaskStore, AgentStore, EventAppender, EscalationStore)
// behind one mutex-guarded in-memory struct, the same shape
// pkg/monitor's tests use for their fakeStore.
type fakeStore struct {
	mu          sync.Mutex
	swarm       models.Swarm
	tasks       map[string]models.Task
	agents      map[string]models.Agent
	events      []models.Event
	escalations []models.Escalation
}

func newFakeStore(swarm models.Swarm) *fakeStore {
	return &fakeStore{swarm: swarm, tasks: map[string]models.Task{}, agents: map[string]models.Agent{}}
}

func (f *fakeStore) GetSwarm(_ context.Context, id string) (models.Swarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swarm.ID != id {
		return models.Swarm{}, store.ErrNotFound
	}
	cp := f.swarm
	cp.Metadata = cloneMeta(f.swarm.Metadata)
	return cp, nil
}

func (f *fakeStore) UpdateSwarmStatus(_ context.Context, id string, expectedVersion int, status models.SwarmStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swarm.ID != id || f.swarm.Version != expectedVersion {
		return store.ErrConcurrencyConflict
	}
	f.swarm.Status = status
	f.swarm.Version++
	return nil
}

func (f *fakeStore) UpdateSwarmMetadata(_ context.Context, id string, expectedVersion int, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swarm.ID != id || f.swarm.Version != expectedVersion {
		return store.ErrConcurrencyConflict
	}
	f.swarm.Metadata = cloneMeta(metadata)
	f.swarm.Version++
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, swarmID string, filter store.TaskFilter) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Task
	for _, t := range f.tasks {
		if t.SwarmID != swarmID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, _, taskID string, status models.TaskStatus, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status == status {
		return nil
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	if data != nil {
		if t.Data == nil {
			t.Data = map[string]any{}
		}
		for k, v := range data {
			t.Data[k] = v
		}
	}
	f.tasks[taskID] = t
	return nil
}

func (f *fakeStore) AssignTaskAgent(_ context.Context, _, taskID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.AgentID = agentID
	f.tasks[taskID] = t
	return nil
}

func (f *fakeStore) ListAgents(_ context.Context, swarmID string) ([]models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Agent
	for _, a := range f.agents {
		if a.SwarmID == swarmID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateAgentState(_ context.Context, id string, state models.AgentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.State = state
	f.agents[id] = a
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, e models.Event) (models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeStore) CreateEscalation(_ context.Context, esc models.Escalation) (models.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, esc)
	return esc, nil
}

func (f *fakeStore) CreateAgent(_ context.Context, agent models.Agent) (models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if agent.ID == "" {
		agent.ID = agent.SwarmID + "/" + string(agent.Role)
	}
	f.agents[agent.ID] = agent
	return agent, nil
}

func (f *fakeStore) CreateTask(_ context.Context, task models.Task) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.UpdatedAt = time.Now()
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeStore) snapshotSwarm() models.Swarm {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.swarm
	cp.Metadata = cloneMeta(f.swarm.Metadata)
	return cp
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fakeConflict is a no-op ConflictResolver: every lock acquires
// cleanly and nothing is ever flagged as conflicting, so dispatch
// tests exercise the wave machinery without the Conflict Resolver's
// own behavior in the loop.
type fakeConflict struct {
	mu      sync.Mutex
	held    map[string]string
	similarity float64
	conflict   bool
}

func (f *fakeConflict) AcquireLock(_ context.Context, filepath, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = map[string]string{}
	}
	if holder, ok := f.held[filepath]; ok && holder != agentID {
		return false, nil
	}
	f.held[filepath] = agentID
	return true, nil
}

func (f *fakeConflict) ReleaseLock(_ context.Context, filepath, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[filepath] == agentID {
		delete(f.held, filepath)
	}
	return nil
}

func (f *fakeConflict) OnTaskFailed(context.Context, string, string) error { return nil }

func (f *fakeConflict) ShouldBlock([]string) (bool, string) { return false, "" }

func (f *fakeConflict) DetectConflict(context.Context, string, string) (float64, bool, error) {
	return f.similarity, f.conflict, nil
}

func (f *fakeConflict) Mediate(_ context.Context, uiArtifact, _ string) (string, error) {
	return uiArtifact + " (mediated)", nil
}

// fakeLLM returns a canned completion and a fixed-dimension embedding so
// DetectConflict's cosine similarity is deterministic across calls.
type fakeLLM struct {
	completionText string
	tokensUsed     int
	failNext       bool
}

func (f *fakeLLM) Complete(context.Context, llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error) {
	if f.failNext {
		f.failNext = false
		return llmgateway.CompletionResponse{}, errors.New("connection reset")
	}
	return llmgateway.CompletionResponse{Text: f.completionText, TokensUsed: f.tokensUsed}, nil
}

func (f *fakeLLM) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

// fakeTools answers every VisualTest/TestGate tool call with a clean
// pass, well within default thresholds.
type fakeTools struct{}

func (fakeTools) Call(_ context.Context, toolName string, _ map[string]any, _, _ string) (map[string]any, error) {
	switch toolName {
	case "visual_diff":
		return map[string]any{"diff_pct": 1.0, "wcag_violations": 0}, nil
	case "run_tests":
		return map[string]any{"coverage_pct": 90.0, "passed": 10, "failed": 0}, nil
	default:
		return map[string]any{}, nil
	}
}

func testScope() models.Scope {
	return models.Scope{
		ProjectName: "acme-portal",
		Goal:        "internal admin portal",
		TechStack:   models.TechStack{Frontend: "react", Backend: "go", Database: "postgres"},
		StackInference: models.StackInference{
			Backend: "go", Frontend: "react", Database: "postgres", Confidence: 0.9,
		},
	}
}

func newEngine(t *testing.T, fs *fakeStore, conflict *fakeConflict, llm llmgateway.Gateway) *workflow.Engine {
	t.Helper()
	retryMgr := retry.New(config.Defaults().Retry)
	sched := scheduler.New(fs, conflict)
	return workflow.New(workflow.Deps{
		Swarms: fs, Tasks: fs, Agents: fs, Events: fs, Escalations: fs,
		Planner:   planner.New(fs),
		Scheduler: sched,
		ConflictFor: func(string) workflow.ConflictResolver { return conflict },
		Retry:      retryMgr,
		LLM:        llm,
		Tools:      fakeTools{},
		Workflow:   config.Defaults().Workflow,
		SLO:        config.Defaults().SLO,
		RatePerKTokens: config.Defaults().LLM.RatePerKTokens,
	})
}

func baseSwarm(t *testing.T, scope models.Scope) models.Swarm {
	t.Helper()
	meta, err := workflow.ScopeToMetadata(scope)
	require.NoError(t, err)
	return models.Swarm{ID: "swarm-1", Name: "acme-portal", Status: models.SwarmIdle, NumAgents: 3, Metadata: meta}
}

func TestRun_HappyPath_ReachesCompleted(t *testing.T) {
	scope := testScope()
	swarm := baseSwarm(t, scope)
	fs := newFakeStore(swarm)
	conflict := &fakeConflict{}
	llm := &fakeLLM{completionText: `done. {"endpoints":["/health"]}`, tokensUsed: 100}

	engine := newEngine(t, fs, conflict, llm)

	err := engine.Run(context.Background(), swarm.ID)
	require.NoError(t, err)

	final := fs.snapshotSwarm()
	assert.Equal(t, models.SwarmCompleted, final.Status)
	assert.Equal(t, workflow.StepFinalize, final.Metadata["workflow_step"])

	tasks, err := fs.ListTasks(context.Background(), swarm.ID, store.TaskFilter{})
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskCompleted, task.Status, "task %s should have completed", task.ID)
	}
}

func TestRun_AlreadyTerminal_IsNoop(t *testing.T) {
	swarm := baseSwarm(t, testScope())
	swarm.Status = models.SwarmCompleted
	fs := newFakeStore(swarm)
	engine := newEngine(t, fs, &fakeConflict{}, &fakeLLM{completionText: "ok"})

	err := engine.Run(context.Background(), swarm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwarmCompleted, fs.snapshotSwarm().Status)
}

func TestRun_ResumesFromCheckpointedStep(t *testing.T) {
	scope := testScope()
	swarm := baseSwarm(t, scope)
	swarm.Status = models.SwarmRunning
	swarm.Metadata["workflow_step"] = workflow.StepTestGate
	swarm.Metadata["started_at"] = time.Now().UTC().Format(time.RFC3339)
	fs := newFakeStore(swarm)

	// A resumed run should never call GeneratePlan/Dispatch again: no
	// tasks exist in the fake store, and if the engine tried to
	// dispatch it would find nothing ready and fail.
	engine := newEngine(t, fs, &fakeConflict{}, &fakeLLM{completionText: "ok"})

	err := engine.Run(context.Background(), swarm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwarmCompleted, fs.snapshotSwarm().Status)
}

func TestRun_ActivityFailsAfterRetryBudget_FailsSwarm(t *testing.T) {
	scope := testScope()
	swarm := baseSwarm(t, scope)
	fs := newFakeStore(swarm)
	conflict := &fakeConflict{}
	// Every completion call returns a connection error: GeneratePlan
	// never talks to the LLM, but Dispatch does, and "connection
	// reset" is classified transient/backoff_retry by ClassifyError.
	llm := &alwaysFailLLM{}

	engine := newEngine(t, fs, conflict, llm)
	err := engine.Run(context.Background(), swarm.ID)
	require.Error(t, err)
	assert.Equal(t, models.SwarmFailed, fs.snapshotSwarm().Status)
}

type alwaysFailLLM struct{}

func (alwaysFailLLM) Complete(context.Context, llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error) {
	return llmgateway.CompletionResponse{}, errors.New("connection reset")
}
func (alwaysFailLLM) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0, 0}, nil }

func TestRun_Cancel_TransitionsToCancelled(t *testing.T) {
	scope := testScope()
	swarm := baseSwarm(t, scope)
	fs := newFakeStore(swarm)
	conflict := &fakeConflict{}
	llm := &blockingLLM{}

	engine := newEngine(t, fs, conflict, llm)

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background(), swarm.ID) }()

	require.Eventually(t, func() bool { return llm.callStarted() }, time.Second, 5*time.Millisecond)
	assert.True(t, engine.Cancel(swarm.ID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	assert.Equal(t, models.SwarmCancelled, fs.snapshotSwarm().Status)
}

// blockingLLM never completes on its own: every call blocks until its
// context is cancelled, giving the test a deterministic window in
// which to observe a started call and then invoke Engine.Cancel.
type blockingLLM struct {
	mu      sync.Mutex
	started bool
}

func (b *blockingLLM) callStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *blockingLLM) Complete(ctx context.Context, _ llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error) {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	<-ctx.Done()
	return llmgateway.CompletionResponse{}, ctx.Err()
}

func (b *blockingLLM) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0, 0}, nil }

func TestScopeToMetadata_StoresScopeUnderScopeKey(t *testing.T) {
	scope := testScope()
	meta, err := workflow.ScopeToMetadata(scope)
	require.NoError(t, err)
	assert.NotNil(t, meta["scope"])
}
