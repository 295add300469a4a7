package conflict_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/pkg/conflict"
	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
)

type fakeLockStore struct {
	mu    sync.Mutex
	locks map[string]models.FileLock
}

func newFakeLockStore() *fakeLockStore { return &fakeLockStore{locks: map[string]models.FileLock{}} }

func (f *fakeLockStore) UpsertFileLock(_ context.Context, lock models.FileLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[lock.FilePath] = lock
	return nil
}

func (f *fakeLockStore) DeleteFileLock(_ context.Context, filepath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, filepath)
	return nil
}

func (f *fakeLockStore) ListFileLocks(_ context.Context) ([]models.FileLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.FileLock, 0, len(f.locks))
	for _, l := range f.locks {
		out = append(out, l)
	}
	return out, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeEvents) AppendEvent(_ context.Context, e models.Event) (models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeEvents) kinds() []models.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

type fakeLLM struct {
	embeddings map[string][]float32
	completion string
}

func (f *fakeLLM) Embed(_ context.Context, text string) ([]float32, error) {
	return f.embeddings[text], nil
}

func (f *fakeLLM) Complete(_ context.Context, _ llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error) {
	return llmgateway.CompletionResponse{Text: f.completion}, nil
}

func newResolver(staleTTL time.Duration, threshold float64, llm conflict.LLM) (*conflict.Resolver, *fakeLockStore, *fakeEvents) {
	store := newFakeLockStore()
	events := &fakeEvents{}
	return conflict.New("swarm-1", store, events, llm, staleTTL, threshold), store, events
}

func TestAcquireLock_UnheldSucceeds(t *testing.T) {
	r, store, events := newResolver(30*time.Minute, 0.70, &fakeLLM{})
	ok, err := r.AcquireLock(context.Background(), "src/app.tsx", "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	locks, _ := store.ListFileLocks(context.Background())
	assert.Len(t, locks, 1)
	assert.Contains(t, events.kinds(), models.EventLockAcquired)
}

func TestAcquireLock_SameAgentReacquires(t *testing.T) {
	r, _, _ := newResolver(30*time.Minute, 0.70, &fakeLLM{})
	ctx := context.Background()
	ok1, _ := r.AcquireLock(ctx, "f.go", "agent-1")
	ok2, _ := r.AcquireLock(ctx, "f.go", "agent-1")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestAcquireLock_OtherAgentBlockedUntilStale(t *testing.T) {
	r, _, events := newResolver(1*time.Millisecond, 0.70, &fakeLLM{})
	ctx := context.Background()

	ok, err := r.AcquireLock(ctx, "f.go", "agent-1")
	require.NoError(t, err)
	require.True(t, ok)

	blocked, err := r.AcquireLock(ctx, "f.go", "agent-2")
	require.NoError(t, err)
	assert.False(t, blocked)

	time.Sleep(5 * time.Millisecond)
	broken, err := r.AcquireLock(ctx, "f.go", "agent-2")
	require.NoError(t, err)
	assert.True(t, broken)
	assert.Contains(t, events.kinds(), models.EventLockBroken)
}

func TestReleaseLock_NoopIfNotHeldByAgent(t *testing.T) {
	r, _, _ := newResolver(30*time.Minute, 0.70, &fakeLLM{})
	ctx := context.Background()
	_, _ = r.AcquireLock(ctx, "f.go", "agent-1")

	err := r.ReleaseLock(ctx, "f.go", "agent-2")
	require.NoError(t, err)

	blocked, _ := r.AcquireLock(ctx, "f.go", "agent-2")
	assert.False(t, blocked, "lock should still be held by agent-1")
}

func TestOnTaskFailed_ReleasesLocksAndMarksFailed(t *testing.T) {
	r, store, _ := newResolver(30*time.Minute, 0.70, &fakeLLM{})
	ctx := context.Background()
	_, _ = r.AcquireLock(ctx, "a.go", "agent-1")
	_, _ = r.AcquireLock(ctx, "b.go", "agent-1")

	require.NoError(t, r.OnTaskFailed(ctx, "1.2", "agent-1"))

	locks, _ := store.ListFileLocks(ctx)
	assert.Empty(t, locks)

	blocked, reason := r.ShouldBlock([]string{"1.2"})
	assert.True(t, blocked)
	assert.Contains(t, reason, "1.2")
}

func TestShouldBlock_FalseForHealthyDependency(t *testing.T) {
	r, _, _ := newResolver(30*time.Minute, 0.70, &fakeLLM{})
	blocked, reason := r.ShouldBlock([]string{"1.1"})
	assert.False(t, blocked)
	assert.Empty(t, reason)
}

func TestDetectConflict_BelowThresholdRecommendsMediation(t *testing.T) {
	llm := &fakeLLM{embeddings: map[string][]float32{
		"ui":      {1, 0, 0},
		"backend": {0, 1, 0},
	}}
	r, _, _ := newResolver(30*time.Minute, 0.70, llm)

	similarity, shouldMediate, err := r.DetectConflict(context.Background(), "ui", "backend")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, similarity, 0.0001)
	assert.True(t, shouldMediate)
}

func TestMediate_EmitsConflictResolvedEvent(t *testing.T) {
	llm := &fakeLLM{
		embeddings: map[string][]float32{
			"ui":      {1, 0, 0},
			"backend": {0, 1, 0},
			"fixed":   {0, 1, 0},
		},
		completion: "fixed",
	}
	r, _, events := newResolver(30*time.Minute, 0.70, llm)

	result, err := r.Mediate(context.Background(), "ui", "backend")
	require.NoError(t, err)
	assert.Equal(t, "fixed", result)
	assert.Contains(t, events.kinds(), models.EventConflictResolved)
}
