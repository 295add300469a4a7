// Package conflict implements the Conflict Resolver (§4.6 C6): an
// in-memory file-lock registry plus LLM-mediated detection and repair of
// UI/backend artifact drift.
package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/vectorutil"
)

type lockEntry struct {
	agentID    string
	acquiredAt time.Time
}

// FileLockStore is the subset of pkg/store the Resolver uses to mirror
// its in-memory lock map so a crashed process can rebuild it on restart.
type FileLockStore interface {
	UpsertFileLock(ctx context.Context, lock models.FileLock) error
	DeleteFileLock(ctx context.Context, filepath string) error
	ListFileLocks(ctx context.Context) ([]models.FileLock, error)
}

// EventAppender is the subset of pkg/store the Resolver uses to record
// lock and mediation events to the swarm's audit log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event models.Event) (models.Event, error)
}

// LLM is the subset of llmgateway.Gateway the Resolver uses for artifact
// embedding and mediation.
type LLM interface {
	Complete(ctx context.Context, req llmgateway.CompletionRequest) (llmgateway.CompletionResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Resolver is the Conflict Resolver component for one swarm: a struct
// owning a mutex-guarded lock map. Each swarm's Resolver is created and
// cached by a Registry, which is shared by the Workflow Engine and the
// Monitor rather than reached via a package-level singleton.
type Resolver struct {
	mu    sync.RWMutex
	locks map[string]lockEntry

	failedMu sync.RWMutex
	failed   map[string]bool // task ids that have failed

	swarmID             string
	staleTTL            time.Duration
	similarityThreshold float64

	store  FileLockStore
	events EventAppender
	llm    LLM
}

// New constructs a Resolver for one swarm. staleTTL is the lock age
// (default 30m) past which a held lock may be broken; similarityThreshold
// is the cosine-similarity cutoff below which DetectConflict recommends
// mediation (default 0.70).
func New(swarmID string, store FileLockStore, events EventAppender, llm LLM, staleTTL time.Duration, similarityThreshold float64) *Resolver {
	return &Resolver{
		locks:               make(map[string]lockEntry),
		failed:              make(map[string]bool),
		swarmID:             swarmID,
		staleTTL:            staleTTL,
		similarityThreshold: similarityThreshold,
		store:               store,
		events:              events,
		llm:                 llm,
	}
}

// Restore rebuilds the in-memory lock map from the mirrored Postgres
// rows, run once at process startup.
func (r *Resolver) Restore(ctx context.Context) error {
	locks, err := r.store.ListFileLocks(ctx)
	if err != nil {
		return fmt.Errorf("conflict: restore locks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lock := range locks {
		if lock.SwarmID != r.swarmID {
			continue
		}
		r.locks[lock.FilePath] = lockEntry{agentID: lock.HolderAgentID, acquiredAt: lock.AcquiredAt}
	}
	return nil
}

// Stats summarizes the resolver's live state for the progress API:
// how many locks are currently held and how many tasks have failed.
type Stats struct {
	ActiveLocks int `json:"active_locks"`
	FailedTasks int `json:"failed_tasks"`
}

// Stats returns a point-in-time snapshot of the resolver's state.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	locks := len(r.locks)
	r.mu.RUnlock()

	r.failedMu.RLock()
	failed := len(r.failed)
	r.failedMu.RUnlock()

	return Stats{ActiveLocks: locks, FailedTasks: failed}
}

// AcquireLock returns true if filepath is unheld, already held by
// agentID, or held by a stale (expired-TTL) holder that gets broken.
func (r *Resolver) AcquireLock(ctx context.Context, filepath, agentID string) (bool, error) {
	r.mu.Lock()
	existing, held := r.locks[filepath]
	now := time.Now()

	if held && existing.agentID != agentID {
		stale := models.FileLock{FilePath: filepath, HolderAgentID: existing.agentID, AcquiredAt: existing.acquiredAt, TTL: r.staleTTL}
		if !stale.IsStale(now) {
			r.mu.Unlock()
			return false, nil
		}
		r.emitLockBroken(ctx, filepath, existing.agentID)
	}

	r.locks[filepath] = lockEntry{agentID: agentID, acquiredAt: now}
	r.mu.Unlock()

	if err := r.store.UpsertFileLock(ctx, models.FileLock{
		FilePath: filepath, HolderAgentID: agentID, SwarmID: r.swarmID, AcquiredAt: now, TTL: r.staleTTL,
	}); err != nil {
		return false, fmt.Errorf("conflict: mirror lock acquisition: %w", err)
	}
	r.appendEvent(ctx, models.EventLockAcquired, map[string]any{"filepath": filepath, "agent_id": agentID})
	return true, nil
}

// ReleaseLock is a no-op if filepath is not held by agentID.
func (r *Resolver) ReleaseLock(ctx context.Context, filepath, agentID string) error {
	r.mu.Lock()
	existing, held := r.locks[filepath]
	if !held || existing.agentID != agentID {
		r.mu.Unlock()
		return nil
	}
	delete(r.locks, filepath)
	r.mu.Unlock()

	if err := r.store.DeleteFileLock(ctx, filepath); err != nil {
		return fmt.Errorf("conflict: mirror lock release: %w", err)
	}
	r.appendEvent(ctx, models.EventLockReleased, map[string]any{"filepath": filepath, "agent_id": agentID})
	return nil
}

// OnTaskFailed records the failure and releases every lock held by
// agentID.
func (r *Resolver) OnTaskFailed(ctx context.Context, taskID, agentID string) error {
	r.failedMu.Lock()
	r.failed[taskID] = true
	r.failedMu.Unlock()

	r.mu.Lock()
	var held []string
	for path, entry := range r.locks {
		if entry.agentID == agentID {
			held = append(held, path)
		}
	}
	for _, path := range held {
		delete(r.locks, path)
	}
	r.mu.Unlock()

	for _, path := range held {
		if err := r.store.DeleteFileLock(ctx, path); err != nil {
			return fmt.Errorf("conflict: release locks on task failure: %w", err)
		}
	}
	r.appendEvent(ctx, models.EventRetry, map[string]any{"task_id": taskID, "agent_id": agentID, "reason": "task_failed"})
	return nil
}

// ShouldBlock reports whether any of dependencies has previously failed.
func (r *Resolver) ShouldBlock(dependencies []string) (bool, string) {
	r.failedMu.RLock()
	defer r.failedMu.RUnlock()
	for _, dep := range dependencies {
		if r.failed[dep] {
			return true, fmt.Sprintf("dependency %s has failed", dep)
		}
	}
	return false, ""
}

// DetectConflict embeds both artifacts and reports their cosine
// similarity plus whether it falls below the mediation threshold.
func (r *Resolver) DetectConflict(ctx context.Context, uiArtifact, backendArtifact string) (float64, bool, error) {
	uiEmbedding, err := r.llm.Embed(ctx, uiArtifact)
	if err != nil {
		return 0, false, fmt.Errorf("conflict: embed ui artifact: %w", err)
	}
	backendEmbedding, err := r.llm.Embed(ctx, backendArtifact)
	if err != nil {
		return 0, false, fmt.Errorf("conflict: embed backend artifact: %w", err)
	}

	similarity := vectorutil.CosineSimilarity(uiEmbedding, backendEmbedding)
	return similarity, similarity < r.similarityThreshold, nil
}

// Mediate regenerates the UI artifact using the backend artifact as
// context and emits a conflict_resolved event recording pre/post
// similarity.
func (r *Resolver) Mediate(ctx context.Context, uiArtifact, backendArtifact string) (string, error) {
	before, _, err := r.DetectConflict(ctx, uiArtifact, backendArtifact)
	if err != nil {
		return "", err
	}

	resp, err := r.llm.Complete(ctx, llmgateway.CompletionRequest{
		System: "You reconcile a frontend artifact with its backend counterpart. " +
			"Return only the revised frontend artifact, aligned with the backend's actual endpoints/shapes.",
		User:      fmt.Sprintf("Backend artifact:\n%s\n\nFrontend artifact to fix:\n%s", backendArtifact, uiArtifact),
		MaxTokens: 4096,
	})
	if err != nil {
		return "", fmt.Errorf("conflict: mediation completion: %w", err)
	}

	after, _, err := r.DetectConflict(ctx, resp.Text, backendArtifact)
	if err != nil {
		return "", err
	}

	r.appendEvent(ctx, models.EventConflictResolved, map[string]any{
		"similarity_before": before,
		"similarity_after":  after,
	})
	return resp.Text, nil
}

func (r *Resolver) emitLockBroken(ctx context.Context, filepath, previousHolder string) {
	if err := r.store.DeleteFileLock(ctx, filepath); err != nil {
		return
	}
	r.appendEvent(ctx, models.EventLockBroken, map[string]any{"filepath": filepath, "previous_holder": previousHolder})
}

func (r *Resolver) appendEvent(ctx context.Context, kind models.EventKind, data map[string]any) {
	_, _ = r.events.AppendEvent(ctx, models.Event{SwarmID: r.swarmID, Kind: kind, Data: data})
}
