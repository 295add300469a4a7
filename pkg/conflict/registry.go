package conflict

import (
	"sync"
	"time"
)

// Registry lazily constructs and caches one Resolver per swarm, mirroring
// the teacher's SubAgentRunner pattern of a single mutex-guarded map
// keyed by execution id rather than a package-level singleton. The
// Workflow Engine and the Monitor are both handed Registry.For as their
// ConflictFor callback so every consumer of a given swarm's locks shares
// the same in-memory state.
type Registry struct {
	store  FileLockStore
	events EventAppender
	llm    LLM

	staleTTL            time.Duration
	similarityThreshold float64

	mu        sync.Mutex
	resolvers map[string]*Resolver
}

// NewRegistry constructs a Registry. staleTTL and similarityThreshold are
// applied to every Resolver it creates.
func NewRegistry(store FileLockStore, events EventAppender, llm LLM, staleTTL time.Duration, similarityThreshold float64) *Registry {
	return &Registry{
		store:               store,
		events:              events,
		llm:                 llm,
		staleTTL:            staleTTL,
		similarityThreshold: similarityThreshold,
		resolvers:           make(map[string]*Resolver),
	}
}

// For returns swarmID's Resolver, constructing and caching one on first
// use. Safe for concurrent use by multiple swarms' workflow runs.
func (reg *Registry) For(swarmID string) *Resolver {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.resolvers[swarmID]; ok {
		return r
	}
	r := New(swarmID, reg.store, reg.events, reg.llm, reg.staleTTL, reg.similarityThreshold)
	reg.resolvers[swarmID] = r
	return r
}

// Drop removes a finished swarm's cached Resolver so its lock map can be
// garbage collected; safe to call even if the swarm was never resolved.
func (reg *Registry) Drop(swarmID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.resolvers, swarmID)
}
