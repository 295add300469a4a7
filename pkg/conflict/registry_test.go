package conflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/swarmforge/orchestrator/pkg/conflict"
)

func TestRegistry_ForCachesPerSwarm(t *testing.T) {
	reg := conflict.NewRegistry(newFakeLockStore(), &fakeEvents{}, &fakeLLM{}, 30*time.Minute, 0.70)

	a1 := reg.For("swarm-a")
	a2 := reg.For("swarm-a")
	b1 := reg.For("swarm-b")

	assert.Same(t, a1, a2, "same swarm id must return the cached resolver")
	assert.NotSame(t, a1, b1, "distinct swarm ids must get distinct resolvers")
}

func TestRegistry_DropForgetsResolver(t *testing.T) {
	reg := conflict.NewRegistry(newFakeLockStore(), &fakeEvents{}, &fakeLLM{}, 30*time.Minute, 0.70)

	first := reg.For("swarm-a")
	reg.Drop("swarm-a")
	second := reg.For("swarm-a")

	assert.NotSame(t, first, second, "Drop must evict the cached resolver so a new one is built")
}
