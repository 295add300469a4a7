package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// ScopeToMetadata encodes scope as the plain map[string]any swarm.Metadata
// carries, for a caller (the HTTP handler) to attach under metaKeyScope
// when it creates the swarm row, before the Workflow Engine's GeneratePlan
// step reads it back via scopeFromMetadata.
func ScopeToMetadata(scope models.Scope) (map[string]any, error) {
	encoded, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal scope: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("workflow: decode scope map: %w", err)
	}
	return map[string]any{metaKeyScope: out}, nil
}

func scopeFromMetadata(meta map[string]any) (models.Scope, error) {
	raw, ok := meta[metaKeyScope]
	if !ok {
		return models.Scope{}, fmt.Errorf("workflow: swarm metadata missing scope")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return models.Scope{}, fmt.Errorf("workflow: remarshal scope: %w", err)
	}
	var scope models.Scope
	if err := json.Unmarshal(encoded, &scope); err != nil {
		return models.Scope{}, fmt.Errorf("workflow: decode scope: %w", err)
	}
	return scope, nil
}

// checkpoint mutates swarm.Metadata in place and persists it with
// optimistic concurrency, advancing swarm.Version on success so later
// checkpoints in the same Run call don't need to re-read the row.
func (e *Engine) checkpoint(ctx context.Context, swarm *models.Swarm, mutate func(map[string]any)) error {
	if swarm.Metadata == nil {
		swarm.Metadata = map[string]any{}
	}
	mutate(swarm.Metadata)
	if err := e.swarms.UpdateSwarmMetadata(ctx, swarm.ID, swarm.Version, swarm.Metadata); err != nil {
		return fmt.Errorf("workflow: checkpoint swarm %s: %w", swarm.ID, err)
	}
	swarm.Version++
	return nil
}

func (e *Engine) transitionStatus(ctx context.Context, swarm *models.Swarm, status models.SwarmStatus) error {
	if err := e.swarms.UpdateSwarmStatus(ctx, swarm.ID, swarm.Version, status); err != nil {
		return fmt.Errorf("workflow: transition swarm %s to %s: %w", swarm.ID, status, err)
	}
	swarm.Version++
	swarm.Status = status
	return nil
}

func currentStep(meta map[string]any) string {
	s, _ := meta[metaKeyStep].(string)
	return s
}

// stepIndex resumes after the last completed step, or from the start if
// none has completed yet (or the recorded step is unrecognized).
func stepIndex(steps []stepDef, lastCompleted string) int {
	if lastCompleted == "" {
		return 0
	}
	for i, s := range steps {
		if s.name == lastCompleted {
			return i + 1
		}
	}
	return 0
}

func metadataTime(meta map[string]any, key string) time.Time {
	s, _ := meta[key].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func accumulateTokens(swarm *models.Swarm, n int) {
	if n <= 0 {
		return
	}
	swarm.Metadata[metaKeyTokensUsed] = intFromAny(swarm.Metadata[metaKeyTokensUsed]) + n
}

// intFromAny and floatFromAny handle jsonb's float64 round-trip for
// numeric Data/Metadata fields, the same accommodation
// monitor.intFromData makes for task Data.
func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func floatFromAny(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
