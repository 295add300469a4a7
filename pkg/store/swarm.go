package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// CreateSwarm inserts a new swarm row at version 0. The caller supplies
// the id only in tests; production callers leave ID empty and receive a
// generated uuid.
func (s *Store) CreateSwarm(ctx context.Context, swarm models.Swarm) (models.Swarm, error) {
	if swarm.ID == "" {
		swarm.ID = uuid.NewString()
	}
	if swarm.Metadata == nil {
		swarm.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(swarm.Metadata)
	if err != nil {
		return models.Swarm{}, fmt.Errorf("store: marshal swarm metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO swarms (id, name, status, num_agents, metadata, created_at, version)
		VALUES ($1, $2, $3, $4, $5, now(), 0)
		RETURNING created_at, version`,
		swarm.ID, swarm.Name, string(swarm.Status), swarm.NumAgents, meta,
	)
	if err := row.Scan(&swarm.CreatedAt, &swarm.Version); err != nil {
		return models.Swarm{}, fmt.Errorf("store: create swarm: %w", err)
	}
	return swarm, nil
}

// GetSwarm fetches a swarm by id.
func (s *Store) GetSwarm(ctx context.Context, id string) (models.Swarm, error) {
	var (
		swarm models.Swarm
		meta  []byte
		status string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, num_agents, metadata, created_at, version
		FROM swarms WHERE id = $1`, id)
	if err := row.Scan(&swarm.ID, &swarm.Name, &status, &swarm.NumAgents, &meta, &swarm.CreatedAt, &swarm.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Swarm{}, ErrNotFound
		}
		return models.Swarm{}, fmt.Errorf("store: get swarm %s: %w", id, err)
	}
	swarm.Status = models.SwarmStatus(status)
	if err := json.Unmarshal(meta, &swarm.Metadata); err != nil {
		return models.Swarm{}, fmt.Errorf("store: unmarshal swarm metadata: %w", err)
	}
	return swarm, nil
}

// UpdateSwarmStatus transitions a swarm's status using optimistic
// concurrency on the version column. Only the Workflow Engine and
// Monitor call this (§5).
func (s *Store) UpdateSwarmStatus(ctx context.Context, id string, expectedVersion int, status models.SwarmStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE swarms SET status = $1, version = version + 1
		WHERE id = $2 AND version = $3`,
		string(status), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("store: update swarm status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSwarm(ctx, id); err != nil {
			return err
		}
		return ErrConcurrencyConflict
	}
	return nil
}

// UpdateSwarmMetadata persists the Workflow Engine's checkpoint payload
// using the same optimistic-concurrency discipline as UpdateSwarmStatus,
// so a concurrent status transition and a checkpoint write can never
// silently clobber one another.
func (s *Store) UpdateSwarmMetadata(ctx context.Context, id string, expectedVersion int, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal swarm metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE swarms SET metadata = $1, version = version + 1
		WHERE id = $2 AND version = $3`,
		encoded, id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("store: update swarm metadata %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSwarm(ctx, id); err != nil {
			return err
		}
		return ErrConcurrencyConflict
	}
	return nil
}

// ListSwarms returns every swarm, most recently created first, for the
// `GET /swarms` surface.
func (s *Store) ListSwarms(ctx context.Context) ([]models.Swarm, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, num_agents, metadata, created_at, version
		FROM swarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list swarms: %w", err)
	}
	defer rows.Close()

	var out []models.Swarm
	for rows.Next() {
		var (
			swarm  models.Swarm
			meta   []byte
			status string
		)
		if err := rows.Scan(&swarm.ID, &swarm.Name, &status, &swarm.NumAgents, &meta, &swarm.CreatedAt, &swarm.Version); err != nil {
			return nil, fmt.Errorf("store: scan swarm: %w", err)
		}
		swarm.Status = models.SwarmStatus(status)
		if err := json.Unmarshal(meta, &swarm.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal swarm metadata: %w", err)
		}
		out = append(out, swarm)
	}
	return out, rows.Err()
}
