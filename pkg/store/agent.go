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

// CreateAgent inserts a new agent row scoped to a swarm.
func (s *Store) CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.State.Data == nil {
		agent.State.Data = map[string]any{}
	}
	state, err := json.Marshal(agent.State)
	if err != nil {
		return models.Agent{}, fmt.Errorf("store: marshal agent state: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (id, swarm_id, role, status, current_task_id, state, assigned_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, now())
		RETURNING assigned_at`,
		agent.ID, agent.SwarmID, string(agent.Role), string(agent.State.Status), agent.State.CurrentTaskID, state,
	)
	if err := row.Scan(&agent.AssignedAt); err != nil {
		return models.Agent{}, fmt.Errorf("store: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent fetches a single agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	agent, err := scanAgentRow(s.pool.QueryRow(ctx, `
		SELECT id, swarm_id, role, status, current_task_id, state, assigned_at
		FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Agent{}, ErrNotFound
	}
	if err != nil {
		return models.Agent{}, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	return agent, nil
}

// ListAgents returns every agent belonging to a swarm.
func (s *Store) ListAgents(ctx context.Context, swarmID string) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, swarm_id, role, status, current_task_id, state, assigned_at
		FROM agents WHERE swarm_id = $1 ORDER BY assigned_at ASC`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("store: list agents %s: %w", swarmID, err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		agent, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// UpdateAgentState persists an agent's structured state blob, e.g. when
// the Scheduler assigns it a task or the Workflow Engine records a
// result.
func (s *Store) UpdateAgentState(ctx context.Context, id string, state models.AgentState) error {
	if state.Data == nil {
		state.Data = map[string]any{}
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal agent state: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = $1, current_task_id = NULLIF($2, ''), state = $3
		WHERE id = $4`,
		string(state.Status), state.CurrentTaskID, encoded, id,
	)
	if err != nil {
		return fmt.Errorf("store: update agent state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAgentRow(row pgx.Row) (models.Agent, error) {
	return scanAgentRows(row)
}

func scanAgentRows(row scannable) (models.Agent, error) {
	var (
		agent         models.Agent
		role, status  string
		currentTaskID *string
		state         []byte
	)
	if err := row.Scan(&agent.ID, &agent.SwarmID, &role, &status, &currentTaskID, &state, &agent.AssignedAt); err != nil {
		return models.Agent{}, err
	}
	agent.Role = models.AgentRole(role)
	if err := json.Unmarshal(state, &agent.State); err != nil {
		return models.Agent{}, fmt.Errorf("store: unmarshal agent state: %w", err)
	}
	agent.State.Status = models.AgentStatus(status)
	if currentTaskID != nil {
		agent.State.CurrentTaskID = *currentTaskID
	}
	return agent, nil
}
