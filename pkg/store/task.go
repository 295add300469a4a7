package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// TaskFilter narrows ListTasks. A zero value (no Status, empty AgentID)
// returns every task in the swarm.
type TaskFilter struct {
	Status  models.TaskStatus
	AgentID string
}

// CreateTask inserts a task row. Task ids are assigned by the Adaptive
// Planner (hierarchy-encoded, e.g. "1.2") and are only unique within a
// swarm, matching the composite primary key in the migration.
func (s *Store) CreateTask(ctx context.Context, task models.Task) (models.Task, error) {
	if task.Data == nil {
		task.Data = map[string]any{}
	}
	if task.Dependencies == nil {
		task.Dependencies = []string{}
	}
	data, err := json.Marshal(task.Data)
	if err != nil {
		return models.Task{}, fmt.Errorf("store: marshal task data: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, swarm_id, agent_id, title, description, priority, status,
			dependencies, data, attempts, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING created_at, updated_at`,
		task.ID, task.SwarmID, task.AgentID, task.Title, task.Description, task.Priority,
		string(task.Status), task.Dependencies, data, task.Attempts,
	)
	if err := row.Scan(&task.CreatedAt, &task.UpdatedAt); err != nil {
		return models.Task{}, fmt.Errorf("store: create task %s/%s: %w", task.SwarmID, task.ID, err)
	}
	return task, nil
}

// GetTask fetches a single task by swarm + id.
func (s *Store) GetTask(ctx context.Context, swarmID, taskID string) (models.Task, error) {
	task, err := scanTaskRow(s.pool.QueryRow(ctx, `
		SELECT id, swarm_id, agent_id, title, description, priority, status, dependencies,
			data, attempts, created_at, updated_at, last_failure_at
		FROM tasks WHERE swarm_id = $1 AND id = $2`, swarmID, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("store: get task %s/%s: %w", swarmID, taskID, err)
	}
	return task, nil
}

// ListTasks returns every task in a swarm matching filter, ordered the
// way the Scheduler wants ready tasks presented: priority desc, then
// created_at asc.
func (s *Store) ListTasks(ctx context.Context, swarmID string, filter TaskFilter) ([]models.Task, error) {
	query := `
		SELECT id, swarm_id, agent_id, title, description, priority, status, dependencies,
			data, attempts, created_at, updated_at, last_failure_at
		FROM tasks WHERE swarm_id = $1`
	args := []any{swarmID}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks %s: %w", swarmID, err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// UpdateTaskStatus transitions a task's status and optionally merges new
// data. It is idempotent: applying the same (taskID, status) twice is a
// no-op on the second call (§4.1) — detected by short-circuiting when the
// row is already at the target status, so callers never double-count a
// completion.
func (s *Store) UpdateTaskStatus(ctx context.Context, swarmID, taskID string, status models.TaskStatus, data map[string]any) error {
	current, err := s.GetTask(ctx, swarmID, taskID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil // idempotent no-op
	}

	var encoded []byte
	if data != nil {
		merged := current.Data
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range data {
			merged[k] = v
		}
		encoded, err = json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("store: marshal task data: %w", err)
		}
	}

	var (
		tag pgx.CommandTag
	)
	if data != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE tasks SET status = $1, data = $2, updated_at = now(),
				last_failure_at = CASE WHEN $1 = 'failed' THEN now() ELSE last_failure_at END,
				attempts = CASE WHEN $1 = 'in_progress' THEN attempts + 1 ELSE attempts END
			WHERE swarm_id = $3 AND id = $4`,
			string(status), encoded, swarmID, taskID)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE tasks SET status = $1, updated_at = now(),
				last_failure_at = CASE WHEN $1 = 'failed' THEN now() ELSE last_failure_at END,
				attempts = CASE WHEN $1 = 'in_progress' THEN attempts + 1 ELSE attempts END
			WHERE swarm_id = $2 AND id = $3`,
			string(status), swarmID, taskID)
	}
	if err != nil {
		return fmt.Errorf("store: update task status %s/%s: %w", swarmID, taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignTaskAgent sets the owning agent for a task, used when the
// Scheduler dispatches a ready task.
func (s *Store) AssignTaskAgent(ctx context.Context, swarmID, taskID, agentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET agent_id = NULLIF($1, ''), updated_at = now()
		WHERE swarm_id = $2 AND id = $3`,
		agentID, swarmID, taskID)
	if err != nil {
		return fmt.Errorf("store: assign task agent %s/%s: %w", swarmID, taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTaskRow(row pgx.Row) (models.Task, error) { return scanTaskRows(row) }

func scanTaskRows(row scannable) (models.Task, error) {
	var (
		task          models.Task
		agentID       *string
		status        string
		data          []byte
		lastFailureAt *time.Time
	)
	if err := row.Scan(
		&task.ID, &task.SwarmID, &agentID, &task.Title, &task.Description, &task.Priority,
		&status, &task.Dependencies, &data, &task.Attempts, &task.CreatedAt, &task.UpdatedAt, &lastFailureAt,
	); err != nil {
		return models.Task{}, err
	}
	task.Status = models.TaskStatus(status)
	if agentID != nil {
		task.AgentID = *agentID
	}
	if err := json.Unmarshal(data, &task.Data); err != nil {
		return models.Task{}, fmt.Errorf("store: unmarshal task data: %w", err)
	}
	task.LastFailureAt = lastFailureAt
	return task, nil
}
