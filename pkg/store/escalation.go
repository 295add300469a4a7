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

// CreateEscalation persists a new blocker, created by the Retry Manager
// when an error is classified unrecoverable without human input.
func (s *Store) CreateEscalation(ctx context.Context, esc models.Escalation) (models.Escalation, error) {
	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}
	actions, err := json.Marshal(esc.SuggestedActions)
	if err != nil {
		return models.Escalation{}, fmt.Errorf("store: marshal suggested actions: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO escalations (id, swarm_id, task_id, agent_id, kind, severity, description,
			suggested_actions, can_continue_without, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, now())
		RETURNING created_at`,
		esc.ID, esc.SwarmID, esc.TaskID, esc.AgentID, string(esc.Kind), esc.Severity,
		esc.Description, actions, esc.CanContinueWithout, string(esc.Status),
	)
	if err := row.Scan(&esc.CreatedAt); err != nil {
		return models.Escalation{}, fmt.Errorf("store: create escalation: %w", err)
	}
	return esc, nil
}

// ListEscalations returns escalations for a swarm, optionally filtered
// to a status (empty string returns all).
func (s *Store) ListEscalations(ctx context.Context, swarmID string, status models.EscalationStatus) ([]models.Escalation, error) {
	query := `
		SELECT id, swarm_id, task_id, agent_id, kind, severity, description, suggested_actions,
			can_continue_without, status, resolution, created_at
		FROM escalations WHERE swarm_id = $1`
	args := []any{swarmID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list escalations %s: %w", swarmID, err)
	}
	defer rows.Close()

	var out []models.Escalation
	for rows.Next() {
		esc, err := scanEscalationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

// GetEscalation fetches a single escalation by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (models.Escalation, error) {
	esc, err := scanEscalationRow(s.pool.QueryRow(ctx, `
		SELECT id, swarm_id, task_id, agent_id, kind, severity, description, suggested_actions,
			can_continue_without, status, resolution, created_at
		FROM escalations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Escalation{}, ErrNotFound
	}
	if err != nil {
		return models.Escalation{}, fmt.Errorf("store: get escalation %s: %w", id, err)
	}
	return esc, nil
}

// ResolveEscalation applies a human-supplied resolution payload. Partial
// resolutions (not every requested field present) keep status pending
// with the merged payload, matching the Open Question decision in
// SPEC_FULL §9; full resolutions pass status=resolved explicitly.
func (s *Store) ResolveEscalation(ctx context.Context, id string, status models.EscalationStatus, resolution map[string]any) error {
	current, err := s.GetEscalation(ctx, id)
	if err != nil {
		return err
	}
	merged := current.Resolution
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range resolution {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("store: marshal resolution: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE escalations SET status = $1, resolution = $2 WHERE id = $3`,
		string(status), encoded, id)
	if err != nil {
		return fmt.Errorf("store: resolve escalation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEscalationRow(row pgx.Row) (models.Escalation, error) { return scanEscalationRows(row) }

func scanEscalationRows(row scannable) (models.Escalation, error) {
	var (
		esc            models.Escalation
		agentID        *string
		kind, status   string
		actions        []byte
		resolutionJSON []byte
	)
	if err := row.Scan(
		&esc.ID, &esc.SwarmID, &esc.TaskID, &agentID, &kind, &esc.Severity, &esc.Description,
		&actions, &esc.CanContinueWithout, &status, &resolutionJSON, &esc.CreatedAt,
	); err != nil {
		return models.Escalation{}, err
	}
	esc.Kind = models.EscalationKind(kind)
	esc.Status = models.EscalationStatus(status)
	if agentID != nil {
		esc.AgentID = *agentID
	}
	if err := json.Unmarshal(actions, &esc.SuggestedActions); err != nil {
		return models.Escalation{}, fmt.Errorf("store: unmarshal suggested actions: %w", err)
	}
	if resolutionJSON != nil {
		if err := json.Unmarshal(resolutionJSON, &esc.Resolution); err != nil {
			return models.Escalation{}, fmt.Errorf("store: unmarshal resolution: %w", err)
		}
	}
	return esc, nil
}
