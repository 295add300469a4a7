package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// AppendEvent writes one append-only audit record. It is durable before
// returning (a synchronous insert, no buffering) and never mutated once
// written. IDs are ULIDs so `ORDER BY id` and `ORDER BY timestamp` agree,
// which QueryEventsByKind relies on.
func (s *Store) AppendEvent(ctx context.Context, event models.Event) (models.Event, error) {
	if event.ID == "" {
		event.ID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.Event{}, fmt.Errorf("store: marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, swarm_id, kind, timestamp, data)
		VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.SwarmID, string(event.Kind), event.Timestamp, data,
	)
	if err != nil {
		return models.Event{}, fmt.Errorf("store: append event: %w", err)
	}
	return event, nil
}

// QueryEventsByKind returns every event of a kind for a swarm in
// creation order, used to reconstruct observability counters and drive
// the self-healing loop.
func (s *Store) QueryEventsByKind(ctx context.Context, swarmID string, kind models.EventKind) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, swarm_id, kind, timestamp, data
		FROM events WHERE swarm_id = $1 AND kind = $2 ORDER BY id ASC`,
		swarmID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query events %s/%s: %w", swarmID, kind, err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			event models.Event
			k     string
			data  []byte
		)
		if err := rows.Scan(&event.ID, &event.SwarmID, &k, &event.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		event.Kind = models.EventKind(k)
		if err := json.Unmarshal(data, &event.Data); err != nil {
			return nil, fmt.Errorf("store: unmarshal event data: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// ListEvents returns every event for a swarm in append order, used for
// postmortem / full audit replay.
func (s *Store) ListEvents(ctx context.Context, swarmID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, swarm_id, kind, timestamp, data
		FROM events WHERE swarm_id = $1 ORDER BY id ASC`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("store: list events %s: %w", swarmID, err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			event models.Event
			k     string
			data  []byte
		)
		if err := rows.Scan(&event.ID, &event.SwarmID, &k, &event.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		event.Kind = models.EventKind(k)
		if err := json.Unmarshal(data, &event.Data); err != nil {
			return nil, fmt.Errorf("store: unmarshal event data: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
