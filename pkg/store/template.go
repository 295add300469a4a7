package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/swarmforge/orchestrator/pkg/models"
	"github.com/swarmforge/orchestrator/pkg/vectorutil"
)

// UpsertStackTemplate inserts or replaces a seeded template row by id.
func (s *Store) UpsertStackTemplate(ctx context.Context, tmpl models.StackTemplate) (models.StackTemplate, error) {
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stack_templates (id, title, backend, frontend, database, description, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, backend = EXCLUDED.backend, frontend = EXCLUDED.frontend,
			database = EXCLUDED.database, description = EXCLUDED.description, embedding = EXCLUDED.embedding`,
		tmpl.ID, tmpl.Title, tmpl.Backend, tmpl.Frontend, tmpl.Database, tmpl.Description, tmpl.Embedding,
	)
	if err != nil {
		return models.StackTemplate{}, fmt.Errorf("store: upsert stack template: %w", err)
	}
	return tmpl, nil
}

// NearestTemplates ranks every seeded template against embedding by
// cosine similarity and returns the top k, ordered descending. The
// seeded template corpus is small by construction (§3: "Used only for
// nearest-neighbor lookup"), so ranking happens in application code
// rather than via a vector-index extension.
func (s *Store) NearestTemplates(ctx context.Context, embedding []float32, k int) ([]models.StackTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, backend, frontend, database, description, embedding
		FROM stack_templates`)
	if err != nil {
		return nil, fmt.Errorf("store: nearest templates: %w", err)
	}
	defer rows.Close()

	type scored struct {
		tmpl models.StackTemplate
		sim  float64
	}
	var all []scored
	for rows.Next() {
		var t models.StackTemplate
		if err := rows.Scan(&t.ID, &t.Title, &t.Backend, &t.Frontend, &t.Database, &t.Description, &t.Embedding); err != nil {
			return nil, fmt.Errorf("store: scan stack template: %w", err)
		}
		all = append(all, scored{tmpl: t, sim: vectorutil.CosineSimilarity(embedding, t.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].sim > all[j].sim })
	if k > len(all) {
		k = len(all)
	}
	out := make([]models.StackTemplate, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].tmpl
	}
	return out, nil
}
