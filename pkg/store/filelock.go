package store

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// UpsertFileLock mirrors an in-process lock acquisition to Postgres so a
// crashed process's locks can be reconstructed on restart (§3 FileLock).
func (s *Store) UpsertFileLock(ctx context.Context, lock models.FileLock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO file_locks (filepath, holder_agent_id, swarm_id, acquired_at, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (filepath) DO UPDATE SET
			holder_agent_id = EXCLUDED.holder_agent_id, swarm_id = EXCLUDED.swarm_id,
			acquired_at = EXCLUDED.acquired_at, ttl_seconds = EXCLUDED.ttl_seconds`,
		lock.FilePath, lock.HolderAgentID, lock.SwarmID, lock.AcquiredAt, int(lock.TTL.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("store: upsert file lock %s: %w", lock.FilePath, err)
	}
	return nil
}

// DeleteFileLock removes the mirrored row on release or break.
func (s *Store) DeleteFileLock(ctx context.Context, filepath string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM file_locks WHERE filepath = $1`, filepath)
	if err != nil {
		return fmt.Errorf("store: delete file lock %s: %w", filepath, err)
	}
	return nil
}

// ListFileLocks reconstructs the in-memory lock map at Conflict Resolver
// startup.
func (s *Store) ListFileLocks(ctx context.Context) ([]models.FileLock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT filepath, holder_agent_id, swarm_id, acquired_at, ttl_seconds FROM file_locks`)
	if err != nil {
		return nil, fmt.Errorf("store: list file locks: %w", err)
	}
	defer rows.Close()

	var out []models.FileLock
	for rows.Next() {
		var (
			lock       models.FileLock
			ttlSeconds int
		)
		if err := rows.Scan(&lock.FilePath, &lock.HolderAgentID, &lock.SwarmID, &lock.AcquiredAt, &ttlSeconds); err != nil {
			return nil, fmt.Errorf("store: scan file lock: %w", err)
		}
		lock.TTL = time.Duration(ttlSeconds) * time.Second
		out = append(out, lock)
	}
	return out, rows.Err()
}
