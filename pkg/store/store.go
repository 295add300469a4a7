// Package store is the KV/State Store (C1): durable, transactional
// persistence for swarms, agents, tasks, escalations, the event log, and
// stack templates, backed directly by pgx against Postgres — no ORM
// code-generation step sits between this package and the schema in
// pkg/database/migrations.
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the KV/State Store. It holds no business logic beyond the
// invariants §4.1 documents (idempotent status updates, append-only
// events, optimistic concurrency) — the Workflow Engine, Scheduler, and
// Monitor decide what to persist and when.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. Accepting the raw pool (rather than
// *database.Client) keeps this package free of a dependency on the
// migration runner, so it can be unit-tested against any pgxpool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConcurrencyConflict is returned when an optimistic-concurrency
	// write loses a race; the caller re-reads and retries per §4.1.
	ErrConcurrencyConflict = errors.New("store: concurrency conflict")
)

// StorageUnavailable wraps a failed round-trip after the pool already
// retried internally; callers may retry themselves per §7.
type StorageUnavailable struct {
	Op  string
	Err error
}

func (e *StorageUnavailable) Error() string { return "store: " + e.Op + " unavailable: " + e.Err.Error() }
func (e *StorageUnavailable) Unwrap() error { return e.Err }
