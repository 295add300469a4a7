// Package util provides shared test infrastructure: a single
// testcontainers-managed Postgres instance reused across a package's
// tests, each test isolated into its own schema.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/swarmforge/orchestrator/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewTestPool returns a pgxpool.Pool scoped to a fresh, migrated schema
// inside a shared testcontainer Postgres instance. The schema (and the
// pool) is torn down via t.Cleanup.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	ctx := context.Background()
	connStr := getOrCreateSharedDatabase(t)
	schema := GenerateSchemaName(t)

	setupPool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	_, err = setupPool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	setupPool.Close()

	scopedConnStr := AddSearchPathToConnString(connStr, schema)
	pool, err := pgxpool.New(ctx, scopedConnStr)
	require.NoError(t, err)

	require.NoError(t, database.ApplyMigrations(ctx, pool))

	t.Cleanup(func() {
		pool.Close()
		cleanupPool, err := pgxpool.New(context.Background(), connStr)
		if err == nil {
			_, _ = cleanupPool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
			cleanupPool.Close()
		}
	})

	return pool
}

// getOrCreateSharedDatabase starts (once per test binary) a shared
// Postgres container and returns its connection string.
func getOrCreateSharedDatabase(t *testing.T) string {
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

// GenerateSchemaName creates a unique, Postgres-safe schema name derived
// from the test name plus a random suffix.
func GenerateSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("generate random schema suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

// AddSearchPathToConnString appends search_path to a connection string so
// every connection in the pool resolves unqualified table names against
// the isolated test schema.
func AddSearchPathToConnString(connStr, schema string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schema)
}
