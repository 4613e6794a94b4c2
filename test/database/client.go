// Package database provides shared Postgres test infrastructure: isolated
// per-test schemas with the application migrations applied.
package database

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/licitahub/radar/pkg/database"
	"github.com/licitahub/radar/test/util"
)

// NewTestPool creates a migrated, schema-isolated pool for one test.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a shared testcontainer.
// Schema drop and pool close are registered as test cleanups.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	pool, connStr := util.SetupTestDatabase(t)
	require.NoError(t, database.Migrate(connStr))
	return pool
}
