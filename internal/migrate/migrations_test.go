package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, MigrateContext(ctx, conn))
	require.NoError(t, MigrateContext(ctx, conn))

	ms, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, ms[len(ms)-1].Version, v)

	for _, table := range []string{"properties", "process_instances", "state_changes", "events", "roles", "api_keys"} {
		var n int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))
	_, err = conn.Exec(`UPDATE schema_version SET version=999`)
	require.NoError(t, err)
	assert.Error(t, Migrate(conn))
}
