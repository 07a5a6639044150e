package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/migrate"
	"propline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestResolveConfigBootstrapsOwnerOnce(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	cfg, err := ResolveConfig(ctx, t.TempDir(), "alice", r)
	require.NoError(t, err)
	assert.Equal(t, "portfolio", cfg.Portfolio.ID)

	roles, err := r.ActorRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, roles)
	perms, err := r.ActorPermissions(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, config.AllPermissions, perms)

	created, err := Bootstrap(ctx, r, "mallory")
	require.NoError(t, err)
	assert.False(t, created)
	roles, err = r.ActorRoles(ctx, "mallory")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestResolveConfigReadsWorkspaceFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault("bayside")), 0o644))
	cfg, err := ResolveConfig(ctx, dir, "", newRepo(t))
	require.NoError(t, err)
	assert.Equal(t, "bayside", cfg.Portfolio.ID)
}

func TestSyncRBACDropsUndeclaredRoles(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	cfg := config.Default("x")
	require.NoError(t, SyncRBAC(ctx, r, cfg))
	perms, err := r.RolePermissions(ctx, "viewer")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{config.PermPropertyRead, config.PermEventsRead}, perms)

	delete(cfg.RBAC.Roles, "viewer")
	require.NoError(t, SyncRBAC(ctx, r, cfg))
	ok, err := r.RoleExists(ctx, nil, "viewer")
	require.NoError(t, err)
	assert.False(t, ok)
}
