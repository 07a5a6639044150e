package app

import (
	"context"
	"fmt"
	"time"

	"propline/internal/config"
	"propline/internal/engine/auth"
	"propline/internal/repo"
)

// DefaultActor owns a workspace created without an explicit actor.
const DefaultActor = "local-user"

// ResolveConfig loads propline.yml from the workspace, falling back to the
// built-in defaults, and mirrors its roles into the database. On a fresh
// database the given actor is bound to owner so the first caller can manage
// access.
func ResolveConfig(ctx context.Context, workspace, actorID string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	if err := SyncRBAC(ctx, r, cfg); err != nil {
		return nil, err
	}
	if _, err := Bootstrap(ctx, r, actorID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SyncRBAC writes the configured roles and permissions.
func SyncRBAC(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := (auth.Service{DB: r.DB}).SyncRoles(ctx, tx, cfg.Roles()); err != nil {
		return fmt.Errorf("sync roles: %w", err)
	}
	return tx.Commit()
}

// Bootstrap grants owner to actorID when no role bindings exist yet. It
// reports whether a binding was created.
func Bootstrap(ctx context.Context, r repo.Repo, actorID string) (bool, error) {
	if actorID == "" {
		actorID = DefaultActor
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	n, err := r.CountRoleBindings(ctx, tx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return false, fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, actorID, "owner", now); err != nil {
		return false, fmt.Errorf("assign owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
