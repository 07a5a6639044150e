package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"propline/internal/config"
	"propline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) repo() repo.Repo { return repo.Repo{DB: s.DB} }

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return s.repo().EnsureActor(ctx, tx, actorID, now)
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, actorID, perm string) (bool, error) {
	q := `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, q, actorID, perm)
	} else {
		row = s.DB.QueryRowContext(ctx, q, actorID, perm)
	}
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return s.repo().ActorRoles(ctx, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	return s.repo().ActorPermissions(ctx, actorID)
}

// SyncRoles makes the roles tables mirror the config: declared roles are
// upserted with exactly their permissions and undeclared roles are dropped.
func (s Service) SyncRoles(ctx context.Context, tx *sql.Tx, roles map[string]config.RBACRole) error {
	r := s.repo()
	for _, p := range config.AllPermissions {
		if err := r.InsertPermission(ctx, tx, p, ""); err != nil {
			return fmt.Errorf("permission %s: %w", p, err)
		}
	}
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		role := roles[name]
		if err := r.InsertRole(ctx, tx, name, role.Description); err != nil {
			return fmt.Errorf("role %s: %w", name, err)
		}
		if err := r.ClearRolePermissions(ctx, tx, name); err != nil {
			return err
		}
		for _, p := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, p, ""); err != nil {
				return err
			}
			if err := r.AddRolePermission(ctx, tx, name, p); err != nil {
				return fmt.Errorf("role %s permission %s: %w", name, p, err)
			}
		}
	}
	return r.DeleteRolesExcept(ctx, tx, names)
}
