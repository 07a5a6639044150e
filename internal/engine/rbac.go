package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"propline/internal/domain"
	"propline/internal/events"
	"propline/internal/repo"
)

// WhoAmI resolves the roles and permissions bound to an actor.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.Principal, error) {
	roles, err := e.Auth.ActorRoles(ctx, actorID)
	if err != nil {
		return domain.Principal{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, actorID)
	if err != nil {
		return domain.Principal{}, err
	}
	return domain.Principal{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

func (e Engine) GrantRole(ctx context.Context, actorID, roleID, by string) (domain.RoleBinding, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.RoleBinding{}, fmt.Errorf("actor_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RoleBinding{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return domain.RoleBinding{}, err
	}
	if !ok {
		return domain.RoleBinding{}, fmt.Errorf("role %s: %w", roleID, repo.ErrNotFound)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.RoleBinding{}, err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID, now); err != nil {
		return domain.RoleBinding{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RoleGranted, "", events.KindActor, actorID, by, events.EventPayload{"role_id": roleID}); err != nil {
		return domain.RoleBinding{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RoleBinding{}, err
	}
	e.log().Info("role granted", zap.String("actor_id", actorID), zap.String("role_id", roleID), zap.String("by", by))
	return domain.RoleBinding{ActorID: actorID, RoleID: roleID, CreatedAt: now}, nil
}

func (e Engine) RevokeRole(ctx context.Context, actorID, roleID, by string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleRevoked, "", events.KindActor, actorID, by, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("role revoked", zap.String("actor_id", actorID), zap.String("role_id", roleID), zap.String("by", by))
	return nil
}

// CreateAPIKey issues a key for actorID. The plaintext is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, by string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "pl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        e.newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", events.KindActor, actorID, by, events.EventPayload{"key_id": key.ID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id, by string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	key, err := e.Repo.DeleteAPIKey(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyDeleted, "", events.KindActor, key.ActorID, by, events.EventPayload{"key_id": key.ID, "name": key.Name}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("api key deleted", zap.String("key_id", id), zap.String("actor_id", key.ActorID), zap.String("by", by))
	return nil
}
