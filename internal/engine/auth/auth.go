package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"bookline/internal/domain"
	"bookline/internal/repo"
)

// RoleAdmin may decide, cancel and inspect any booking.
const RoleAdmin = "admin"

// ForbiddenError indicates the actor may not perform an operation.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides role helpers backed by the actor tables.
type Service struct {
	Repo repo.Repo
}

// Grant gives actorID a role, creating the actor when needed.
func (s Service) Grant(ctx context.Context, actorID, role string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	if role == "" {
		return errors.New("role required")
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := s.Repo.GrantRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) HasRole(ctx context.Context, tx *sql.Tx, actorID, role string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	roles, err := s.Repo.ActorRoles(ctx, tx, actorID)
	if err != nil {
		return false, err
	}
	return slices.Contains(roles, role), nil
}

// IsAdmin trusts roles already asserted by a verified credential before
// falling back to the actor_roles table.
func (s Service) IsAdmin(ctx context.Context, actorID string, claimed []string) (bool, error) {
	if slices.Contains(claimed, RoleAdmin) {
		return true, nil
	}
	return s.HasRole(ctx, nil, actorID, RoleAdmin)
}

// RequireAdmin returns ForbiddenError unless the actor is an admin.
func (s Service) RequireAdmin(ctx context.Context, actorID string, claimed []string) error {
	ok, err := s.IsAdmin(ctx, actorID, claimed)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: "booking.admin"}
	}
	return nil
}

// Revoke removes a role from actorID.
func (s Service) Revoke(ctx context.Context, actorID, role string) error {
	return s.Repo.RevokeRole(ctx, nil, actorID, role)
}

// CreateAPIKey stores a new key for actorID and returns the plaintext,
// which is not kept anywhere.
func (s Service) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "bl_" + base64.RawURLEncoding.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}
