// Package store persists role assignments and permission grants.
//
// Implementations return sentinel errors from pkg/platform/sentinel; the
// resolver and service layers translate them into domain errors.
package store

import (
	"context"

	"opsgate/internal/authz/models"
	id "opsgate/pkg/domain"
)

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks

// RoleStore reads and mutates the per-user role set.
type RoleStore interface {
	// ListRoles returns the user's role assignments. A user with no rows gets
	// an empty slice, not an error.
	ListRoles(ctx context.Context, userID id.UserID) ([]models.RoleAssignment, error)

	// AssignRole adds a role to the user's set. Assigning an already-held
	// role is a no-op.
	AssignRole(ctx context.Context, assignment models.RoleAssignment) error

	// RemoveRole removes a role from the user's set. Returns
	// sentinel.ErrNotFound when the user does not hold the role.
	RemoveRole(ctx context.Context, userID id.UserID, role models.Role) error
}

// PermissionStore reads and mutates per-module permission grants.
type PermissionStore interface {
	// ListGrants returns the user's grants, at most one per module.
	ListGrants(ctx context.Context, userID id.UserID) ([]models.PermissionGrant, error)

	// UpsertGrant creates or replaces the grant for (user, module).
	UpsertGrant(ctx context.Context, grant models.PermissionGrant) error

	// DeleteGrant removes the grant for (user, module). Returns
	// sentinel.ErrNotFound when no grant exists.
	DeleteGrant(ctx context.Context, userID id.UserID, module models.Module) error
}
