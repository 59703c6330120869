package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opsgate/internal/authz/models"
	id "opsgate/pkg/domain"
	"opsgate/pkg/platform/sentinel"
)

// PostgresRoleStore persists role assignments in PostgreSQL.
// (user_id, role) is the primary key, which enforces set semantics.
type PostgresRoleStore struct {
	db *sql.DB
}

// NewPostgresRoleStore constructs a PostgreSQL-backed role store.
func NewPostgresRoleStore(db *sql.DB) *PostgresRoleStore {
	return &PostgresRoleStore{db: db}
}

func (s *PostgresRoleStore) ListRoles(ctx context.Context, userID id.UserID) ([]models.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, assigned_at
		FROM user_roles
		WHERE user_id = $1
		ORDER BY role
	`, uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	assignments := make([]models.RoleAssignment, 0, 4)
	for rows.Next() {
		var a models.RoleAssignment
		var rawUserID uuid.UUID
		var role string
		if err := rows.Scan(&rawUserID, &role, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan role assignment: %w", err)
		}
		a.UserID = id.UserID(rawUserID)
		a.Role = models.Role(role)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role assignments: %w", err)
	}
	return assignments, nil
}

func (s *PostgresRoleStore) AssignRole(ctx context.Context, assignment models.RoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role, assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role) DO NOTHING
	`, uuid.UUID(assignment.UserID), string(assignment.Role), assignment.AssignedAt)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *PostgresRoleStore) RemoveRole(ctx context.Context, userID id.UserID, role models.Role) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_roles WHERE user_id = $1 AND role = $2
	`, uuid.UUID(userID), string(role))
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove role rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// PostgresPermissionStore persists permission grants in PostgreSQL.
// (user_id, module) is the primary key: one grant per module per user.
type PostgresPermissionStore struct {
	db *sql.DB
}

// NewPostgresPermissionStore constructs a PostgreSQL-backed permission store.
func NewPostgresPermissionStore(db *sql.DB) *PostgresPermissionStore {
	return &PostgresPermissionStore{db: db}
}

func (s *PostgresPermissionStore) ListGrants(ctx context.Context, userID id.UserID) ([]models.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, module, can_view, can_create, can_edit, can_delete, updated_at
		FROM permission_grants
		WHERE user_id = $1
		ORDER BY module
	`, uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	grants := make([]models.PermissionGrant, 0, 8)
	for rows.Next() {
		var g models.PermissionGrant
		var rawUserID uuid.UUID
		var module string
		if err := rows.Scan(&rawUserID, &module, &g.CanView, &g.CanCreate, &g.CanEdit, &g.CanDelete, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan permission grant: %w", err)
		}
		g.UserID = id.UserID(rawUserID)
		g.Module = models.Module(module)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission grants: %w", err)
	}
	return grants, nil
}

func (s *PostgresPermissionStore) UpsertGrant(ctx context.Context, grant models.PermissionGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (user_id, module, can_view, can_create, can_edit, can_delete, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, module) DO UPDATE SET
			can_view = EXCLUDED.can_view,
			can_create = EXCLUDED.can_create,
			can_edit = EXCLUDED.can_edit,
			can_delete = EXCLUDED.can_delete,
			updated_at = EXCLUDED.updated_at
	`, uuid.UUID(grant.UserID), string(grant.Module), grant.CanView, grant.CanCreate, grant.CanEdit, grant.CanDelete, grant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *PostgresPermissionStore) DeleteGrant(ctx context.Context, userID id.UserID, module models.Module) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_grants WHERE user_id = $1 AND module = $2
	`, uuid.UUID(userID), string(module))
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete grant rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Schema creates the authorization tables when they do not exist yet.
// Deployments with managed migrations can ignore this helper.
func Schema(ctx context.Context, db *sql.DB) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS user_roles (
			user_id UUID NOT NULL,
			role TEXT NOT NULL,
			assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, role)
		);
		CREATE TABLE IF NOT EXISTS permission_grants (
			user_id UUID NOT NULL,
			module TEXT NOT NULL,
			can_view BOOLEAN NOT NULL DEFAULT false,
			can_create BOOLEAN NOT NULL DEFAULT false,
			can_edit BOOLEAN NOT NULL DEFAULT false,
			can_delete BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, module)
		);
	`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create authz schema: %w", err)
	}
	return nil
}

// IsNotFound reports whether the error is the store's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}
