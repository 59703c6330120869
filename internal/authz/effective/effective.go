// Package effective layers impersonation over the real resolvers. While an
// impersonation is active every role and permission question is answered
// from the impersonated identity; the real resolvers keep running underneath
// untouched, so stopping impersonation restores them instantly.
package effective

import (
	"opsgate/internal/authz/impersonation"
	"opsgate/internal/authz/models"
	"opsgate/internal/authz/resolver"
)

// Roles answers role questions for the effective identity.
type Roles struct {
	real *resolver.RoleResolver
	imp  *impersonation.Context
}

// NewRoles wraps the real role resolver with the impersonation context.
func NewRoles(real *resolver.RoleResolver, imp *impersonation.Context) *Roles {
	return &Roles{real: real, imp: imp}
}

// Snapshot returns the effective role snapshot. An impersonated identity is
// always ready: its role set was materialized when impersonation started.
func (e *Roles) Snapshot() resolver.RoleSnapshot {
	state := e.imp.Snapshot()
	if !state.Active {
		return e.real.Snapshot()
	}
	return resolver.RoleSnapshot{
		UserID:  state.Identity.UserID,
		Roles:   append([]models.Role(nil), state.Identity.Roles...),
		State:   resolver.StateReady,
		Ready:   true,
		Loading: false,
	}
}

// HasRole reports whether the effective identity holds the role.
func (e *Roles) HasRole(role models.Role) bool {
	return e.Snapshot().HasRole(role)
}

// IsAdmin reports whether the effective identity holds admin. A real admin
// impersonating a non-admin reads false here for the duration.
func (e *Roles) IsAdmin() bool {
	return e.Snapshot().IsAdmin()
}

// Permissions answers permission questions for the effective identity.
type Permissions struct {
	real *resolver.PermissionResolver
	imp  *impersonation.Context
}

// NewPermissions wraps the real permission resolver with the impersonation
// context.
func NewPermissions(real *resolver.PermissionResolver, imp *impersonation.Context) *Permissions {
	return &Permissions{real: real, imp: imp}
}

// Snapshot returns the effective permission snapshot. AdminAll is recomputed
// from the impersonated role set, not carried over from the real identity.
func (e *Permissions) Snapshot() resolver.PermissionSnapshot {
	state := e.imp.Snapshot()
	if !state.Active {
		return e.real.Snapshot()
	}
	return resolver.PermissionSnapshot{
		UserID:   state.Identity.UserID,
		Grants:   append([]models.PermissionGrant(nil), state.Identity.Grants...),
		AdminAll: state.Identity.IsAdmin(),
		State:    resolver.StateReady,
		Ready:    true,
		Loading:  false,
	}
}

// HasPermission evaluates a check against the effective identity, with the
// same defaults and fail-closed behavior as the real resolver.
func (e *Permissions) HasPermission(module models.Module, types ...models.PermissionType) bool {
	state := e.imp.Snapshot()
	if !state.Active {
		return e.real.HasPermission(module, types...)
	}
	return e.Snapshot().Allows(module, types...)
}
