package handler

import (
	"time"

	"opsgate/internal/authz/models"
	"opsgate/internal/authz/resolver"
)

// MeResponse describes the caller's effective identity.
type MeResponse struct {
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	Impersonating   bool   `json:"impersonating"`
	EffectiveUserID string `json:"effective_user_id"`
	DefaultRoute    string `json:"default_route"`
}

// RolesResponse is the caller's effective role set.
type RolesResponse struct {
	UserID        string   `json:"user_id"`
	Roles         []string `json:"roles"`
	Ready         bool     `json:"ready"`
	Loading       bool     `json:"loading"`
	Impersonating bool     `json:"impersonating"`
}

// FromRoleSnapshot converts a resolver snapshot into the wire shape.
func FromRoleSnapshot(snap resolver.RoleSnapshot, impersonating bool) RolesResponse {
	roles := make([]string, 0, len(snap.Roles))
	for _, role := range snap.Roles {
		roles = append(roles, string(role))
	}
	return RolesResponse{
		UserID:        snap.UserID.String(),
		Roles:         roles,
		Ready:         snap.Ready,
		Loading:       snap.Loading,
		Impersonating: impersonating,
	}
}

// GrantResponse is one per-module grant on the wire.
type GrantResponse struct {
	Module    string    `json:"module"`
	CanView   bool      `json:"can_view"`
	CanCreate bool      `json:"can_create"`
	CanEdit   bool      `json:"can_edit"`
	CanDelete bool      `json:"can_delete"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PermissionsResponse is the caller's effective grant set.
type PermissionsResponse struct {
	UserID        string          `json:"user_id"`
	Grants        []GrantResponse `json:"grants"`
	AdminAll      bool            `json:"admin_all"`
	Ready         bool            `json:"ready"`
	Impersonating bool            `json:"impersonating"`
}

// FromPermissionSnapshot converts a resolver snapshot into the wire shape.
func FromPermissionSnapshot(snap resolver.PermissionSnapshot, impersonating bool) PermissionsResponse {
	return PermissionsResponse{
		UserID:        snap.UserID.String(),
		Grants:        grantResponses(snap.Grants),
		AdminAll:      snap.AdminAll,
		Ready:         snap.Ready,
		Impersonating: impersonating,
	}
}

func grantResponses(grants []models.PermissionGrant) []GrantResponse {
	out := make([]GrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, GrantResponse{
			Module:    string(g.Module),
			CanView:   g.CanView,
			CanCreate: g.CanCreate,
			CanEdit:   g.CanEdit,
			CanDelete: g.CanDelete,
			UpdatedAt: g.UpdatedAt,
		})
	}
	return out
}

// RouteResponse carries the landing path for the effective identity.
type RouteResponse struct {
	Route string `json:"route"`
}

// ImpersonationResponse reports impersonation state after start/stop.
type ImpersonationResponse struct {
	Active       bool     `json:"active"`
	TargetUserID string   `json:"target_user_id,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	DefaultRoute string   `json:"default_route"`
}

// RoleAssignmentsResponse lists a user's role assignments for the admin UI.
type RoleAssignmentsResponse struct {
	UserID string                   `json:"user_id"`
	Roles  []RoleAssignmentResponse `json:"roles"`
}

// RoleAssignmentResponse is one role assignment on the wire.
type RoleAssignmentResponse struct {
	Role       string    `json:"role"`
	AssignedAt time.Time `json:"assigned_at"`
}

// FromAssignments converts role assignments into the wire shape.
func FromAssignments(userID string, assignments []models.RoleAssignment) RoleAssignmentsResponse {
	out := RoleAssignmentsResponse{UserID: userID, Roles: make([]RoleAssignmentResponse, 0, len(assignments))}
	for _, a := range assignments {
		out.Roles = append(out.Roles, RoleAssignmentResponse{
			Role:       string(a.Role),
			AssignedAt: a.AssignedAt,
		})
	}
	return out
}

// UserGrantsResponse lists a user's grants for the admin UI.
type UserGrantsResponse struct {
	UserID string          `json:"user_id"`
	Grants []GrantResponse `json:"grants"`
}
