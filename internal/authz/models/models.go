// Package models defines the authorization facts the resolvers operate on:
// coarse role assignments and fine-grained per-module permission grants.
package models

import (
	"time"

	id "opsgate/pkg/domain"
)

// Role is a coarse-grained identity tag granting broad capability.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTeamMember Role = "team_member"
	RoleClientUser Role = "client_user"
	RolePartner    Role = "partner"
	RoleStaff      Role = "staff"
	RoleOperator   Role = "operator"
	RoleTech       Role = "tech"
	RoleExpert     Role = "expert"
)

// knownRoles is the closed set accepted at trust boundaries.
var knownRoles = map[Role]struct{}{
	RoleAdmin:      {},
	RoleTeamMember: {},
	RoleClientUser: {},
	RolePartner:    {},
	RoleStaff:      {},
	RoleOperator:   {},
	RoleTech:       {},
	RoleExpert:     {},
}

// Valid reports whether the role belongs to the closed role set.
func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

func (r Role) String() string { return string(r) }

// Module names one of the platform's dashboard modules. Permission grants are
// keyed by (user, module); the module set is closed.
type Module string

const (
	ModuleDashboard     Module = "dashboard"
	ModuleDealRooms     Module = "deal_rooms"
	ModuleBookings      Module = "bookings"
	ModuleDispatch      Module = "dispatch"
	ModuleCampaigns     Module = "campaigns"
	ModuleKnowledgeBase Module = "knowledge_base"
	ModuleEvents        Module = "events"
	ModuleFinance       Module = "finance"
	ModuleUsers         Module = "users"
	ModuleSettings      Module = "settings"
)

var knownModules = map[Module]struct{}{
	ModuleDashboard:     {},
	ModuleDealRooms:     {},
	ModuleBookings:      {},
	ModuleDispatch:      {},
	ModuleCampaigns:     {},
	ModuleKnowledgeBase: {},
	ModuleEvents:        {},
	ModuleFinance:       {},
	ModuleUsers:         {},
	ModuleSettings:      {},
}

// Valid reports whether the module belongs to the closed module set.
// Unknown modules always resolve to deny.
func (m Module) Valid() bool {
	_, ok := knownModules[m]
	return ok
}

func (m Module) String() string { return string(m) }

// PermissionType selects one of the four flags on a grant.
type PermissionType string

const (
	PermissionView   PermissionType = "view"
	PermissionCreate PermissionType = "create"
	PermissionEdit   PermissionType = "edit"
	PermissionDelete PermissionType = "delete"
)

// RoleAssignment relates a user to a role. Set semantics per user: assigning
// the same role twice is a no-op.
type RoleAssignment struct {
	UserID     id.UserID
	Role       Role
	AssignedAt time.Time
}

// PermissionGrant holds the per-module capability flags for one user.
// At most one grant exists per (user, module) pair.
type PermissionGrant struct {
	UserID    id.UserID
	Module    Module
	CanView   bool
	CanCreate bool
	CanEdit   bool
	CanDelete bool
	UpdatedAt time.Time
}

// Allows reports whether the grant covers the given permission type.
// Unknown permission types resolve to deny.
func (g PermissionGrant) Allows(t PermissionType) bool {
	switch t {
	case PermissionView:
		return g.CanView
	case PermissionCreate:
		return g.CanCreate
	case PermissionEdit:
		return g.CanEdit
	case PermissionDelete:
		return g.CanDelete
	default:
		return false
	}
}

// ImpersonatedIdentity is the already-materialized role and grant set an
// admin views the system through while impersonating.
type ImpersonatedIdentity struct {
	UserID id.UserID
	Roles  []Role
	Grants []PermissionGrant
}

// HasRole reports whether the identity's role set contains the role.
func (i ImpersonatedIdentity) HasRole(role Role) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the impersonated role set carries admin. A real
// admin impersonating a non-admin loses elevated access for the duration.
func (i ImpersonatedIdentity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}
