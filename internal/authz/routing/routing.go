// Package routing picks the landing surface for a resolved identity.
package routing

import "opsgate/internal/authz/models"

// Dashboard paths the selector can land on.
const (
	PathSignIn    = "/auth"
	PathDashboard = "/dashboard"
	PathDealRooms = "/deal-rooms"
	PathBookings  = "/bookings"
	PathDispatch  = "/dispatch"
	PathProfile   = "/profile"
)

// PermissionChecker answers a view-permission question for one module.
type PermissionChecker func(module models.Module, types ...models.PermissionType) bool

// candidate pairs a module with the path it unlocks, in priority order.
var candidates = []struct {
	module models.Module
	path   string
}{
	{models.ModuleDealRooms, PathDealRooms},
	{models.ModuleDashboard, PathDashboard},
	{models.ModuleBookings, PathBookings},
	{models.ModuleDispatch, PathDispatch},
}

// DefaultRoute returns the highest-priority path the identity can view.
// Admins always land on the dashboard; everyone else walks the candidate
// list and falls back to the profile page, which needs no permission.
// Pure: same inputs, same answer, no side effects.
func DefaultRoute(isAdmin bool, can PermissionChecker) string {
	if isAdmin {
		return PathDashboard
	}
	for _, c := range candidates {
		if can(c.module, models.PermissionView) {
			return c.path
		}
	}
	return PathProfile
}
