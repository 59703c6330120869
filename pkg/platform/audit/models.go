package audit

import (
	"context"
	"time"

	id "opsgate/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// Examples: role grants, permission changes.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and forensics.
	// Examples: auth failures, lockouts, global sign-outs, impersonation.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine events useful for debugging.
	// Examples: sign-ins, session creation.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	UserID    id.UserID
	Action    string
	Reason    string
	// RequestID is the correlation ID from the HTTP request context.
	RequestID string
	// ActorID tracks who performed the action when different from UserID.
	// Used for admin operations, including impersonation.
	ActorID string
	// Module is set on permission-change events.
	Module string
	// Role is set on role-change events.
	Role string
}

// AuditEvent names one auditable action.
type AuditEvent string

const (
	// Auth events
	EventLogin          AuditEvent = "login"
	EventLoginFailed    AuditEvent = "login_failed"
	EventLoginLockedOut AuditEvent = "login_locked_out"
	EventLogoutGlobal   AuditEvent = "logout_global"

	// Impersonation events
	EventImpersonationStarted AuditEvent = "impersonation_started"
	EventImpersonationStopped AuditEvent = "impersonation_stopped"

	// Authorization-data events
	EventRoleAssigned      AuditEvent = "role_assigned"
	EventRoleRemoved       AuditEvent = "role_removed"
	EventPermissionUpdated AuditEvent = "permission_updated"
	EventPermissionDeleted AuditEvent = "permission_deleted"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventLogin:          CategoryOperations,
	EventLoginFailed:    CategorySecurity,
	EventLoginLockedOut: CategorySecurity,
	EventLogoutGlobal:   CategorySecurity,

	EventImpersonationStarted: CategorySecurity,
	EventImpersonationStopped: CategorySecurity,

	EventRoleAssigned:      CategoryCompliance,
	EventRoleRemoved:       CategoryCompliance,
	EventPermissionUpdated: CategoryCompliance,
	EventPermissionDeleted: CategoryCompliance,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}
