// Package service exposes the admin-facing authorization mutations. Every
// mutation persists, publishes a user-scoped change so live resolvers
// refetch, and lands in the audit trail.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"opsgate/internal/authz/feed"
	"opsgate/internal/authz/models"
	"opsgate/internal/authz/store"
	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
	audit "opsgate/pkg/platform/audit"
	"opsgate/pkg/platform/sentinel"
	"opsgate/pkg/requestcontext"
)

// AuditPublisher is the slice of the audit pipeline the service needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Deps collects the service's collaborators.
type Deps struct {
	Roles       store.RoleStore
	Permissions store.PermissionStore
	Feed        feed.Feed
	Audit       AuditPublisher
	Logger      *slog.Logger
}

// Service mutates role assignments and permission grants.
type Service struct {
	roles       store.RoleStore
	permissions store.PermissionStore
	feed        feed.Feed
	audit       AuditPublisher
	logger      *slog.Logger
}

// NewService wires an authorization service from its dependencies.
func NewService(d Deps) *Service {
	return &Service{
		roles:       d.Roles,
		permissions: d.Permissions,
		feed:        d.Feed,
		audit:       d.Audit,
		logger:      d.Logger,
	}
}

// ListRoles returns the user's role assignments.
func (s *Service) ListRoles(ctx context.Context, userID id.UserID) ([]models.RoleAssignment, error) {
	assignments, err := s.roles.ListRoles(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list roles")
	}
	return assignments, nil
}

// AssignRole adds a role to the user's set. Idempotent; the feed change is
// published either way so resolvers converge.
func (s *Service) AssignRole(ctx context.Context, actorID, userID id.UserID, role models.Role) error {
	if !role.Valid() {
		return dErrors.New(dErrors.CodeBadRequest, "unknown role")
	}
	if userID.IsNil() {
		return dErrors.New(dErrors.CodeBadRequest, "user ID required")
	}

	now := requestcontext.Now(ctx)
	err := s.roles.AssignRole(ctx, models.RoleAssignment{
		UserID:     userID,
		Role:       role,
		AssignedAt: now,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to assign role")
	}

	s.publishChange(ctx, feed.TableRoles, feed.KindInsert, userID, now)
	s.logAudit(ctx, audit.Event{
		UserID:  userID,
		ActorID: actorID.String(),
		Action:  string(audit.EventRoleAssigned),
		Role:    string(role),
	})
	return nil
}

// RemoveRole removes a role from the user's set.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID id.UserID, role models.Role) error {
	if !role.Valid() {
		return dErrors.New(dErrors.CodeBadRequest, "unknown role")
	}

	err := s.roles.RemoveRole(ctx, userID, role)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "role not assigned")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to remove role")
	}

	s.publishChange(ctx, feed.TableRoles, feed.KindDelete, userID, requestcontext.Now(ctx))
	s.logAudit(ctx, audit.Event{
		UserID:  userID,
		ActorID: actorID.String(),
		Action:  string(audit.EventRoleRemoved),
		Role:    string(role),
	})
	return nil
}

// ListGrants returns the user's permission grants.
func (s *Service) ListGrants(ctx context.Context, userID id.UserID) ([]models.PermissionGrant, error) {
	grants, err := s.permissions.ListGrants(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list grants")
	}
	return grants, nil
}

// UpsertGrant creates or replaces the grant for (user, module).
func (s *Service) UpsertGrant(ctx context.Context, actorID id.UserID, grant models.PermissionGrant) error {
	if !grant.Module.Valid() {
		return dErrors.New(dErrors.CodeBadRequest, "unknown module")
	}
	if grant.UserID.IsNil() {
		return dErrors.New(dErrors.CodeBadRequest, "user ID required")
	}

	now := requestcontext.Now(ctx)
	grant.UpdatedAt = now
	if err := s.permissions.UpsertGrant(ctx, grant); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to upsert grant")
	}

	s.publishChange(ctx, feed.TablePermissions, feed.KindUpdate, grant.UserID, now)
	s.logAudit(ctx, audit.Event{
		UserID:  grant.UserID,
		ActorID: actorID.String(),
		Action:  string(audit.EventPermissionUpdated),
		Module:  string(grant.Module),
	})
	return nil
}

// DeleteGrant removes the grant for (user, module).
func (s *Service) DeleteGrant(ctx context.Context, actorID, userID id.UserID, module models.Module) error {
	if !module.Valid() {
		return dErrors.New(dErrors.CodeBadRequest, "unknown module")
	}

	err := s.permissions.DeleteGrant(ctx, userID, module)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "no grant for module")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete grant")
	}

	s.publishChange(ctx, feed.TablePermissions, feed.KindDelete, userID, requestcontext.Now(ctx))
	s.logAudit(ctx, audit.Event{
		UserID:  userID,
		ActorID: actorID.String(),
		Action:  string(audit.EventPermissionDeleted),
		Module:  string(module),
	})
	return nil
}

// MaterializeIdentity snapshots the target user's roles and grants for an
// impersonation session. Grants are skipped when the target holds admin,
// mirroring the live resolvers.
func (s *Service) MaterializeIdentity(ctx context.Context, userID id.UserID) (models.ImpersonatedIdentity, error) {
	if userID.IsNil() {
		return models.ImpersonatedIdentity{}, dErrors.New(dErrors.CodeBadRequest, "user ID required")
	}

	assignments, err := s.roles.ListRoles(ctx, userID)
	if err != nil {
		return models.ImpersonatedIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load target roles")
	}

	identity := models.ImpersonatedIdentity{UserID: userID}
	for _, a := range assignments {
		identity.Roles = append(identity.Roles, a.Role)
	}
	if identity.IsAdmin() {
		return identity, nil
	}

	grants, err := s.permissions.ListGrants(ctx, userID)
	if err != nil {
		return models.ImpersonatedIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load target grants")
	}
	identity.Grants = grants
	return identity, nil
}

// BeginImpersonation materializes the target identity for an impersonation
// session and records it in the audit trail. Self-impersonation is rejected.
func (s *Service) BeginImpersonation(ctx context.Context, actorID, targetID id.UserID) (models.ImpersonatedIdentity, error) {
	if actorID == targetID {
		return models.ImpersonatedIdentity{}, dErrors.New(dErrors.CodeBadRequest, "cannot impersonate yourself")
	}

	identity, err := s.MaterializeIdentity(ctx, targetID)
	if err != nil {
		return models.ImpersonatedIdentity{}, err
	}

	s.logAudit(ctx, audit.Event{
		UserID:  targetID,
		ActorID: actorID.String(),
		Action:  string(audit.EventImpersonationStarted),
	})
	return identity, nil
}

// EndImpersonation records the end of an impersonation session.
func (s *Service) EndImpersonation(ctx context.Context, actorID, targetID id.UserID) {
	s.logAudit(ctx, audit.Event{
		UserID:  targetID,
		ActorID: actorID.String(),
		Action:  string(audit.EventImpersonationStopped),
	})
}

// publishChange notifies live resolvers. Best-effort: a lost notification
// means a stale read until the next change, not a broken mutation.
func (s *Service) publishChange(ctx context.Context, table feed.Table, kind feed.Kind, userID id.UserID, at time.Time) {
	err := s.feed.Publish(ctx, feed.Change{Table: table, Kind: kind, UserID: userID, At: at})
	if err != nil {
		s.logger.ErrorContext(ctx, "change publish failed",
			"table", string(table), "user_id", userID.String(), "error", err)
	}
}

func (s *Service) logAudit(ctx context.Context, event audit.Event) {
	event.RequestID = requestcontext.RequestID(ctx)
	if err := s.audit.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}
