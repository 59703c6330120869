package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"opsgate/internal/authz/feed"
	feedmocks "opsgate/internal/authz/feed/mocks"
	"opsgate/internal/authz/models"
	storemocks "opsgate/internal/authz/store/mocks"
	"opsgate/internal/platform/logger"
	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
	audit "opsgate/pkg/platform/audit"
	"opsgate/pkg/platform/audit/publisher"
	auditmemory "opsgate/pkg/platform/audit/store/memory"
	"opsgate/pkg/platform/sentinel"
)

type harness struct {
	svc        *Service
	roles      *storemocks.MockRoleStore
	perms      *storemocks.MockPermissionStore
	feed       *feedmocks.MockFeed
	auditStore *auditmemory.InMemoryStore
}

func newHarness(t *testing.T) *harness {
	ctrl := gomock.NewController(t)
	h := &harness{
		roles:      storemocks.NewMockRoleStore(ctrl),
		perms:      storemocks.NewMockPermissionStore(ctrl),
		feed:       feedmocks.NewMockFeed(ctrl),
		auditStore: auditmemory.NewInMemoryStore(),
	}
	h.svc = NewService(Deps{
		Roles:       h.roles,
		Permissions: h.perms,
		Feed:        h.feed,
		Audit:       publisher.NewPublisher(h.auditStore),
		Logger:      logger.NewNop(),
	})
	return h
}

func (h *harness) auditActions(t *testing.T, userID id.UserID) []string {
	t.Helper()
	events, err := h.auditStore.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestAssignRole(t *testing.T) {
	h := newHarness(t)
	actor := id.NewUserID()
	target := id.NewUserID()

	h.roles.EXPECT().
		AssignRole(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, a models.RoleAssignment) error {
			assert.Equal(t, target, a.UserID)
			assert.Equal(t, models.RoleStaff, a.Role)
			return nil
		})
	h.feed.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, c feed.Change) error {
			assert.Equal(t, feed.TableRoles, c.Table)
			assert.Equal(t, feed.KindInsert, c.Kind)
			assert.Equal(t, target, c.UserID)
			return nil
		})

	err := h.svc.AssignRole(context.Background(), actor, target, models.RoleStaff)
	require.NoError(t, err)
	assert.Equal(t, []string{string(audit.EventRoleAssigned)}, h.auditActions(t, target))
}

func TestAssignRoleRejectsUnknownRole(t *testing.T) {
	h := newHarness(t)

	err := h.svc.AssignRole(context.Background(), id.NewUserID(), id.NewUserID(), models.Role("superuser"))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestRemoveRoleNotAssigned(t *testing.T) {
	h := newHarness(t)
	target := id.NewUserID()

	h.roles.EXPECT().
		RemoveRole(gomock.Any(), target, models.RoleTech).
		Return(sentinel.ErrNotFound)

	err := h.svc.RemoveRole(context.Background(), id.NewUserID(), target, models.RoleTech)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	assert.Empty(t, h.auditActions(t, target), "a failed removal is not audited")
}

func TestRemoveRolePublishesDelete(t *testing.T) {
	h := newHarness(t)
	target := id.NewUserID()

	h.roles.EXPECT().RemoveRole(gomock.Any(), target, models.RoleTech).Return(nil)
	h.feed.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, c feed.Change) error {
			assert.Equal(t, feed.KindDelete, c.Kind)
			return nil
		})

	err := h.svc.RemoveRole(context.Background(), id.NewUserID(), target, models.RoleTech)
	require.NoError(t, err)
	assert.Equal(t, []string{string(audit.EventRoleRemoved)}, h.auditActions(t, target))
}

func TestUpsertGrantStampsUpdatedAt(t *testing.T) {
	h := newHarness(t)
	target := id.NewUserID()

	h.perms.EXPECT().
		UpsertGrant(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, g models.PermissionGrant) error {
			assert.False(t, g.UpdatedAt.IsZero())
			return nil
		})
	h.feed.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, c feed.Change) error {
			assert.Equal(t, feed.TablePermissions, c.Table)
			assert.Equal(t, feed.KindUpdate, c.Kind)
			return nil
		})

	err := h.svc.UpsertGrant(context.Background(), id.NewUserID(), models.PermissionGrant{
		UserID:  target,
		Module:  models.ModuleBookings,
		CanView: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{string(audit.EventPermissionUpdated)}, h.auditActions(t, target))
}

func TestUpsertGrantRejectsUnknownModule(t *testing.T) {
	h := newHarness(t)

	err := h.svc.UpsertGrant(context.Background(), id.NewUserID(), models.PermissionGrant{
		UserID: id.NewUserID(),
		Module: models.Module("warehouse"),
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestDeleteGrant(t *testing.T) {
	h := newHarness(t)
	target := id.NewUserID()

	h.perms.EXPECT().DeleteGrant(gomock.Any(), target, models.ModuleFinance).Return(nil)
	h.feed.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	err := h.svc.DeleteGrant(context.Background(), id.NewUserID(), target, models.ModuleFinance)
	require.NoError(t, err)
	assert.Equal(t, []string{string(audit.EventPermissionDeleted)}, h.auditActions(t, target))
}

func TestMutationSucceedsWhenFeedPublishFails(t *testing.T) {
	h := newHarness(t)
	target := id.NewUserID()

	h.roles.EXPECT().AssignRole(gomock.Any(), gomock.Any()).Return(nil)
	h.feed.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(assert.AnError)

	// The write stands; resolvers catch up on the next change.
	err := h.svc.AssignRole(context.Background(), id.NewUserID(), target, models.RoleStaff)
	assert.NoError(t, err)
}

func TestMaterializeIdentityNonAdmin(t *testing.T) {
	h := newHarness(t)
	target := id.NewUserID()
	grants := []models.PermissionGrant{{UserID: target, Module: models.ModuleBookings, CanView: true}}

	h.roles.EXPECT().ListRoles(gomock.Any(), target).Return([]models.RoleAssignment{
		{UserID: target, Role: models.RoleClientUser, AssignedAt: time.Now()},
	}, nil)
	h.perms.EXPECT().ListGrants(gomock.Any(), target).Return(grants, nil)

	identity, err := h.svc.MaterializeIdentity(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, target, identity.UserID)
	assert.Equal(t, []models.Role{models.RoleClientUser}, identity.Roles)
	assert.Equal(t, grants, identity.Grants)
	assert.False(t, identity.IsAdmin())
}

func TestMaterializeIdentityAdminSkipsGrants(t *testing.T) {
	h := newHarness(t)
	target := id.NewUserID()

	h.roles.EXPECT().ListRoles(gomock.Any(), target).Return([]models.RoleAssignment{
		{UserID: target, Role: models.RoleAdmin, AssignedAt: time.Now()},
	}, nil)
	// No ListGrants expectation: the controller fails the test if grants
	// are fetched for an admin target.

	identity, err := h.svc.MaterializeIdentity(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, identity.IsAdmin())
	assert.Empty(t, identity.Grants)
}
