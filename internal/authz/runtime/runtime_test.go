package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"opsgate/internal/authz/feed"
	"opsgate/internal/authz/models"
	"opsgate/internal/authz/routing"
	"opsgate/internal/authz/store"
	"opsgate/internal/platform/logger"
	"opsgate/internal/platform/metrics"
	"opsgate/internal/session"
	id "opsgate/pkg/domain"
	"opsgate/pkg/platform/audit/publisher"
	auditmemory "opsgate/pkg/platform/audit/store/memory"
)

type ManagerSuite struct {
	suite.Suite
	manager   *Manager
	sessions  *session.Service
	roleStore *store.InMemoryRoleStore
	permStore *store.InMemoryPermissionStore
	feed      *feed.InMemoryFeed
	userID    id.UserID
	sessionID id.SessionID
}

func (s *ManagerSuite) SetupTest() {
	broker := session.NewEventBroker()
	s.roleStore = store.NewInMemoryRoleStore()
	s.permStore = store.NewInMemoryPermissionStore()
	s.feed = feed.NewInMemoryFeed()
	m := metrics.NewForTest()

	s.sessions = session.NewService(session.Deps{
		Users:      session.NewInMemoryUserStore(),
		Sessions:   session.NewInMemorySessionStore(),
		Tokens:     session.NewTokenManager("test-signing-key"),
		Limiter:    session.NewLoginLimiter(5, time.Minute),
		Events:     broker,
		Audit:      publisher.NewPublisher(auditmemory.NewInMemoryStore()),
		Logger:     logger.NewNop(),
		Metrics:    m,
		SessionTTL: time.Hour,
	})
	s.manager = NewManager(Deps{
		Sessions:    s.sessions,
		Broker:      broker,
		Roles:       s.roleStore,
		Permissions: s.permStore,
		Feed:        s.feed,
		Logger:      logger.NewNop(),
		Metrics:     m,
	})

	_, err := s.sessions.CreateUser(context.Background(), "ops@example.com", "correct horse", "Ops")
	s.Require().NoError(err)
	live, err := s.sessions.Login(context.Background(), "ops@example.com", "correct horse")
	s.Require().NoError(err)
	s.userID = live.UserID
	s.sessionID = live.ID
}

func (s *ManagerSuite) TearDownTest() {
	s.manager.Close()
}

func (s *ManagerSuite) waitFor(pred func() bool) {
	s.T().Helper()
	deadline := time.After(2 * time.Second)
	for !pred() {
		select {
		case <-deadline:
			s.T().Fatal("timed out waiting for runtime state")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *ManagerSuite) assignRole(role models.Role) {
	err := s.roleStore.AssignRole(context.Background(), models.RoleAssignment{
		UserID: s.userID, Role: role, AssignedAt: time.Now(),
	})
	s.Require().NoError(err)
}

func (s *ManagerSuite) TestGetReturnsSameRuntime() {
	first := s.manager.Get(context.Background(), s.sessionID, s.userID)
	second := s.manager.Get(context.Background(), s.sessionID, s.userID)
	s.Same(first, second)
}

func (s *ManagerSuite) TestRuntimeResolvesIdentity() {
	s.assignRole(models.RoleAdmin)

	rt := s.manager.Get(context.Background(), s.sessionID, s.userID)
	s.waitFor(func() bool { return rt.Roles.Ready() && rt.Permissions.Ready() })

	s.True(rt.EffectiveRoles.IsAdmin())
	s.True(rt.EffectivePermissions.HasPermission(models.ModuleFinance, models.PermissionDelete))
	s.Equal(routing.PathDashboard, rt.DefaultRoute())
}

func (s *ManagerSuite) TestDefaultRouteFollowsGrants() {
	err := s.permStore.UpsertGrant(context.Background(), models.PermissionGrant{
		UserID: s.userID, Module: models.ModuleBookings, CanView: true, UpdatedAt: time.Now(),
	})
	s.Require().NoError(err)

	rt := s.manager.Get(context.Background(), s.sessionID, s.userID)
	s.waitFor(func() bool { return rt.Roles.Ready() && rt.Permissions.Ready() })

	s.Equal(routing.PathBookings, rt.DefaultRoute())
}

func (s *ManagerSuite) TestDefaultRouteFallsBackToProfile() {
	rt := s.manager.Get(context.Background(), s.sessionID, s.userID)
	s.waitFor(func() bool { return rt.Roles.Ready() && rt.Permissions.Ready() })
	s.Equal(routing.PathProfile, rt.DefaultRoute())
}

func (s *ManagerSuite) TestGlobalSignOutEvictsRuntime() {
	s.assignRole(models.RoleStaff)
	rt := s.manager.Get(context.Background(), s.sessionID, s.userID)
	s.waitFor(func() bool { return rt.Roles.Ready() })
	s.Require().True(rt.Roles.HasRole(models.RoleStaff))

	_, err := s.sessions.SignOutGlobal(context.Background(), s.userID)
	s.Require().NoError(err)

	// The signed_out event reaches the provider, the resolvers drop to the
	// authoritative empty state, and the runtime is evicted.
	s.waitFor(func() bool { return rt.Provider.Session() == nil })
	s.waitFor(func() bool {
		snap := rt.Roles.Snapshot()
		return snap.Ready && len(snap.Roles) == 0
	})
	s.waitFor(func() bool {
		s.manager.mu.Lock()
		defer s.manager.mu.Unlock()
		_, ok := s.manager.runtimes[s.sessionID]
		return !ok
	})
}

func (s *ManagerSuite) TestSignOutClearsImpersonationFirst() {
	rt := s.manager.Get(context.Background(), s.sessionID, s.userID)
	s.waitFor(func() bool { return rt.Roles.Ready() })

	rt.Impersonation.Start(models.ImpersonatedIdentity{
		UserID: id.NewUserID(),
		Roles:  []models.Role{models.RoleClientUser},
	})
	s.Require().True(rt.Impersonation.Active())

	rt.Provider.SignOut(context.Background())

	s.False(rt.Impersonation.Active())
	s.Nil(rt.Provider.Session())
	s.False(s.sessions.IsActive(context.Background(), s.sessionID))
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func TestRuntimeCloseIsIdempotent(t *testing.T) {
	broker := session.NewEventBroker()
	m := metrics.NewForTest()
	svc := session.NewService(session.Deps{
		Users:      session.NewInMemoryUserStore(),
		Sessions:   session.NewInMemorySessionStore(),
		Tokens:     session.NewTokenManager("test-signing-key"),
		Limiter:    session.NewLoginLimiter(5, time.Minute),
		Events:     broker,
		Audit:      publisher.NewPublisher(auditmemory.NewInMemoryStore()),
		Logger:     logger.NewNop(),
		Metrics:    m,
		SessionTTL: time.Hour,
	})
	manager := NewManager(Deps{
		Sessions:    svc,
		Broker:      broker,
		Roles:       store.NewInMemoryRoleStore(),
		Permissions: store.NewInMemoryPermissionStore(),
		Feed:        feed.NewInMemoryFeed(),
		Logger:      logger.NewNop(),
		Metrics:     m,
	})

	rt := manager.Get(context.Background(), id.NewSessionID(), id.NewUserID())
	require.NotNil(t, rt)
	rt.Close()
	rt.Close()
	assert.NotPanics(t, func() { manager.Close() })
}
