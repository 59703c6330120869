package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"opsgate/internal/authz/feed"
	authzhandler "opsgate/internal/authz/handler"
	"opsgate/internal/authz/models"
	"opsgate/internal/authz/routing"
	"opsgate/internal/authz/runtime"
	authzservice "opsgate/internal/authz/service"
	"opsgate/internal/authz/store"
	"opsgate/internal/platform/logger"
	"opsgate/internal/platform/metrics"
	"opsgate/internal/session"
	sessionhandler "opsgate/internal/session/handler"
	"opsgate/pkg/platform/audit/publisher"
	auditmemory "opsgate/pkg/platform/audit/store/memory"
)

type APISuite struct {
	suite.Suite
	server     *httptest.Server
	sessions   *session.Service
	manager    *runtime.Manager
	auditStore *auditmemory.InMemoryStore

	adminToken string
	adminID    string
	userToken  string
	userID     string
}

func (s *APISuite) SetupTest() {
	log := logger.NewNop()
	m := metrics.NewForTest()
	broker := session.NewEventBroker()
	roleStore := store.NewInMemoryRoleStore()
	permStore := store.NewInMemoryPermissionStore()
	fd := feed.NewInMemoryFeed()
	s.auditStore = auditmemory.NewInMemoryStore()
	pub := publisher.NewPublisher(s.auditStore)
	tokens := session.NewTokenManager("test-signing-key")

	s.sessions = session.NewService(session.Deps{
		Users:      session.NewInMemoryUserStore(),
		Sessions:   session.NewInMemorySessionStore(),
		Tokens:     tokens,
		Limiter:    session.NewLoginLimiter(5, time.Minute),
		Events:     broker,
		Audit:      pub,
		Logger:     log,
		Metrics:    m,
		SessionTTL: time.Hour,
	})
	authz := authzservice.NewService(authzservice.Deps{
		Roles:       roleStore,
		Permissions: permStore,
		Feed:        fd,
		Audit:       pub,
		Logger:      log,
	})
	s.manager = runtime.NewManager(runtime.Deps{
		Sessions:    s.sessions,
		Broker:      broker,
		Roles:       roleStore,
		Permissions: permStore,
		Feed:        fd,
		Logger:      log,
		Metrics:     m,
	})

	router := NewRouter(Deps{
		Sessions:       s.sessions,
		Tokens:         tokens,
		SessionHandler: sessionhandler.New(s.sessions, s.manager, log),
		AuthzHandler:   authzhandler.New(authz, s.manager, log),
		Logger:         log,
	})
	s.server = httptest.NewServer(router)

	ctx := context.Background()
	admin, err := s.sessions.CreateUser(ctx, "admin@example.com", "admin pass", "Admin")
	s.Require().NoError(err)
	s.Require().NoError(roleStore.AssignRole(ctx, models.RoleAssignment{
		UserID: admin.ID, Role: models.RoleAdmin, AssignedAt: time.Now(),
	}))
	s.adminID = admin.ID.String()

	user, err := s.sessions.CreateUser(ctx, "staff@example.com", "staff pass", "Staff")
	s.Require().NoError(err)
	s.Require().NoError(roleStore.AssignRole(ctx, models.RoleAssignment{
		UserID: user.ID, Role: models.RoleStaff, AssignedAt: time.Now(),
	}))
	s.userID = user.ID.String()

	s.adminToken = s.login("admin@example.com", "admin pass")
	s.userToken = s.login("staff@example.com", "staff pass")
}

func (s *APISuite) TearDownTest() {
	s.manager.Close()
	s.server.Close()
}

func (s *APISuite) login(email, password string) string {
	resp := s.do(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var body sessionhandler.LoginResponse
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	s.Require().NotEmpty(body.AccessToken)
	return body.AccessToken
}

func (s *APISuite) do(method, path, token string, body any) *http.Response {
	s.T().Helper()
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *APISuite) decode(resp *http.Response, v any) {
	s.T().Helper()
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(v))
}

func (s *APISuite) TestLoginRejectsBadCredentials() {
	resp := s.do(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "wrong",
	})
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *APISuite) TestMeRequiresAuth() {
	resp := s.do(http.MethodGet, "/v1/me", "", nil)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *APISuite) TestAdminSeesDashboardRoute() {
	var body authzhandler.RouteResponse
	s.decode(s.do(http.MethodGet, "/v1/me/default-route", s.adminToken, nil), &body)
	s.Equal(routing.PathDashboard, body.Route)
}

func (s *APISuite) TestStaffWithoutGrantsLandsOnProfile() {
	var body authzhandler.RouteResponse
	s.decode(s.do(http.MethodGet, "/v1/me/default-route", s.userToken, nil), &body)
	s.Equal(routing.PathProfile, body.Route)
}

func (s *APISuite) TestAdminPermissionsShortCircuit() {
	var body authzhandler.PermissionsResponse
	s.decode(s.do(http.MethodGet, "/v1/me/permissions", s.adminToken, nil), &body)
	s.True(body.AdminAll)
	s.True(body.Ready)
	s.Empty(body.Grants)
}

func (s *APISuite) TestAdminRoutesForbiddenForStaff() {
	resp := s.do(http.MethodGet, fmt.Sprintf("/v1/admin/users/%s/roles", s.userID), s.userToken, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)
}

func (s *APISuite) TestGrantMutationReachesLiveResolver() {
	// The staff user starts with no grants.
	var route authzhandler.RouteResponse
	s.decode(s.do(http.MethodGet, "/v1/me/default-route", s.userToken, nil), &route)
	s.Require().Equal(routing.PathProfile, route.Route)

	// Admin grants bookings view; the change feed wakes the user's resolver.
	resp := s.do(http.MethodPut,
		fmt.Sprintf("/v1/admin/users/%s/permissions/%s", s.userID, models.ModuleBookings),
		s.adminToken, authzhandler.GrantRequest{CanView: true})
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)

	s.Eventually(func() bool {
		var perms authzhandler.PermissionsResponse
		s.decode(s.do(http.MethodGet, "/v1/me/permissions", s.userToken, nil), &perms)
		return perms.Ready && len(perms.Grants) == 1
	}, 2*time.Second, 20*time.Millisecond)

	s.decode(s.do(http.MethodGet, "/v1/me/default-route", s.userToken, nil), &route)
	s.Equal(routing.PathBookings, route.Route)
}

func (s *APISuite) TestRoleGrantPromotesToAdminRoutes() {
	resp := s.do(http.MethodPost,
		fmt.Sprintf("/v1/admin/users/%s/roles", s.userID),
		s.adminToken, authzhandler.AssignRoleRequest{Role: string(models.RoleAdmin)})
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)

	// The live resolver picks the new role up off the feed; the user can
	// now reach admin routes.
	s.Eventually(func() bool {
		r := s.do(http.MethodGet, fmt.Sprintf("/v1/admin/users/%s/roles", s.userID), s.userToken, nil)
		defer r.Body.Close()
		return r.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func (s *APISuite) TestImpersonationFlow() {
	// Staff cannot start.
	resp := s.do(http.MethodPost, "/v1/impersonation/start", s.userToken,
		authzhandler.ImpersonateRequest{UserID: s.adminID})
	resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)

	// Admin impersonates the staff user.
	var started authzhandler.ImpersonationResponse
	s.decode(s.do(http.MethodPost, "/v1/impersonation/start", s.adminToken,
		authzhandler.ImpersonateRequest{UserID: s.userID}), &started)
	s.True(started.Active)
	s.Equal(s.userID, started.TargetUserID)
	s.Equal(routing.PathProfile, started.DefaultRoute, "staff identity has no grants")

	// The admin's effective identity is now the staff user.
	var me authzhandler.MeResponse
	s.decode(s.do(http.MethodGet, "/v1/me", s.adminToken, nil), &me)
	s.True(me.Impersonating)
	s.Equal(s.userID, me.EffectiveUserID)

	// Elevated routes are gone for the duration.
	resp = s.do(http.MethodGet, fmt.Sprintf("/v1/admin/users/%s/roles", s.userID), s.adminToken, nil)
	resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)

	// Stop restores the real identity immediately.
	var stopped authzhandler.ImpersonationResponse
	s.decode(s.do(http.MethodPost, "/v1/impersonation/stop", s.adminToken, nil), &stopped)
	s.False(stopped.Active)
	s.Equal(routing.PathDashboard, stopped.DefaultRoute)

	resp = s.do(http.MethodGet, fmt.Sprintf("/v1/admin/users/%s/roles", s.userID), s.adminToken, nil)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *APISuite) TestLogoutRevokesEverySession() {
	secondToken := s.login("staff@example.com", "staff pass")

	var body sessionhandler.LogoutResponse
	s.decode(s.do(http.MethodPost, "/v1/auth/logout", s.userToken, nil), &body)
	s.Equal(routing.PathSignIn, body.Redirect)

	// Both tokens are dead: global sign-out revoked every session.
	for _, token := range []string{s.userToken, secondToken} {
		resp := s.do(http.MethodGet, "/v1/me", token, nil)
		resp.Body.Close()
		s.Equal(http.StatusUnauthorized, resp.StatusCode)
	}
}

func (s *APISuite) TestHealthz() {
	resp, err := s.server.Client().Get(s.server.URL + "/healthz")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}
