// Package runtime assembles the per-session identity machinery: the session
// provider, the live role and permission resolvers, the impersonation
// context, and the effective views layered over them. One Runtime exists per
// authenticated session; the Manager creates them on demand and tears them
// down on sign-out.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"opsgate/internal/authz/effective"
	"opsgate/internal/authz/feed"
	"opsgate/internal/authz/impersonation"
	"opsgate/internal/authz/resolver"
	"opsgate/internal/authz/routing"
	"opsgate/internal/authz/store"
	"opsgate/internal/platform/metrics"
	"opsgate/internal/session"
	id "opsgate/pkg/domain"
)

// Runtime is the live identity state for one authenticated session.
type Runtime struct {
	UserID    id.UserID
	SessionID id.SessionID

	Provider      *session.Provider
	Roles         *resolver.RoleResolver
	Permissions   *resolver.PermissionResolver
	Impersonation *impersonation.Context

	EffectiveRoles       *effective.Roles
	EffectivePermissions *effective.Permissions

	watchCancel func()
	closeOnce   sync.Once
}

// DefaultRoute returns the landing path for the effective identity.
func (r *Runtime) DefaultRoute() string {
	return routing.DefaultRoute(r.EffectiveRoles.IsAdmin(), r.EffectivePermissions.HasPermission)
}

// Close releases everything the runtime holds.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		if r.watchCancel != nil {
			r.watchCancel()
		}
		r.Impersonation.Stop()
		r.Permissions.Close()
		r.Roles.Close()
		r.Provider.Close()
	})
}

// Deps collects everything a Manager needs to build runtimes.
type Deps struct {
	Sessions     *session.Service
	Broker       *session.EventBroker
	Roles        store.RoleStore
	Permissions  store.PermissionStore
	Feed         feed.Feed
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	CheckTimeout time.Duration
}

// Manager owns one Runtime per live session.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	runtimes map[id.SessionID]*Runtime
}

// NewManager creates an empty manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		runtimes: make(map[id.SessionID]*Runtime),
	}
}

// Get returns the runtime for the session, building and starting one on
// first use.
func (m *Manager) Get(ctx context.Context, sessionID id.SessionID, userID id.UserID) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt, ok := m.runtimes[sessionID]; ok {
		return rt
	}

	rt := m.build(ctx, sessionID, userID)
	m.runtimes[sessionID] = rt
	return rt
}

// Evict closes and forgets the session's runtime, if any.
func (m *Manager) Evict(sessionID id.SessionID) {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	delete(m.runtimes, sessionID)
	m.mu.Unlock()

	if ok {
		rt.Close()
	}
}

// Close tears down every runtime.
func (m *Manager) Close() {
	m.mu.Lock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for sessionID, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
		delete(m.runtimes, sessionID)
	}
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.Close()
	}
}

func (m *Manager) build(ctx context.Context, sessionID id.SessionID, userID id.UserID) *Runtime {
	imp := impersonation.NewContext(m.deps.Metrics)
	client := session.NewLocalClient(m.deps.Sessions, m.deps.Broker, sessionID, userID)

	var opts []session.ProviderOption
	if m.deps.CheckTimeout > 0 {
		opts = append(opts, session.WithCheckTimeout(m.deps.CheckTimeout))
	}
	provider := session.NewProvider(client, imp, m.deps.Logger, m.deps.Metrics, opts...)

	roles := resolver.NewRoleResolver(m.deps.Roles, m.deps.Feed, m.deps.Logger, m.deps.Metrics)
	perms := resolver.NewPermissionResolver(m.deps.Permissions, m.deps.Feed, roles, m.deps.Logger, m.deps.Metrics)

	rt := &Runtime{
		UserID:               userID,
		SessionID:            sessionID,
		Provider:             provider,
		Roles:                roles,
		Permissions:          perms,
		Impersonation:        imp,
		EffectiveRoles:       effective.NewRoles(roles, imp),
		EffectivePermissions: effective.NewPermissions(perms, imp),
	}

	perms.Start(ctx)
	provider.Start(ctx)
	roles.SetUser(ctx, userID)

	// Follow the provider: when the session dies out from under us the
	// resolvers drop to the authoritative empty state and the runtime is
	// evicted.
	snapshots, cancel := provider.Watch()
	rt.watchCancel = cancel
	go m.follow(rt, snapshots)

	return rt
}

func (m *Manager) follow(rt *Runtime, snapshots <-chan session.Snapshot) {
	for snap := range snapshots {
		if snap.Loading || snap.Session != nil {
			continue
		}
		rt.Impersonation.Stop()
		rt.Roles.SetUser(context.Background(), id.UserID{})
		m.Evict(rt.SessionID)
		return
	}
}
