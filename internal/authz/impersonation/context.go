// Package impersonation holds the admin-only "view as" state. The identity
// is materialized up front; starting and stopping never refetches anything.
package impersonation

import (
	"sync"

	"opsgate/internal/authz/models"
	"opsgate/internal/platform/metrics"
)

// State is one atomic read of the impersonation context. Active and Identity
// always agree: Active is true exactly when Identity is non-nil.
type State struct {
	Active   bool
	Identity *models.ImpersonatedIdentity
}

// Context carries the impersonated identity for one runtime. A single
// pointer backs both the flag and the identity, so no reader can observe
// "active but nobody" or "somebody but inactive".
type Context struct {
	mu       sync.RWMutex
	identity *models.ImpersonatedIdentity
	metrics  *metrics.Metrics
}

// NewContext creates an inactive impersonation context.
func NewContext(m *metrics.Metrics) *Context {
	return &Context{metrics: m}
}

// Start begins impersonating the given identity, replacing any previous one.
// The identity's slices are copied; later mutation by the caller does not
// leak in.
func (c *Context) Start(identity models.ImpersonatedIdentity) {
	copied := models.ImpersonatedIdentity{
		UserID: identity.UserID,
		Roles:  append([]models.Role(nil), identity.Roles...),
		Grants: append([]models.PermissionGrant(nil), identity.Grants...),
	}

	c.mu.Lock()
	c.identity = &copied
	c.mu.Unlock()

	c.metrics.ImpersonationStarts.Inc()
}

// Stop ends impersonation. Stopping an inactive context is a no-op.
func (c *Context) Stop() {
	c.mu.Lock()
	wasActive := c.identity != nil
	c.identity = nil
	c.mu.Unlock()

	if wasActive {
		c.metrics.ImpersonationStops.Inc()
	}
}

// Active reports whether an impersonation is in progress.
func (c *Context) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity != nil
}

// Snapshot returns the current state. The returned identity is a copy.
func (c *Context) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.identity == nil {
		return State{}
	}
	copied := models.ImpersonatedIdentity{
		UserID: c.identity.UserID,
		Roles:  append([]models.Role(nil), c.identity.Roles...),
		Grants: append([]models.PermissionGrant(nil), c.identity.Grants...),
	}
	return State{Active: true, Identity: &copied}
}
