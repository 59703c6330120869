package resolver

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"opsgate/internal/authz/feed"
	"opsgate/internal/authz/models"
	"opsgate/internal/authz/store"
	"opsgate/internal/platform/metrics"
	id "opsgate/pkg/domain"
)

// PermissionSnapshot is one consistent read of a permission resolver.
// AdminAll set means the identity holds admin and every check passes
// without any grants having been fetched.
type PermissionSnapshot struct {
	UserID   id.UserID
	Grants   []models.PermissionGrant
	AdminAll bool
	State    State
	Ready    bool
	Loading  bool
}

// Allows evaluates a permission check against the snapshot. Defaults to the
// view flag when no types are given; all listed types must be covered.
// Unknown modules, absent grants, and not-yet-ready snapshots all deny.
func (s PermissionSnapshot) Allows(module models.Module, types ...models.PermissionType) bool {
	if !s.Ready || !module.Valid() {
		return false
	}
	if s.AdminAll {
		return true
	}
	var grant *models.PermissionGrant
	for i := range s.Grants {
		if s.Grants[i].Module == module {
			grant = &s.Grants[i]
			break
		}
	}
	if grant == nil {
		return false
	}
	if len(types) == 0 {
		types = []models.PermissionType{models.PermissionView}
	}
	for _, t := range types {
		if !grant.Allows(t) {
			return false
		}
	}
	return true
}

// PermissionResolver maintains the live grant set for the identity bound to
// an upstream RoleResolver. It follows the role resolver's snapshots: when
// the identity holds admin the grant fetch is skipped entirely, otherwise
// grants are fetched and kept fresh from the change feed.
type PermissionResolver struct {
	store   store.PermissionStore
	feed    feed.Feed
	roles   *RoleResolver
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	group   singleflight.Group

	mu          sync.Mutex
	userID      id.UserID
	generation  uint64
	state       State
	grants      []models.PermissionGrant
	adminAll    bool
	sub         feed.Subscription
	cancelFetch context.CancelFunc
	watchers    map[int]chan PermissionSnapshot
	nextID      int

	roleCancel func()
	closeOnce  sync.Once
}

// NewPermissionResolver creates an idle resolver bound to the role resolver.
// Call Start to begin following it.
func NewPermissionResolver(st store.PermissionStore, fd feed.Feed, roles *RoleResolver, logger *slog.Logger, m *metrics.Metrics) *PermissionResolver {
	return &PermissionResolver{
		store:    st,
		feed:     fd,
		roles:    roles,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("opsgate/authz/resolver"),
		state:    StateIdle,
		watchers: make(map[int]chan PermissionSnapshot),
	}
}

// Start subscribes to the role resolver's snapshots and reacts to identity
// and role-set changes from then on.
func (r *PermissionResolver) Start(ctx context.Context) {
	snapshots, cancel := r.roles.Watch()
	r.roleCancel = cancel
	go func() {
		for rs := range snapshots {
			r.apply(ctx, rs)
		}
	}()
}

// Snapshot returns the current state as one consistent read.
func (r *PermissionResolver) Snapshot() PermissionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// HasPermission evaluates a permission check against the current state.
// Checks default to view and fail closed while loading; denials are counted.
func (r *PermissionResolver) HasPermission(module models.Module, types ...models.PermissionType) bool {
	allowed := r.Snapshot().Allows(module, types...)
	if !allowed {
		r.metrics.PermissionChecksDenied.Inc()
	}
	return allowed
}

// Ready reports whether the current grant set is authoritative.
func (r *PermissionResolver) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateReady
}

// WaitReady blocks until the grant set is authoritative, the watch closes,
// or the context ends. Reports whether readiness was reached.
func (r *PermissionResolver) WaitReady(ctx context.Context) bool {
	snapshots, cancel := r.Watch()
	defer cancel()
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return false
			}
			if snap.Ready {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

// Watch streams snapshots, starting with the current one.
func (r *PermissionResolver) Watch() (<-chan PermissionSnapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	watchID := r.nextID
	ch := make(chan PermissionSnapshot, watchBuffer)
	ch <- r.snapshotLocked()
	r.watchers[watchID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.watchers, watchID)
			close(ch)
		})
	}
	return ch, cancel
}

// Close stops following the role resolver and releases all resources.
func (r *PermissionResolver) Close() {
	r.closeOnce.Do(func() {
		if r.roleCancel != nil {
			r.roleCancel()
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.generation++
		if r.cancelFetch != nil {
			r.cancelFetch()
			r.cancelFetch = nil
		}
		if r.sub != nil {
			r.sub.Close()
			r.sub = nil
		}
		for watchID, ch := range r.watchers {
			delete(r.watchers, watchID)
			close(ch)
		}
		r.state = StateIdle
		r.userID = id.UserID{}
		r.grants = nil
		r.adminAll = false
	})
}

// apply reconciles the resolver against one role snapshot.
func (r *PermissionResolver) apply(ctx context.Context, rs RoleSnapshot) {
	r.mu.Lock()

	if r.state == StateIdle || rs.UserID != r.userID {
		r.generation++
		r.userID = rs.UserID
		if r.cancelFetch != nil {
			r.cancelFetch()
			r.cancelFetch = nil
		}
		if r.sub != nil {
			r.sub.Close()
			r.sub = nil
		}
		r.grants = nil
		r.adminAll = false

		if rs.UserID.IsNil() {
			r.grants = []models.PermissionGrant{}
			r.state = StateReady
			r.broadcastLocked()
			r.mu.Unlock()
			return
		}

		gen := r.generation
		r.state = StateLoading
		r.broadcastLocked()
		r.mu.Unlock()

		// Subscribe before the first fetch so a grant mutation landing
		// mid-fetch is not lost.
		sub, err := r.feed.Subscribe(ctx, rs.UserID)
		if err != nil {
			r.logger.ErrorContext(ctx, "permission feed subscribe failed",
				"user_id", rs.UserID.String(), "error", err)
		} else {
			r.mu.Lock()
			if r.generation != gen {
				r.mu.Unlock()
				sub.Close()
				return
			}
			r.sub = sub
			r.mu.Unlock()
			go r.pump(sub, gen)
		}

		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			return
		}
	}

	if !rs.Ready {
		// The role set is still loading; admin status is unknown, so the
		// grant state cannot settle either.
		if r.state != StateLoading {
			r.state = StateLoading
			r.broadcastLocked()
		}
		r.mu.Unlock()
		return
	}

	gen := r.generation
	if rs.IsAdmin() {
		// Admin short-circuit: no grant rows are fetched at all.
		if r.cancelFetch != nil {
			r.cancelFetch()
			r.cancelFetch = nil
		}
		r.adminAll = true
		r.grants = nil
		r.state = StateReady
		r.metrics.PermissionFetchesSkipped.Inc()
		r.broadcastLocked()
		r.mu.Unlock()
		return
	}

	r.adminAll = false
	r.state = StateLoading
	r.broadcastLocked()
	r.mu.Unlock()

	r.refetch(ctx, gen)
}

func (r *PermissionResolver) pump(sub feed.Subscription, gen uint64) {
	for change := range sub.Changes() {
		if change.Table != feed.TablePermissions {
			continue
		}
		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			return
		}
		if r.adminAll {
			// Grants are irrelevant while the identity holds admin.
			r.mu.Unlock()
			continue
		}
		r.state = StateLoading
		r.broadcastLocked()
		r.mu.Unlock()

		r.refetch(context.Background(), gen)
	}
}

func (r *PermissionResolver) refetch(ctx context.Context, gen uint64) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	userID := r.userID
	fetchCtx, cancel := context.WithCancel(ctx)
	r.cancelFetch = cancel
	r.mu.Unlock()
	defer cancel()

	result, err, _ := r.group.Do(userID.String(), func() (any, error) {
		spanCtx, span := r.tracer.Start(fetchCtx, "resolver.fetch_permissions",
			trace.WithAttributes(attribute.String("user.id", userID.String())))
		defer span.End()
		r.metrics.PermissionFetches.Inc()
		return r.store.ListGrants(spanCtx, userID)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	if r.adminAll {
		// Admin status landed while the fetch was in flight; its result
		// does not matter.
		return
	}

	if err != nil {
		r.logger.Error("permission fetch failed", "user_id", userID.String(), "error", err)
		r.grants = []models.PermissionGrant{}
	} else {
		r.grants = result.([]models.PermissionGrant)
	}
	r.state = StateReady
	r.broadcastLocked()
}

func (r *PermissionResolver) snapshotLocked() PermissionSnapshot {
	grants := make([]models.PermissionGrant, len(r.grants))
	copy(grants, r.grants)
	return PermissionSnapshot{
		UserID:   r.userID,
		Grants:   grants,
		AdminAll: r.adminAll,
		State:    r.state,
		Ready:    r.state == StateReady,
		Loading:  r.state == StateLoading,
	}
}

func (r *PermissionResolver) broadcastLocked() {
	snap := r.snapshotLocked()
	for _, ch := range r.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}
