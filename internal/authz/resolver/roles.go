// Package resolver turns stored role assignments and permission grants into
// live, per-user authorization state. Each resolver subscribes to the change
// feed for its user before issuing the initial fetch, refetches on every
// change, and exposes a Ready flag so consumers can tell "empty because
// loading" from "authoritatively empty".
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

const watchBuffer = 16

// State is the resolver lifecycle phase.
type State string

const (
	// StateIdle means no identity has been bound yet.
	StateIdle State = "idle"
	// StateLoading means a fetch for the bound identity is in flight.
	StateLoading State = "loading"
	// StateReady means the current set is authoritative for the identity.
	StateReady State = "ready"
)

// RoleSnapshot is one consistent read of a role resolver. Roles may be empty
// while Ready is false; such a set must not be trusted for deny decisions.
type RoleSnapshot struct {
	UserID  id.UserID
	Roles   []models.Role
	State   State
	Ready   bool
	Loading bool
}

// HasRole reports whether the snapshot's role set contains the role.
func (s RoleSnapshot) HasRole(role models.Role) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the snapshot carries the admin role.
func (s RoleSnapshot) IsAdmin() bool { return s.HasRole(models.RoleAdmin) }

// RoleResolver maintains the live role set for one bound identity. Identity
// changes tear down the previous subscription, cancel any in-flight fetch,
// and rebind; stale fetch results are discarded by generation check.
type RoleResolver struct {
	store   store.RoleStore
	feed    feed.Feed
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	group   singleflight.Group

	mu          sync.Mutex
	userID      id.UserID
	generation  uint64
	state       State
	roles       []models.Role
	sub         feed.Subscription
	cancelFetch context.CancelFunc
	watchers    map[int]chan RoleSnapshot
	nextID      int
}

// NewRoleResolver creates an idle resolver. Bind an identity with SetUser.
func NewRoleResolver(st store.RoleStore, fd feed.Feed, logger *slog.Logger, m *metrics.Metrics) *RoleResolver {
	return &RoleResolver{
		store:    st,
		feed:     fd,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("opsgate/authz/resolver"),
		state:    StateIdle,
		watchers: make(map[int]chan RoleSnapshot),
	}
}

// SetUser binds the resolver to an identity. A nil user ID means signed out:
// the role set becomes authoritatively empty with no fetch issued. Binding
// the same identity again is a no-op. For a real identity the change feed
// subscription is established before the initial fetch, so a mutation landing
// mid-fetch still triggers a refetch.
func (r *RoleResolver) SetUser(ctx context.Context, userID id.UserID) {
	r.mu.Lock()
	if r.state != StateIdle && r.userID == userID {
		r.mu.Unlock()
		return
	}

	r.generation++
	gen := r.generation
	r.userID = userID
	if r.cancelFetch != nil {
		r.cancelFetch()
		r.cancelFetch = nil
	}
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}

	if userID.IsNil() {
		r.roles = []models.Role{}
		r.state = StateReady
		r.broadcastLocked()
		r.mu.Unlock()
		return
	}

	r.state = StateLoading
	r.roles = nil
	r.broadcastLocked()
	r.mu.Unlock()

	sub, err := r.feed.Subscribe(ctx, userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "role feed subscribe failed",
			"user_id", userID.String(), "error", err)
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

	r.refetch(ctx, gen)
}

// Snapshot returns the current state as one consistent read.
func (r *RoleResolver) Snapshot() RoleSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// HasRole reports whether the bound identity holds the role. Returns false
// while loading: authorization fails closed.
func (r *RoleResolver) HasRole(role models.Role) bool {
	return r.Snapshot().HasRole(role)
}

// IsAdmin reports whether the bound identity holds the admin role.
func (r *RoleResolver) IsAdmin() bool {
	return r.Snapshot().IsAdmin()
}

// Ready reports whether the current role set is authoritative.
func (r *RoleResolver) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateReady
}

// WaitReady blocks until the role set is authoritative, the watch closes, or
// the context ends. Reports whether readiness was reached.
func (r *RoleResolver) WaitReady(ctx context.Context) bool {
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

// Watch streams snapshots, starting with the current one. The cancel func
// stops the stream and is safe to call more than once.
func (r *RoleResolver) Watch() (<-chan RoleSnapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	watchID := r.nextID
	ch := make(chan RoleSnapshot, watchBuffer)
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

// Close unbinds the identity and releases the subscription and watchers.
func (r *RoleResolver) Close() {
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
	r.roles = nil
}

func (r *RoleResolver) pump(sub feed.Subscription, gen uint64) {
	for change := range sub.Changes() {
		if change.Table != feed.TableRoles {
			continue
		}
		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			return
		}
		r.state = StateLoading
		r.broadcastLocked()
		r.mu.Unlock()

		// Detached from any request context; the change arrived out of band.
		r.refetch(context.Background(), gen)
	}
}

// refetch loads the role set and applies it unless a newer identity has
// taken over in the meantime.
func (r *RoleResolver) refetch(ctx context.Context, gen uint64) {
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
		spanCtx, span := r.tracer.Start(fetchCtx, "resolver.fetch_roles",
			trace.WithAttributes(attribute.String("user.id", userID.String())))
		defer span.End()
		r.metrics.RoleFetches.Inc()
		return r.store.ListRoles(spanCtx, userID)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}

	if err != nil {
		// Fail closed and settle: consumers get an empty, ready set rather
		// than an error or a stuck spinner.
		r.logger.Error("role fetch failed", "user_id", userID.String(), "error", err)
		r.roles = []models.Role{}
	} else {
		assignments := result.([]models.RoleAssignment)
		roles := make([]models.Role, 0, len(assignments))
		seen := make(map[models.Role]struct{}, len(assignments))
		for _, a := range assignments {
			if _, dup := seen[a.Role]; dup {
				continue
			}
			seen[a.Role] = struct{}{}
			roles = append(roles, a.Role)
		}
		r.roles = roles
	}
	r.state = StateReady
	r.broadcastLocked()
}

func (r *RoleResolver) snapshotLocked() RoleSnapshot {
	roles := make([]models.Role, len(r.roles))
	copy(roles, r.roles)
	return RoleSnapshot{
		UserID:  r.userID,
		Roles:   roles,
		State:   r.state,
		Ready:   r.state == StateReady,
		Loading: r.state == StateLoading,
	}
}

func (r *RoleResolver) broadcastLocked() {
	snap := r.snapshotLocked()
	for _, ch := range r.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}
