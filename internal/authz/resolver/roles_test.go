package resolver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsgate/internal/authz/feed"
	"opsgate/internal/authz/models"
	"opsgate/internal/authz/store"
	"opsgate/internal/platform/logger"
	"opsgate/internal/platform/metrics"
	id "opsgate/pkg/domain"
)

// countingRoleStore wraps a RoleStore and counts ListRoles calls.
type countingRoleStore struct {
	store.RoleStore
	listCalls atomic.Int64
}

func (c *countingRoleStore) ListRoles(ctx context.Context, userID id.UserID) ([]models.RoleAssignment, error) {
	c.listCalls.Add(1)
	return c.RoleStore.ListRoles(ctx, userID)
}

func assignRoles(t *testing.T, st store.RoleStore, userID id.UserID, roles ...models.Role) {
	t.Helper()
	for _, role := range roles {
		err := st.AssignRole(context.Background(), models.RoleAssignment{
			UserID:     userID,
			Role:       role,
			AssignedAt: time.Now(),
		})
		require.NoError(t, err)
	}
}

func waitForRoleSnapshot(t *testing.T, r *RoleResolver, pred func(RoleSnapshot) bool) RoleSnapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		snap := r.Snapshot()
		if pred(snap) {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for role resolver state, last snapshot: %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRoleResolver_StartsIdle(t *testing.T) {
	r := NewRoleResolver(store.NewInMemoryRoleStore(), feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()

	snap := r.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Ready)
	assert.False(t, r.HasRole(models.RoleAdmin), "unresolved state must deny")
}

func TestRoleResolver_ResolvesBoundIdentity(t *testing.T) {
	st := store.NewInMemoryRoleStore()
	userID := id.NewUserID()
	assignRoles(t, st, userID, models.RoleStaff, models.RoleOperator)

	r := NewRoleResolver(st, feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), userID)

	snap := waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })
	assert.ElementsMatch(t, []models.Role{models.RoleStaff, models.RoleOperator}, snap.Roles)
	assert.True(t, r.HasRole(models.RoleStaff))
	assert.False(t, r.HasRole(models.RoleAdmin))
	assert.False(t, r.IsAdmin())
}

func TestRoleResolver_NilUserReadyWithoutFetch(t *testing.T) {
	counting := &countingRoleStore{RoleStore: store.NewInMemoryRoleStore()}
	r := NewRoleResolver(counting, feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()

	r.SetUser(context.Background(), id.UserID{})

	snap := r.Snapshot()
	assert.True(t, snap.Ready, "signed out resolves immediately")
	assert.Empty(t, snap.Roles)
	assert.Equal(t, int64(0), counting.listCalls.Load(), "no fetch for a nil user")
}

func TestRoleResolver_EmptySetIsAuthoritative(t *testing.T) {
	r := NewRoleResolver(store.NewInMemoryRoleStore(), feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), id.NewUserID())

	snap := waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })
	assert.NotNil(t, snap.Roles)
	assert.Empty(t, snap.Roles)
}

func TestRoleResolver_RebindIsIdempotent(t *testing.T) {
	counting := &countingRoleStore{RoleStore: store.NewInMemoryRoleStore()}
	userID := id.NewUserID()
	assignRoles(t, counting.RoleStore, userID, models.RoleTech)

	r := NewRoleResolver(counting, feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), userID)
	waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })

	// Binding the same identity again must not refetch or reset state.
	fetches := counting.listCalls.Load()
	r.SetUser(context.Background(), userID)
	assert.True(t, r.Ready())
	assert.Equal(t, fetches, counting.listCalls.Load())
}

func TestRoleResolver_FeedChangeTriggersRefetch(t *testing.T) {
	st := store.NewInMemoryRoleStore()
	fd := feed.NewInMemoryFeed()
	userID := id.NewUserID()
	assignRoles(t, st, userID, models.RoleStaff)

	r := NewRoleResolver(st, fd, logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), userID)
	waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })

	assignRoles(t, st, userID, models.RoleExpert)
	err := fd.Publish(context.Background(), feed.Change{
		Table:  feed.TableRoles,
		Kind:   feed.KindInsert,
		UserID: userID,
		At:     time.Now(),
	})
	require.NoError(t, err)

	snap := waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool {
		return s.Ready && s.HasRole(models.RoleExpert)
	})
	assert.ElementsMatch(t, []models.Role{models.RoleStaff, models.RoleExpert}, snap.Roles)
}

func TestRoleResolver_IgnoresOtherTables(t *testing.T) {
	st := store.NewInMemoryRoleStore()
	fd := feed.NewInMemoryFeed()
	counting := &countingRoleStore{RoleStore: st}
	userID := id.NewUserID()

	r := NewRoleResolver(counting, fd, logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), userID)
	waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })

	fetches := counting.listCalls.Load()
	err := fd.Publish(context.Background(), feed.Change{
		Table:  feed.TablePermissions,
		Kind:   feed.KindUpdate,
		UserID: userID,
		At:     time.Now(),
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fetches, counting.listCalls.Load(), "permission changes do not touch the role resolver")
}

func TestRoleResolver_IdentityChangeReplacesState(t *testing.T) {
	st := store.NewInMemoryRoleStore()
	fd := feed.NewInMemoryFeed()
	alice := id.NewUserID()
	bob := id.NewUserID()
	assignRoles(t, st, alice, models.RoleAdmin)
	assignRoles(t, st, bob, models.RoleClientUser)

	r := NewRoleResolver(st, fd, logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), alice)
	waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })
	require.True(t, r.IsAdmin())

	r.SetUser(context.Background(), bob)
	snap := waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool {
		return s.Ready && s.UserID == bob
	})
	assert.ElementsMatch(t, []models.Role{models.RoleClientUser}, snap.Roles)
	assert.False(t, r.IsAdmin())

	// Alice's subscription is gone: her changes no longer wake the resolver.
	assignRoles(t, st, alice, models.RoleStaff)
	err := fd.Publish(context.Background(), feed.Change{
		Table:  feed.TableRoles,
		Kind:   feed.KindInsert,
		UserID: alice,
		At:     time.Now(),
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, bob, r.Snapshot().UserID)
	assert.ElementsMatch(t, []models.Role{models.RoleClientUser}, r.Snapshot().Roles)
}

func TestRoleResolver_SignOutClearsRoles(t *testing.T) {
	st := store.NewInMemoryRoleStore()
	userID := id.NewUserID()
	assignRoles(t, st, userID, models.RoleAdmin)

	r := NewRoleResolver(st, feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), userID)
	waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })

	r.SetUser(context.Background(), id.UserID{})
	snap := r.Snapshot()
	assert.True(t, snap.Ready)
	assert.Empty(t, snap.Roles)
	assert.False(t, r.IsAdmin())
}

func TestRoleResolver_FetchErrorFailsClosed(t *testing.T) {
	r := NewRoleResolver(failingRoleStore{}, feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), id.NewUserID())

	snap := waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })
	assert.Empty(t, snap.Roles, "a failed fetch settles on the empty set")
	assert.False(t, r.HasRole(models.RoleAdmin))
}

func TestRoleResolver_WatchReplaysCurrentState(t *testing.T) {
	st := store.NewInMemoryRoleStore()
	userID := id.NewUserID()
	assignRoles(t, st, userID, models.RoleStaff)

	r := NewRoleResolver(st, feed.NewInMemoryFeed(), logger.NewNop(), metrics.NewForTest())
	defer r.Close()
	r.SetUser(context.Background(), userID)
	waitForRoleSnapshot(t, r, func(s RoleSnapshot) bool { return s.Ready })

	snapshots, cancel := r.Watch()
	defer cancel()
	select {
	case snap := <-snapshots:
		assert.True(t, snap.Ready)
		assert.True(t, snap.HasRole(models.RoleStaff))
	case <-time.After(time.Second):
		t.Fatal("watch did not replay the current snapshot")
	}
}

type failingRoleStore struct{}

func (failingRoleStore) ListRoles(context.Context, id.UserID) ([]models.RoleAssignment, error) {
	return nil, assert.AnError
}

func (failingRoleStore) AssignRole(context.Context, models.RoleAssignment) error { return nil }

func (failingRoleStore) RemoveRole(context.Context, id.UserID, models.Role) error { return nil }
