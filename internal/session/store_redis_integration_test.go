//go:build integration

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformredis "opsgate/internal/platform/redis"
	id "opsgate/pkg/domain"
	"opsgate/pkg/platform/sentinel"
	"opsgate/pkg/testutil/containers"
)

func TestRedisSessionStore(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	store := NewRedisSessionStore(&platformredis.Client{Client: rc.Client}, time.Hour)

	newSession := func(userID id.UserID) Session {
		now := time.Now().UTC().Truncate(time.Millisecond)
		return Session{
			ID:        id.NewSessionID(),
			UserID:    userID,
			ExpiresAt: now.Add(time.Hour),
			Device:    "Chrome on Linux",
			IPAddress: "203.0.113.7",
			CreatedAt: now,
		}
	}

	t.Run("save and find round trip", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		session := newSession(id.NewUserID())
		require.NoError(t, store.Save(ctx, session))

		got, err := store.FindByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		assert.Equal(t, session.UserID, got.UserID)
		assert.Equal(t, session.Device, got.Device)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := store.FindByID(ctx, id.NewSessionID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("list by user tracks saves and deletes", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		userID := id.NewUserID()
		first := newSession(userID)
		second := newSession(userID)
		require.NoError(t, store.Save(ctx, first))
		require.NoError(t, store.Save(ctx, second))

		sessions, err := store.ListByUser(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)

		require.NoError(t, store.Delete(ctx, first.ID))
		sessions, err = store.ListByUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, second.ID, sessions[0].ID)
	})

	t.Run("delete all for user", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		userID := id.NewUserID()
		require.NoError(t, store.Save(ctx, newSession(userID)))
		require.NoError(t, store.Save(ctx, newSession(userID)))
		other := newSession(id.NewUserID())
		require.NoError(t, store.Save(ctx, other))

		removed, err := store.DeleteAllForUser(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, err = store.FindByID(ctx, other.ID)
		assert.NoError(t, err, "other users keep their sessions")
	})

	t.Run("expired session key drops out of the index", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		shortStore := NewRedisSessionStore(&platformredis.Client{Client: rc.Client}, 50*time.Millisecond)
		userID := id.NewUserID()
		require.NoError(t, shortStore.Save(ctx, newSession(userID)))

		time.Sleep(100 * time.Millisecond)
		sessions, err := shortStore.ListByUser(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}
