//go:build integration

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "opsgate/pkg/domain"
	"opsgate/pkg/platform/sentinel"
	"opsgate/pkg/testutil/containers"
)

func TestPostgresUserStore(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()
	require.NoError(t, Schema(ctx, pg.DB))

	store := NewPostgresUserStore(pg.DB)

	t.Run("save and find", func(t *testing.T) {
		user := User{
			ID:           id.NewUserID(),
			Email:        "Ops@Example.com",
			DisplayName:  "Ops Desk",
			PasswordHash: []byte("bcrypt-hash"),
			CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		}
		require.NoError(t, store.Save(ctx, user))

		byID, err := store.FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", byID.Email, "email stored lowercase")
		assert.Equal(t, user.DisplayName, byID.DisplayName)
		assert.Equal(t, user.PasswordHash, byID.PasswordHash)

		byEmail, err := store.FindByEmail(ctx, "OPS@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, byEmail.ID)
	})

	t.Run("save updates existing record", func(t *testing.T) {
		user := User{
			ID:           id.NewUserID(),
			Email:        "update@example.com",
			DisplayName:  "Before",
			PasswordHash: []byte("hash"),
			CreatedAt:    time.Now(),
		}
		require.NoError(t, store.Save(ctx, user))
		user.DisplayName = "After"
		require.NoError(t, store.Save(ctx, user))

		got, err := store.FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "After", got.DisplayName)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := store.FindByID(ctx, id.NewUserID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)

		_, err = store.FindByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
