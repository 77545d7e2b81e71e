package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("save then load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, KindSnapshot, "alpha", []byte{1, 2, 3}))
		blob, err := store.Load(ctx, KindSnapshot, "alpha")
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, blob.Data)
		assert.Equal(t, "alpha", blob.Name)
		assert.False(t, blob.CreatedAt.IsZero())
	})

	t.Run("save overwrites", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, KindSnapshot, "alpha", []byte{9}))
		blob, err := store.Load(ctx, KindSnapshot, "alpha")
		require.NoError(t, err)
		assert.Equal(t, []byte{9}, blob.Data)
	})

	t.Run("kinds are separate namespaces", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, KindModule, "alpha", []byte("state")))
		require.NoError(t, store.Save(ctx, KindSnapshot, "beta", nil))

		names, err := store.List(ctx, KindSnapshot)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, names)

		names, err = store.List(ctx, KindModule)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha"}, names)
	})

	t.Run("missing blob", func(t *testing.T) {
		_, err := store.Load(ctx, KindSnapshot, "missing")
		assert.True(t, failure.Is(err, failure.KindNotFound))
		assert.True(t, failure.Is(store.Delete(ctx, KindSnapshot, "missing"), failure.KindNotFound))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, KindSnapshot, "beta"))
		_, err := store.Load(ctx, KindSnapshot, "beta")
		assert.True(t, failure.Is(err, failure.KindNotFound))
	})

	t.Run("empty name rejected", func(t *testing.T) {
		assert.True(t, failure.Is(store.Save(ctx, KindSnapshot, "", nil), failure.KindInvalidInput))
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	exerciseStore(t, store)

	t.Run("loaded data is a copy", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, KindSnapshot, "copy", []byte{1}))
		blob, err := store.Load(ctx, KindSnapshot, "copy")
		require.NoError(t, err)
		blob.Data[0] = 42
		again, err := store.Load(ctx, KindSnapshot, "copy")
		require.NoError(t, err)
		assert.Equal(t, byte(1), again.Data[0])
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ECSNET_TEST_DSN")
	if dsn == "" {
		t.Skip("ECSNET_TEST_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, MaxConns: 2}, log.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, _ = store.pool.Exec(ctx, `DELETE FROM blobs`)
	exerciseStore(t, store)
}
