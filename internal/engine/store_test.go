package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	})

	t.Run("setnx only sets once", func(t *testing.T) {
		ok, err := s.SetNX(ctx, "nx", []byte("first"), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "nx", []byte("second"), 0)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := s.Get(ctx, "nx")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), v)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "gone", []byte("v"), 0))
		require.NoError(t, s.Delete(ctx, "gone"))
		_, err := s.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testStoreContract(t, s)

	t.Run("ttl expiry", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "short", []byte("v"), 30*time.Millisecond))

		_, err := s.Get(ctx, "short")
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		_, err = s.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("expired key can be setnx'd again", func(t *testing.T) {
		ctx := context.Background()
		ok, err := s.SetNX(ctx, "respawn", []byte("a"), 20*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(40 * time.Millisecond)
		ok, err = s.SetNX(ctx, "respawn", []byte("b"), 0)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRedisStore(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	s := NewRedisStore(adapter, "store:")
	testStoreContract(t, s)

	t.Run("ttl expiry", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "short", []byte("v"), 50*time.Millisecond))

		_, err := s.Get(ctx, "short")
		require.NoError(t, err)

		mr.FastForward(100 * time.Millisecond)
		_, err = s.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}
