package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Set then Get and Exists", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

		ok, err := store.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		value, found, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("v"), value)
	})

	t.Run("missing key", func(t *testing.T) {
		store := NewMemoryStore()
		ok, err := store.Exists(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)

		_, found, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("entries expire", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryStore(WithClock(clock.Now))
		require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
		require.NoError(t, store.Set(ctx, "forever", []byte("v"), 0))

		clock.Advance(59 * time.Second)
		ok, _ := store.Exists(ctx, "k")
		assert.True(t, ok)

		clock.Advance(time.Second)
		ok, _ = store.Exists(ctx, "k")
		assert.False(t, ok)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("SetNX only writes absent or expired keys", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryStore(WithClock(clock.Now))

		ok, err := store.SetNX(ctx, "processing:1", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.SetNX(ctx, "processing:1", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		value, _, _ := store.Get(ctx, "processing:1")
		assert.Equal(t, []byte("a"), value)

		clock.Advance(time.Minute)
		ok, err = store.SetNX(ctx, "processing:1", []byte("c"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Delete", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
		require.NoError(t, store.Delete(ctx, "k"))
		require.NoError(t, store.Delete(ctx, "never-set"))

		ok, _ := store.Exists(ctx, "k")
		assert.False(t, ok)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		store := NewMemoryStore()
		in := []byte("abc")
		require.NoError(t, store.Set(ctx, "k", in, 0))
		in[0] = 'x'

		out, _, _ := store.Get(ctx, "k")
		assert.Equal(t, []byte("abc"), out)
		out[0] = 'y'

		again, _, _ := store.Get(ctx, "k")
		assert.Equal(t, []byte("abc"), again)
	})
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { client.Close() })
		return NewRedisStore(client), mr
	}

	t.Run("Set then Get and Exists", func(t *testing.T) {
		store, _ := newStore(t)
		require.NoError(t, store.Set(ctx, "processed:1", []byte("2024-01-01T00:00:00Z"), time.Hour))

		ok, err := store.Exists(ctx, "processed:1")
		require.NoError(t, err)
		assert.True(t, ok)

		value, found, err := store.Get(ctx, "processed:1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "2024-01-01T00:00:00Z", string(value))
	})

	t.Run("missing key is not an error", func(t *testing.T) {
		store, _ := newStore(t)
		_, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("TTL is applied", func(t *testing.T) {
		store, mr := newStore(t)
		require.NoError(t, store.Set(ctx, "response:c1", []byte(`{}`), 30*time.Second))
		assert.Equal(t, 30*time.Second, mr.TTL("response:c1"))

		mr.FastForward(31 * time.Second)
		ok, err := store.Exists(ctx, "response:c1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetNX and Delete", func(t *testing.T) {
		store, mr := newStore(t)

		ok, err := store.SetNX(ctx, "processing:1", []byte("w1"), 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 30*time.Second, mr.TTL("processing:1"))

		ok, err = store.SetNX(ctx, "processing:1", []byte("w2"), 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Delete(ctx, "processing:1"))
		ok, err = store.SetNX(ctx, "processing:1", []byte("w2"), 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("server down surfaces StorageUnavailable", func(t *testing.T) {
		store, mr := newStore(t)
		mr.Close()

		_, err := store.Exists(ctx, "k")
		assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)

		_, _, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)

		err = store.Set(ctx, "k", []byte("v"), time.Minute)
		assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)

		_, err = store.SetNX(ctx, "k", []byte("v"), time.Minute)
		assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)

		assert.ErrorIs(t, store.Delete(ctx, "k"), contracts.ErrStorageUnavailable)

		assert.ErrorIs(t, store.Ping(ctx), contracts.ErrStorageUnavailable)
	})
}
