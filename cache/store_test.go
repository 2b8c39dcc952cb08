package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/go-cachesync/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// exerciseStore runs the DurableStore contract against an empty store.
func exerciseStore(t *testing.T, store DurableStore) {
	t.Helper()
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "b", []byte("two"), expires))
	require.NoError(t, store.Put(ctx, "a", []byte("one"), expires))
	require.NoError(t, store.Put(ctx, "a", []byte("uno"), expires))

	data, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("uno"), data)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	found, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	assert.NoError(t, store.Close())
}

func TestSQLiteStoreMemory(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	exerciseStore(t, store)
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestSQLiteStoreFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	exerciseStore(t, store)

	require.NoError(t, store.Put(ctx, "kept", []byte{1, 2, 3}, time.Now().Add(time.Hour)))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	data, ok, err := store.Get(ctx, "kept")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestSQLiteStoreClearOnClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")
	store, err := NewSQLiteStore(ctx, path, WithClearOnClose())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Now().Add(time.Hour)))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	_, client := newTestRedis(t)
	exerciseStore(t, NewRedisStore(client, WithPrefix("test")))
}

func TestRedisStorePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	a := NewRedisStore(client, WithPrefix("a"))
	b := NewRedisStore(client, WithPrefix("b"), WithClearOnClose())

	require.NoError(t, a.Put(ctx, "k", []byte("from a"), time.Now().Add(time.Hour)))
	require.NoError(t, b.Put(ctx, "k", []byte("from b"), time.Now().Add(time.Hour)))

	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, b.Close())
	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	data, ok, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("from a"), data)
}

func TestRedisStoreNativeExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Now().Add(10*time.Second)))
	assert.Greater(t, mr.TTL("k"), time.Duration(0))

	mr.FastForward(11 * time.Second)
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServiceOverRedis(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	svc, _, _ := newTestService(t,
		WithLocalStore(NewRedisStore(client, WithPrefix("local"))),
		WithSessionStore(NewRedisStore(client, WithPrefix("session"), WithClearOnClose())),
	)

	type profile struct {
		Name  string `msgpack:"name"`
		Level int    `msgpack:"level"`
	}
	require.NoError(t, SetAs(ctx, svc, "p", profile{Name: "ada", Level: 3}, time.Minute, TierLocal, WithTags("people")))
	require.NoError(t, svc.Set(ctx, "s", "draft", time.Minute, TierSession, WithTags("people")))

	p, ok := GetAs[profile](ctx, svc, "p", TierLocal)
	assert.True(t, ok)
	assert.Equal(t, profile{Name: "ada", Level: 3}, p)

	assert.Equal(t, 2, svc.InvalidateByTag(ctx, "people"))
	_, ok = svc.Get(ctx, "p", TierLocal)
	assert.False(t, ok)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(ctx, WithLogger(logger.NewTestLogger()), WithLocalStore(store))
	defer svc.Close()

	require.NoError(t, svc.Set(ctx, "b", "two", time.Hour, TierLocal, WithTags("t")))
	require.NoError(t, svc.Set(ctx, "a", "one", time.Hour, TierLocal, WithPriority(PriorityCritical)))
	require.NoError(t, store.Put(ctx, "junk", []byte{0xc1}, time.Now().Add(time.Hour)))

	entries, malformed, err := Scan(ctx, store)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, PriorityCritical, entries[0].Priority)
	assert.Equal(t, []string{"t"}, entries[1].Tags)
	assert.Positive(t, entries[1].Size())
	assert.Equal(t, []string{"junk"}, malformed)
}
