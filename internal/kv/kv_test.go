package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkbeat/pkg/logging"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, logging.NewLogger()), mr
}

func TestKeyPrefix(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Equal(t, "parkbeat:geohash:dr5:sockets", store.Key("geohash:dr5:sockets"))
}

func TestHashRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "room", "s1", "100"))
	require.NoError(t, store.HSet(ctx, "room", "s2", "200"))

	// The stored key carries the prefix on the wire.
	assert.True(t, mr.Exists("parkbeat:room"))

	val, found, err := store.HGet(ctx, "room", "s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "100", val)

	all, err := store.HGetAll(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "100", "s2": "200"}, all)

	n, err := store.HLen(ctx, "room")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, store.HDel(ctx, "room", "s1"))
	_, found, err = store.HGet(ctx, "room", "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMissingKeysReadEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.HGet(ctx, "ghost", "field")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := store.HGetAll(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, all)

	n, err := store.HLen(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, n)

	members, err := store.SMembers(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "sockets:s1:geohashes", "dr5", "dr5r"))
	members, err := store.SMembers(ctx, "sockets:s1:geohashes")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dr5", "dr5r"}, members)

	require.NoError(t, store.SRem(ctx, "sockets:s1:geohashes", "dr5"))
	members, err = store.SMembers(ctx, "sockets:s1:geohashes")
	require.NoError(t, err)
	assert.Equal(t, []string{"dr5r"}, members)
}

func TestEmptyArgumentNoOps(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HDel(ctx, "room"))
	require.NoError(t, store.SAdd(ctx, "set"))
	require.NoError(t, store.SRem(ctx, "set"))
	require.NoError(t, store.Del(ctx))
	assert.False(t, mr.Exists("parkbeat:set"))
}

func TestDelRemovesWholeKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "a", "f", "1"))
	require.NoError(t, store.SAdd(ctx, "b", "m"))
	require.NoError(t, store.Del(ctx, "a", "b"))
	assert.False(t, mr.Exists("parkbeat:a"))
	assert.False(t, mr.Exists("parkbeat:b"))
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.HSet(ctx, "room", "s1", "100"))

	// First attempt fails against a stopped server; the inline retry hits
	// the restarted one.
	mr.Close()
	require.NoError(t, mr.Restart())

	val, found, err := store.HGet(ctx, "room", "s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "100", val)
}
