package registry

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkbeat/internal/kv"
	"parkbeat/internal/rooms"
	"parkbeat/pkg/logging"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewStore(client, logging.NewLogger())
	return New(store, logging.NewLogger(), opts...), mr
}

func TestSubscribeWritesBothSides(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()
	room := rooms.Geohash("dr5ru")

	require.NoError(t, reg.Subscribe(ctx, "s1", room))

	last := mr.HGet("parkbeat:geohash:dr5ru:sockets", "s1")
	assert.NotEmpty(t, last)
	members, err := mr.SMembers("parkbeat:sockets:s1:geohashes")
	require.NoError(t, err)
	assert.Equal(t, []string{"dr5ru"}, members)
}

func TestSubscribeIdempotent(t *testing.T) {
	now := time.Now()
	reg, mr := newTestRegistry(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	room := rooms.Project("p1")

	require.NoError(t, reg.Subscribe(ctx, "s1", room))
	require.NoError(t, reg.Subscribe(ctx, "s1", room))
	require.NoError(t, reg.Subscribe(ctx, "s1", room))

	subs, err := reg.ActiveSubscribers(ctx, room)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	members, err := mr.SMembers("parkbeat:sockets:s1:projects")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestSubscribeRecencyDamping(t *testing.T) {
	now := time.Now()
	reg, mr := newTestRegistry(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	room := rooms.Geohash("dr5ru")

	require.NoError(t, reg.Subscribe(ctx, "s1", room))
	first := mr.HGet("parkbeat:geohash:dr5ru:sockets", "s1")

	// Within the window the write is skipped entirely.
	now = now.Add(2 * time.Second)
	require.NoError(t, reg.Subscribe(ctx, "s1", room))
	assert.Equal(t, first, mr.HGet("parkbeat:geohash:dr5ru:sockets", "s1"))

	// Past the window the record refreshes.
	now = now.Add(DefaultIdleExpiry)
	require.NoError(t, reg.Subscribe(ctx, "s1", room))
	refreshed := mr.HGet("parkbeat:geohash:dr5ru:sockets", "s1")
	assert.NotEqual(t, first, refreshed)
}

func TestUnsubscribeRemovesAndDeletesEmptyRoom(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()
	room := rooms.Geohash("dr5ru")

	require.NoError(t, reg.Subscribe(ctx, "s1", room))
	require.NoError(t, reg.Subscribe(ctx, "s2", room))

	require.NoError(t, reg.Unsubscribe(ctx, "s1", room))
	assert.True(t, mr.Exists("parkbeat:geohash:dr5ru:sockets"))

	require.NoError(t, reg.Unsubscribe(ctx, "s2", room))
	assert.False(t, mr.Exists("parkbeat:geohash:dr5ru:sockets"))

	// Unsubscribing again is a no-op.
	require.NoError(t, reg.Unsubscribe(ctx, "s2", room))
}

func TestTouchRefreshesEveryRoom(t *testing.T) {
	now := time.Now()
	reg, mr := newTestRegistry(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, reg.Subscribe(ctx, "s1", rooms.Geohash("dr5ru")))
	require.NoError(t, reg.Subscribe(ctx, "s1", rooms.Project("p1")))

	now = now.Add(30 * time.Second)
	touched, err := reg.Touch(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, touched, 2)

	want := strconv.FormatInt(now.UnixMilli(), 10)
	assert.Equal(t, want, mr.HGet("parkbeat:geohash:dr5ru:sockets", "s1"))
	assert.Equal(t, want, mr.HGet("parkbeat:project:p1:sockets", "s1"))
}

func TestActiveSubscribersExcludesAndSkipsMalformed(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()
	room := rooms.Geohash("dr5ru")

	require.NoError(t, reg.Subscribe(ctx, "s1", room))
	require.NoError(t, reg.Subscribe(ctx, "s2", room))
	mr.HSet("parkbeat:geohash:dr5ru:sockets", "bad", "not-a-number")

	subs, err := reg.ActiveSubscribers(ctx, room, "s1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s2", subs[0].SocketID)
}

func TestCleanupRemovesAllScopes(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Subscribe(ctx, "s1", rooms.Geohash("dr5ru")))
	require.NoError(t, reg.Subscribe(ctx, "s1", rooms.Geohash("dr")))
	require.NoError(t, reg.Subscribe(ctx, "s1", rooms.Project("p1")))
	require.NoError(t, reg.Subscribe(ctx, "s2", rooms.Geohash("dr5ru")))

	require.NoError(t, reg.Cleanup(ctx, "s1"))

	assert.Empty(t, mr.HGet("parkbeat:geohash:dr5ru:sockets", "s1"))
	assert.False(t, mr.Exists("parkbeat:geohash:dr:sockets"))
	assert.False(t, mr.Exists("parkbeat:project:p1:sockets"))
	assert.False(t, mr.Exists("parkbeat:sockets:s1:geohashes"))
	assert.False(t, mr.Exists("parkbeat:sockets:s1:projects"))

	// The other socket's records survive.
	assert.NotEmpty(t, mr.HGet("parkbeat:geohash:dr5ru:sockets", "s2"))

	// Running again converges to the same state.
	require.NoError(t, reg.Cleanup(ctx, "s1"))
	assert.NotEmpty(t, mr.HGet("parkbeat:geohash:dr5ru:sockets", "s2"))
}

func TestCleanupSingleScope(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Subscribe(ctx, "s1", rooms.Geohash("dr5ru")))
	require.NoError(t, reg.Subscribe(ctx, "s1", rooms.Project("p1")))

	require.NoError(t, reg.Cleanup(ctx, "s1", rooms.KindGeohash))

	assert.False(t, mr.Exists("parkbeat:sockets:s1:geohashes"))
	assert.True(t, mr.Exists("parkbeat:sockets:s1:projects"))
	assert.True(t, mr.Exists("parkbeat:project:p1:sockets"))
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	reg, _ := newTestRegistry(t, WithClock(func() time.Time { return now }))

	fresh := now.Add(-10 * time.Second).UnixMilli()
	stale := now.Add(-25 * time.Second).UnixMilli()
	assert.False(t, reg.IsStale(fresh))
	assert.True(t, reg.IsStale(stale))
}
