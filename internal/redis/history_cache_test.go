package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"medchat/internal/config"
	"medchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lastUser atomic.Int64

// freshUser returns an id no earlier run has written under, so tests share a
// database without flushing it.
func freshUser() int64 {
	base := time.Now().UnixNano() / 1000
	for {
		prev := lastUser.Load()
		next := base
		if next <= prev {
			next = prev + 1
		}
		if lastUser.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func TestHistoryCacheStoreLoadInvalidate(t *testing.T) {
	client := newTestClient(t)
	cache := NewHistoryCache(client, time.Minute, nil)
	ctx := context.Background()
	user, other := freshUser(), freshUser()

	history := []models.Message{
		{ID: 1, UserID: user, Sender: models.SenderUser, ContentType: models.ContentText, Content: "hi"},
		{ID: 2, UserID: user, Sender: models.SenderAI, ContentType: models.ContentText, Content: "hello"},
	}
	version, ok := cache.Version(ctx, user)
	require.True(t, ok)
	assert.Zero(t, version)
	cache.Store(ctx, user, version, history)

	got, ok := cache.Load(ctx, user)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[1].Content)

	_, ok = cache.Load(ctx, other)
	assert.False(t, ok)

	cache.Invalidate(ctx, user)
	_, ok = cache.Load(ctx, user)
	assert.False(t, ok)
	version, ok = cache.Version(ctx, user)
	require.True(t, ok)
	assert.EqualValues(t, 1, version)
}

func TestHistoryCacheRefusesStoreFromOlderVersion(t *testing.T) {
	client := newTestClient(t)
	cache := NewHistoryCache(client, time.Minute, nil)
	ctx := context.Background()
	user := freshUser()

	before, ok := cache.Version(ctx, user)
	require.True(t, ok)
	stale := []models.Message{{ID: 1, UserID: user, Sender: models.SenderUser, Content: "deleted"}}

	cache.Invalidate(ctx, user)
	cache.Store(ctx, user, before, stale)
	_, ok = cache.Load(ctx, user)
	assert.False(t, ok, "snapshot read before the invalidation must not be cached")

	current, ok := cache.Version(ctx, user)
	require.True(t, ok)
	cache.Store(ctx, user, current, []models.Message{})
	got, ok := cache.Load(ctx, user)
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestHistoryCacheNilClientIsNoop(t *testing.T) {
	cache := NewHistoryCache(nil, 0, nil)
	ctx := context.Background()

	_, ok := cache.Version(ctx, 1)
	assert.False(t, ok)
	cache.Store(ctx, 1, 0, []models.Message{{ID: 1, UserID: 1}})
	_, ok = cache.Load(ctx, 1)
	assert.False(t, ok)
	cache.Invalidate(ctx, 1)

	var c *Client
	assert.ErrorIs(t, c.Publish(ctx, "x", nil), errNotInitialized)
	_, err := c.Eval(ctx, "return 1", nil)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, c.Close())
}

func TestOptionsDefaults(t *testing.T) {
	opts := options(config.RedisConfig{})
	assert.Equal(t, "127.0.0.1:6379", opts.Addr)

	opts = options(config.RedisConfig{Host: "cache", Port: 6380, DB: 2, Password: "pw"})
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "pw", opts.Password)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	client, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}
