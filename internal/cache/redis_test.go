package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	c := NewRedisCacheFromClient(client, "test", 0, zaptest.NewLogger(t))
	c.pollInterval = 10 * time.Millisecond
	return mr, c
}

func TestRedisCacheContract(t *testing.T) {
	_, c := newTestRedis(t)
	testProviderContract(t, c)
}

func TestRedisCacheKeys(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, testKey, []byte("x")))
	assert.True(t, mr.Exists("test:tile:osm/12/656/1582.png"))

	require.NoError(t, c.Lock(ctx, testKey, time.Second))
	assert.True(t, mr.Exists("test:lock:osm/12/656/1582.png"))
	require.NoError(t, c.Unlock(ctx, testKey))
	assert.False(t, mr.Exists("test:lock:osm/12/656/1582.png"))
}

func TestRedisCacheLifespan(t *testing.T) {
	_, c := newTestRedis(t)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, testKey, []byte("x")))
	now = now.Add(time.Hour)

	_, ok, err := c.Read(ctx, testKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Read(ctx, testKey, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCacheUnlockKeepsForeignLock(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Lock(ctx, testKey, time.Second))
	// Another process broke our lock and took it.
	require.NoError(t, mr.Set("test:lock:osm/12/656/1582.png", "someone-else"))

	require.NoError(t, c.Unlock(ctx, testKey))
	got, err := mr.Get("test:lock:osm/12/656/1582.png")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisCacheTTL(t *testing.T) {
	mr, c := newTestRedis(t)
	c.ttl = time.Minute
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, testKey, []byte("x")))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Read(ctx, testKey, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}
