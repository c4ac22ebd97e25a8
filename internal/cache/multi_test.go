package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigatile/internal/tile"
)

// failingCache saves nothing and fails every write.
type failingCache struct {
	NullCache
	err error
}

func (f failingCache) Save(context.Context, tile.Key, []byte) error { return f.err }

func (f failingCache) Remove(context.Context, tile.Key) error { return f.err }

func TestMultiCacheContract(t *testing.T) {
	m, err := NewMultiCache(zaptest.NewLogger(t), newTestMemory(t, 0), newTestDisk(t, DiskConfig{}))
	require.NoError(t, err)
	testProviderContract(t, m)
}

func TestMultiCachePromotesHits(t *testing.T) {
	fast := newTestMemory(t, 0)
	slow := newTestDisk(t, DiskConfig{})
	m, err := NewMultiCache(zaptest.NewLogger(t), fast, slow)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, slow.Save(ctx, testKey, []byte("from-disk")))
	_, ok, _ := fast.Read(ctx, testKey, 0)
	require.False(t, ok)

	data, ok, err := m.Read(ctx, testKey, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("from-disk"), data)

	data, ok, err = fast.Read(ctx, testKey, 0)
	require.NoError(t, err)
	require.True(t, ok, "hit in the slow tier must be copied into the fast tier")
	assert.Equal(t, []byte("from-disk"), data)
}

func TestMultiCachePromotionFailureIsNotFatal(t *testing.T) {
	slow := newTestMemory(t, 0)
	m, err := NewMultiCache(zaptest.NewLogger(t), failingCache{err: errors.New("read-only")}, slow)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, slow.Save(ctx, testKey, []byte("x")))
	data, ok, err := m.Read(ctx, testKey, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), data)
}

func TestMultiCacheFansOutWrites(t *testing.T) {
	a := newTestMemory(t, 0)
	b := newTestMemory(t, 0)
	boom := errors.New("boom")
	m, err := NewMultiCache(zaptest.NewLogger(t), a, failingCache{err: boom}, b)
	require.NoError(t, err)
	ctx := context.Background()

	err = m.Save(ctx, testKey, []byte("x"))
	assert.ErrorIs(t, err, boom)

	// A failing middle tier does not stop the write reaching the last one.
	_, ok, _ := a.Read(ctx, testKey, 0)
	assert.True(t, ok)
	_, ok, _ = b.Read(ctx, testKey, 0)
	assert.True(t, ok)

	err = m.Remove(ctx, testKey)
	assert.ErrorIs(t, err, boom)
	_, ok, _ = b.Read(ctx, testKey, 0)
	assert.False(t, ok)
}

func TestMultiCacheLocksFirstTierOnly(t *testing.T) {
	first := newTestMemory(t, 0)
	second := newTestMemory(t, 0)
	m, err := NewMultiCache(zaptest.NewLogger(t), first, second)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, testKey, time.Minute))
	defer m.Unlock(ctx, testKey)

	// The second tier is still free.
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, second.Lock(cctx, testKey, time.Minute))
	assert.Error(t, first.Lock(cctx, testKey, time.Minute))
}

func TestMultiCacheNeedsTiers(t *testing.T) {
	_, err := NewMultiCache(zaptest.NewLogger(t))
	assert.Error(t, err)
}
