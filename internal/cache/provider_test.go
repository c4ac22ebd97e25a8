package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigatile/internal/tile"
)

var testKey = tile.NewKey("osm", tile.Coordinate{Zoom: 12, Column: 656, Row: 1582}, "png")

// testProviderContract runs the behaviour every provider shares.
func testProviderContract(t *testing.T, p Provider) {
	t.Helper()
	ctx := context.Background()

	t.Run("read miss", func(t *testing.T) {
		_, ok, err := p.Read(ctx, testKey.WithCoord(tile.Coordinate{Zoom: 1}), 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save read remove", func(t *testing.T) {
		require.NoError(t, p.Save(ctx, testKey, []byte("tile-bytes")))

		data, ok, err := p.Read(ctx, testKey, 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("tile-bytes"), data)

		require.NoError(t, p.Save(ctx, testKey, []byte("newer")))
		data, ok, err = p.Read(ctx, testKey, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("newer"), data)

		require.NoError(t, p.Remove(ctx, testKey))
		_, ok, err = p.Read(ctx, testKey, 0)
		require.NoError(t, err)
		assert.False(t, ok)

		// Removing again is not an error.
		require.NoError(t, p.Remove(ctx, testKey))
	})

	t.Run("lock excludes", func(t *testing.T) {
		key := testKey.WithCoord(tile.Coordinate{Zoom: 5, Column: 2, Row: 3})
		require.NoError(t, p.Lock(ctx, key, 10*time.Second))

		var acquired atomic.Bool
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Lock(ctx, key, 10*time.Second); err == nil {
				acquired.Store(true)
				p.Unlock(ctx, key)
			}
		}()

		time.Sleep(100 * time.Millisecond)
		assert.False(t, acquired.Load(), "second locker got in while the lock was held")

		require.NoError(t, p.Unlock(ctx, key))
		wg.Wait()
		assert.True(t, acquired.Load())
	})

	t.Run("lock honours context", func(t *testing.T) {
		key := testKey.WithCoord(tile.Coordinate{Zoom: 5, Column: 9, Row: 9})
		require.NoError(t, p.Lock(ctx, key, 10*time.Second))
		defer p.Unlock(ctx, key)

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := p.Lock(cctx, key, 10*time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("stale lock is broken", func(t *testing.T) {
		key := testKey.WithCoord(tile.Coordinate{Zoom: 6, Column: 1, Row: 1})
		// Abandoned: locked and never unlocked.
		require.NoError(t, p.Lock(ctx, key, time.Second))

		start := time.Now()
		require.NoError(t, p.Lock(ctx, key, 100*time.Millisecond))
		assert.Less(t, time.Since(start), 2*time.Second)
		require.NoError(t, p.Unlock(ctx, key))
	})
}
