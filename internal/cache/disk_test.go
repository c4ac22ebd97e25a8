package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigatile/internal/tile"
)

func newTestDisk(t *testing.T, cfg DiskConfig) *DiskCache {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = t.TempDir()
	}
	c, err := NewDiskCache(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.pollInterval = 10 * time.Millisecond
	return c
}

func TestDiskCacheContract(t *testing.T) {
	for _, l := range []Layout{LayoutSafe, LayoutPortable, LayoutQuadtile} {
		t.Run(string(l), func(t *testing.T) {
			testProviderContract(t, newTestDisk(t, DiskConfig{Dirs: l}))
		})
	}
}

func TestDiskCacheWritesLayoutPath(t *testing.T) {
	root := t.TempDir()
	c := newTestDisk(t, DiskConfig{Path: root})

	require.NoError(t, c.Save(context.Background(), testKey, []byte("png")))

	data, err := os.ReadFile(filepath.Join(root, "osm", "12", "000", "656", "001", "582.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left in the root")
}

func TestDiskCacheGzip(t *testing.T) {
	root := t.TempDir()
	c := newTestDisk(t, DiskConfig{Path: root, Dirs: LayoutPortable})
	ctx := context.Background()
	key := tile.NewKey("roads", tile.Coordinate{Zoom: 2, Column: 1, Row: 3}, "json")
	body := []byte(`{"type":"FeatureCollection","features":[]}`)

	require.NoError(t, c.Save(ctx, key, body))

	raw, err := os.ReadFile(filepath.Join(root, "roads", "2", "1", "3.json.gz"))
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, plain)

	data, ok, err := c.Read(ctx, key, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, data)
}

func TestDiskCacheUmask(t *testing.T) {
	root := t.TempDir()
	c := newTestDisk(t, DiskConfig{Path: root, Umask: 0o077, Dirs: LayoutPortable})

	require.NoError(t, c.Save(context.Background(), testKey, []byte("x")))

	info, err := os.Stat(filepath.Join(root, "osm", "12", "656", "1582.png"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDiskCacheLifespan(t *testing.T) {
	c := newTestDisk(t, DiskConfig{})
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, testKey, []byte("old")))

	path, err := c.Path(testKey)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	_, ok, err := c.Read(ctx, testKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "entry older than the lifespan must read as absent")

	_, err = os.Stat(path)
	assert.NoError(t, err, "expiry is lazy and leaves the file in place")

	data, ok, err := c.Read(ctx, testKey, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("old"), data)
}

func TestDiskCacheBreaksOldLockMarker(t *testing.T) {
	c := newTestDisk(t, DiskConfig{})
	ctx := context.Background()

	lockPath, err := c.lockPath(testKey)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(lockPath, 0o755))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lockPath, past, past))

	start := time.Now()
	require.NoError(t, c.Lock(ctx, testKey, 15*time.Second))
	assert.Less(t, time.Since(start), time.Second, "a marker older than the timeout is broken at once")
	require.NoError(t, c.Unlock(ctx, testKey))

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestDiskCacheUnknownLayout(t *testing.T) {
	_, err := NewDiskCache(DiskConfig{Path: t.TempDir(), Dirs: "flat"}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrUnknownLayout)
}

func TestDiskCacheClear(t *testing.T) {
	c := newTestDisk(t, DiskConfig{})
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, testKey, []byte("x")))

	require.NoError(t, c.Clear("osm"))
	_, ok, err := c.Read(ctx, testKey, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, c.Clear(".."))
}
