package layer

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigatile/internal/metatile"
	"gigatile/internal/projection"
	"gigatile/internal/render"
	"gigatile/internal/tile"
)

type tileOnly struct{}

func (tileOnly) RenderTile(context.Context, int, int, string, tile.Coordinate) (render.Outcome, error) {
	return render.NotFound(), nil
}

type areaOnly struct{}

func (areaOnly) RenderArea(context.Context, int, int, string, orb.Bound, int) (render.Outcome, error) {
	return render.NotFound(), nil
}

func TestNewAppliesDefaults(t *testing.T) {
	l, err := New(Options{Name: "osm", Renderer: render.ForTiles(tileOnly{})})
	require.NoError(t, err)

	assert.Equal(t, metatile.Single, l.Metatile)
	assert.Equal(t, DefaultTileSize, l.TileSize)
	assert.Equal(t, 15*time.Second, l.StaleLockTimeout)
	assert.Zero(t, l.CacheLifespan)
	assert.True(t, l.WriteCache)
	assert.Equal(t, "EPSG:3857", l.Projection.SRS())
	assert.Equal(t, []string{"png", "jpeg"}, l.Formats)
}

func TestNewWriteCacheFalse(t *testing.T) {
	off := false
	l, err := New(Options{Name: "osm", Renderer: render.ForTiles(tileOnly{}), WriteCache: &off})
	require.NoError(t, err)
	assert.False(t, l.WriteCache)
}

func TestMetatileNeedsAreaRenderer(t *testing.T) {
	mt := metatile.Metatile{Rows: 2, Columns: 2}

	_, err := New(Options{Name: "osm", Renderer: render.ForTiles(tileOnly{}), Metatile: mt})
	assert.Error(t, err)

	l, err := New(Options{Name: "osm", Renderer: render.ForAreas(areaOnly{}), Metatile: mt})
	require.NoError(t, err)
	assert.Equal(t, mt, l.Metatile)
}

func TestNewRejectsBadOptions(t *testing.T) {
	r := render.ForTiles(tileOnly{})

	for _, name := range []string{"", "a/b", "..", `a\b`} {
		_, err := New(Options{Name: name, Renderer: r})
		assert.Error(t, err, "name %q", name)
	}

	_, err := New(Options{Name: "x"})
	assert.Error(t, err, "renderer is required")

	_, err = New(Options{Name: "x", Renderer: r, Bounds: &Bounds{MinZoom: 5, MaxZoom: 2}})
	assert.Error(t, err)

	_, err = New(Options{Name: "x", Renderer: r, Metatile: metatile.Metatile{Rows: 2, Columns: 2, Buffer: -1}})
	assert.Error(t, err)
}

func TestExcludes(t *testing.T) {
	extent := projection.TileBound(projection.SphericalMercator{}, tile.Coordinate{Zoom: 1, Column: 1, Row: 0})
	l, err := New(Options{
		Name:     "osm",
		Renderer: render.ForTiles(tileOnly{}),
		Bounds:   &Bounds{MinZoom: 1, MaxZoom: 10, Extent: &extent},
	})
	require.NoError(t, err)

	tests := []struct {
		coord    tile.Coordinate
		excluded bool
	}{
		{tile.Coordinate{Zoom: 0}, true},
		{tile.Coordinate{Zoom: 11, Column: 1500, Row: 10}, true},
		{tile.Coordinate{Zoom: 1, Column: 1, Row: 0}, false},
		{tile.Coordinate{Zoom: 1, Column: 0, Row: 0}, true},
		{tile.Coordinate{Zoom: 2, Column: 3, Row: 1}, false},
		{tile.Coordinate{Zoom: 2, Column: 3, Row: 2}, true},
		{tile.Coordinate{Zoom: 2, Column: 4, Row: 0}, true},
		{tile.Coordinate{Zoom: 2, Column: -1, Row: 0}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.excluded, l.Excludes(tt.coord), "coord %s", tt.coord)
	}
}

func TestFormatsAreNormalized(t *testing.T) {
	l, err := New(Options{Name: "osm", Renderer: render.ForTiles(tileOnly{}), Formats: []string{"JPG", "png"}})
	require.NoError(t, err)

	assert.True(t, l.SupportsFormat("jpeg"))
	assert.True(t, l.SupportsFormat("jpg"))
	assert.False(t, l.SupportsFormat("gif"))
	assert.Equal(t, tile.NewKey("osm", tile.Coordinate{Zoom: 1}, "jpeg"), l.Key(tile.Coordinate{Zoom: 1}, "JPG"))
}

func TestRegistry(t *testing.T) {
	a, _ := New(Options{Name: "b-layer", Renderer: render.ForTiles(tileOnly{})})
	b, _ := New(Options{Name: "a-layer", Renderer: render.ForTiles(tileOnly{})})

	r, err := NewRegistry(a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get("a-layer")
	require.True(t, ok)
	assert.Same(t, b, got)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a-layer", all[0].Name)

	assert.ErrorIs(t, r.Add(a), ErrDuplicateLayer)
}
