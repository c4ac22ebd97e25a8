package render

import (
	"context"
	"fmt"
	"image"
	"net/http"

	"github.com/paulmach/orb"

	"gigatile/internal/tile"
)

// Image is a rendered tile that can be encoded into a response format.
type Image interface {
	Encode(format string) ([]byte, error)
}

// Canvas is an area render that can be sliced into tiles.
type Canvas interface {
	Image
	Bounds() image.Rectangle
	Crop(r image.Rectangle) (Image, error)
}

// Outcome is the result of a render: Cacheable, Uncacheable or ShortCircuit.
type Outcome interface {
	outcome()
}

// Cacheable is a normal render result.
type Cacheable struct {
	Image Image
}

// Uncacheable must be returned to the caller but never saved, e.g. a
// placeholder drawn while an upstream is failing.
type Uncacheable struct {
	Image Image
}

// ShortCircuit replaces the tile with an alternate response.
type ShortCircuit struct {
	Status int
	Header http.Header
	Body   []byte
}

func (Cacheable) outcome()    {}
func (Uncacheable) outcome()  {}
func (ShortCircuit) outcome() {}

func NotFound() ShortCircuit {
	return ShortCircuit{Status: http.StatusNotFound, Header: http.Header{}}
}

// TileRenderer draws exactly one tile.
type TileRenderer interface {
	RenderTile(ctx context.Context, width, height int, srs string, coord tile.Coordinate) (Outcome, error)
}

// AreaRenderer draws an arbitrary envelope; required for metatiles.
type AreaRenderer interface {
	RenderArea(ctx context.Context, width, height int, srs string, bound orb.Bound, zoom int) (Outcome, error)
}

// Renderer holds exactly one of the two render shapes.
type Renderer struct {
	tile TileRenderer
	area AreaRenderer
}

// NewRenderer inspects v once. A value exposing both shapes, or neither, is
// rejected.
func NewRenderer(v any) (Renderer, error) {
	t, isTile := v.(TileRenderer)
	a, isArea := v.(AreaRenderer)
	switch {
	case isTile && isArea:
		return Renderer{}, fmt.Errorf("render provider %T implements both RenderTile and RenderArea", v)
	case isTile:
		return Renderer{tile: t}, nil
	case isArea:
		return Renderer{area: a}, nil
	default:
		return Renderer{}, fmt.Errorf("render provider %T implements neither RenderTile nor RenderArea", v)
	}
}

func ForTiles(t TileRenderer) Renderer { return Renderer{tile: t} }

func ForAreas(a AreaRenderer) Renderer { return Renderer{area: a} }

func (r Renderer) Tile() (TileRenderer, bool) { return r.tile, r.tile != nil }

func (r Renderer) Area() (AreaRenderer, bool) { return r.area, r.area != nil }

func (r Renderer) IsZero() bool { return r.tile == nil && r.area == nil }
