package projection

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"

	"gigatile/internal/tile"
)

const earthCircumference = 2 * math.Pi * 6378137

// Projection maps fractional tile positions to points in its own units
// and back.
type Projection interface {
	SRS() string
	Point(column, row float64, zoom int) orb.Point
	Coordinate(p orb.Point, zoom int) (column, row float64)
}

// Bound returns the envelope spanned by two fractional tile corners.
func Bound(p Projection, left, top, right, bottom float64, zoom int) orb.Bound {
	a := p.Point(left, top, zoom)
	b := p.Point(right, bottom, zoom)
	return orb.Bound{Min: a, Max: a}.Extend(b)
}

// TileBound returns the envelope of a single tile.
func TileBound(p Projection, c tile.Coordinate) orb.Bound {
	col, row := float64(c.Column), float64(c.Row)
	return Bound(p, col, row, col+1, row+1, c.Zoom)
}

// Overlaps reports whether a and b share interior area. Touching edges do
// not count.
func Overlaps(a, b orb.Bound) bool {
	return a.Min.X() < b.Max.X() && a.Max.X() > b.Min.X() &&
		a.Min.Y() < b.Max.Y() && a.Max.Y() > b.Min.Y()
}

// SphericalMercator is EPSG:3857 in metres.
type SphericalMercator struct{}

func (SphericalMercator) SRS() string { return "EPSG:3857" }

func (SphericalMercator) Point(column, row float64, zoom int) orb.Point {
	n := math.Exp2(float64(zoom))
	return orb.Point{
		(column/n - 0.5) * earthCircumference,
		(0.5 - row/n) * earthCircumference,
	}
}

func (SphericalMercator) Coordinate(p orb.Point, zoom int) (float64, float64) {
	n := math.Exp2(float64(zoom))
	return (p.X()/earthCircumference + 0.5) * n, (0.5 - p.Y()/earthCircumference) * n
}

// WGS84 expresses the web mercator tile grid in longitude/latitude.
type WGS84 struct{}

func (WGS84) SRS() string { return "EPSG:4326" }

func (WGS84) Point(column, row float64, zoom int) orb.Point {
	n := math.Exp2(float64(zoom))
	lon := column/n*360 - 180
	lat := math.Atan(math.Sinh(math.Pi*(1-2*row/n))) * 180 / math.Pi
	return orb.Point{lon, lat}
}

func (WGS84) Coordinate(p orb.Point, zoom int) (float64, float64) {
	n := math.Exp2(float64(zoom))
	lat := p.Lat() * math.Pi / 180
	column := (p.Lon() + 180) / 360 * n
	row := (1 - math.Log(math.Tan(lat)+1/math.Cos(lat))/math.Pi) / 2 * n
	return column, row
}

// Pixel is the pixel space of a source image rendered as a deep-zoom
// pyramid. At MaxZoom one tile pixel is one source pixel.
type Pixel struct {
	MaxZoom  int
	TileSize int
}

func (Pixel) SRS() string { return "pixel" }

func (p Pixel) span(zoom int) float64 {
	return float64(p.TileSize) * math.Exp2(float64(p.MaxZoom-zoom))
}

func (p Pixel) Point(column, row float64, zoom int) orb.Point {
	s := p.span(zoom)
	return orb.Point{column * s, row * s}
}

func (p Pixel) Coordinate(pt orb.Point, zoom int) (float64, float64) {
	s := p.span(zoom)
	return pt.X() / s, pt.Y() / s
}

// MaxZoomFor returns the smallest zoom at which an image of the given size
// is shown at full resolution.
func MaxZoomFor(width, height, tileSize int) int {
	maxDim := math.Max(float64(width), float64(height))
	maxZoom := int(math.Ceil(math.Log2(maxDim / float64(tileSize))))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

// ByName resolves the projection names accepted in layer configuration.
func ByName(name string) (Projection, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "spherical mercator", "spherical_mercator", "mercator", "epsg:3857", "epsg:900913":
		return SphericalMercator{}, nil
	case "wgs84", "epsg:4326":
		return WGS84{}, nil
	default:
		return nil, fmt.Errorf("unknown projection %q", name)
	}
}
