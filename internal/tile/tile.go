package tile

import (
	"fmt"
	"strings"
)

// Coordinate addresses one tile. Column grows east, row grows south.
type Coordinate struct {
	Row    int
	Column int
	Zoom   int
}

func (c Coordinate) Up(n int) Coordinate {
	return Coordinate{Row: c.Row - n, Column: c.Column, Zoom: c.Zoom}
}

func (c Coordinate) Down(n int) Coordinate {
	return Coordinate{Row: c.Row + n, Column: c.Column, Zoom: c.Zoom}
}

func (c Coordinate) Left(n int) Coordinate {
	return Coordinate{Row: c.Row, Column: c.Column - n, Zoom: c.Zoom}
}

func (c Coordinate) Right(n int) Coordinate {
	return Coordinate{Row: c.Row, Column: c.Column + n, Zoom: c.Zoom}
}

// ZoomTo returns the coordinate containing c's top-left corner at zoom z.
func (c Coordinate) ZoomTo(z int) Coordinate {
	if z >= c.Zoom {
		shift := uint(z - c.Zoom)
		return Coordinate{Row: c.Row << shift, Column: c.Column << shift, Zoom: z}
	}
	shift := uint(c.Zoom - z)
	return Coordinate{Row: c.Row >> shift, Column: c.Column >> shift, Zoom: z}
}

func (c Coordinate) ZoomBy(d int) Coordinate {
	return c.ZoomTo(c.Zoom + d)
}

func (c Coordinate) Valid() bool {
	return c.Row >= 0 && c.Column >= 0 && c.Zoom >= 0
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Zoom, c.Column, c.Row)
}

// Key identifies a cacheable tile: layer, coordinate and format.
type Key struct {
	Layer  string
	Coord  Coordinate
	Format string
}

func NewKey(layer string, coord Coordinate, format string) Key {
	return Key{Layer: layer, Coord: coord, Format: strings.ToLower(format)}
}

// WithCoord returns the same layer and format at another coordinate.
func (k Key) WithCoord(c Coordinate) Key {
	return Key{Layer: k.Layer, Coord: c, Format: k.Format}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s.%s", k.Layer, k.Coord, k.Format)
}
