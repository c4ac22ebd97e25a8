// Package metatile computes the block of neighbouring tiles rendered in one
// pass, the oversized canvas that pass draws, and how to cut it back into
// individual tiles.
package metatile

import (
	"fmt"
	"image"

	"github.com/paulmach/orb"

	"gigatile/internal/projection"
	"gigatile/internal/render"
	"gigatile/internal/tile"
)

// Metatile is a rows x columns block of tiles drawn with a pixel buffer on
// every side.
type Metatile struct {
	Rows    int
	Columns int
	Buffer  int
}

// Single is the degenerate 1x1 metatile without buffer.
var Single = Metatile{Rows: 1, Columns: 1}

func New(rows, columns, buffer int) (Metatile, error) {
	if rows < 1 || columns < 1 {
		return Metatile{}, fmt.Errorf("metatile rows and columns must be at least 1, got %dx%d", rows, columns)
	}
	if buffer < 0 {
		return Metatile{}, fmt.Errorf("metatile buffer must not be negative, got %d", buffer)
	}
	return Metatile{Rows: rows, Columns: columns, Buffer: buffer}, nil
}

// IsSingle reports whether m is equivalent to no metatiling at all.
func (m Metatile) IsSingle() bool {
	return m.Rows <= 1 && m.Columns <= 1 && m.Buffer <= 0
}

func (m Metatile) rows() int    { return max(m.Rows, 1) }
func (m Metatile) columns() int { return max(m.Columns, 1) }

// Anchor is the top-left tile of the block containing c. Locks are always
// taken on it.
func (m Metatile) Anchor(c tile.Coordinate) tile.Coordinate {
	return tile.Coordinate{
		Row:    c.Row - c.Row%m.rows(),
		Column: c.Column - c.Column%m.columns(),
		Zoom:   c.Zoom,
	}
}

// Siblings lists every tile of the block containing c, row by row.
func (m Metatile) Siblings(c tile.Coordinate) []tile.Coordinate {
	anchor := m.Anchor(c)
	out := make([]tile.Coordinate, 0, m.rows()*m.columns())
	for r := 0; r < m.rows(); r++ {
		for col := 0; col < m.columns(); col++ {
			out = append(out, anchor.Down(r).Right(col))
		}
	}
	return out
}

// PixelSize is the width and height of the canvas for one block.
func (m Metatile) PixelSize(tileDim int) (int, int) {
	return m.columns()*tileDim + 2*m.Buffer, m.rows()*tileDim + 2*m.Buffer
}

// Offsets returns where each sibling's top-left pixel sits inside the
// canvas, in the order of Siblings.
func (m Metatile) Offsets(c tile.Coordinate, tileDim int) []image.Point {
	anchor := m.Anchor(c)
	siblings := m.Siblings(c)
	out := make([]image.Point, len(siblings))
	for i, s := range siblings {
		out[i] = image.Point{
			X: (s.Column-anchor.Column)*tileDim + m.Buffer,
			Y: (s.Row-anchor.Row)*tileDim + m.Buffer,
		}
	}
	return out
}

// Envelope is the projected area drawn for the block containing c,
// including the buffer.
func (m Metatile) Envelope(c tile.Coordinate, proj projection.Projection, tileDim int) orb.Bound {
	anchor := m.Anchor(c)
	pad := float64(m.Buffer) / float64(tileDim)
	left := float64(anchor.Column) - pad
	top := float64(anchor.Row) - pad
	right := float64(anchor.Column+m.columns()) + pad
	bottom := float64(anchor.Row+m.rows()) + pad
	return projection.Bound(proj, left, top, right, bottom, c.Zoom)
}

// Slice cuts every sibling out of canvas and encodes it in format.
func (m Metatile) Slice(canvas render.Canvas, c tile.Coordinate, tileDim int, format string) (map[tile.Coordinate][]byte, error) {
	w, h := m.PixelSize(tileDim)
	if b := canvas.Bounds(); b.Dx() != w || b.Dy() != h {
		return nil, fmt.Errorf("metatile canvas is %dx%d, expected %dx%d", b.Dx(), b.Dy(), w, h)
	}

	siblings := m.Siblings(c)
	offsets := m.Offsets(c, tileDim)
	out := make(map[tile.Coordinate][]byte, len(siblings))
	for i, s := range siblings {
		part, err := canvas.Crop(image.Rectangle{Min: offsets[i], Max: offsets[i].Add(image.Pt(tileDim, tileDim))})
		if err != nil {
			return nil, fmt.Errorf("failed to crop %s: %w", s, err)
		}
		data, err := part.Encode(format)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", s, err)
		}
		out[s] = data
	}
	return out, nil
}
