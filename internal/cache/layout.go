package cache

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"

	"gigatile/internal/tile"
)

// Layout decides where under the cache root a tile lives.
type Layout string

const (
	// LayoutSafe zero-pads column and row to six digits and splits each in
	// two directories, keeping fan-out under a thousand entries.
	LayoutSafe Layout = "safe"
	// LayoutPortable is layer/z/x/y.ext.
	LayoutPortable Layout = "portable"
	// LayoutQuadtile nests three quadkey digits per directory.
	LayoutQuadtile Layout = "quadtile"
)

const gzipSuffix = ".gz"

func ParseLayout(s string) (Layout, error) {
	switch l := Layout(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LayoutSafe, nil
	case LayoutSafe, LayoutPortable, LayoutQuadtile:
		return l, nil
	default:
		return "", fmt.Errorf(`%w %q: use "safe", "portable" or "quadtile"`, ErrUnknownLayout, s)
	}
}

// Path returns the tile's location relative to the cache root.
func (l Layout) Path(key tile.Key, compressed bool) (string, error) {
	c := key.Coord
	if !c.Valid() {
		return "", fmt.Errorf("cannot store negative coordinate %s", c)
	}
	ext := strings.ToLower(key.Format)
	if compressed {
		ext += gzipSuffix
	}
	z := strconv.Itoa(c.Zoom)

	switch l {
	case LayoutSafe, "":
		x := fmt.Sprintf("%06d", c.Column)
		y := fmt.Sprintf("%06d", c.Row)
		return filepath.Join(key.Layer, z, x[:3], x[3:], y[:3], y[3:]+"."+ext), nil

	case LayoutPortable:
		return filepath.Join(key.Layer, z, strconv.Itoa(c.Column), strconv.Itoa(c.Row)+"."+ext), nil

	case LayoutQuadtile:
		digits, err := quadDigits(c)
		if err != nil {
			return "", err
		}
		parts := []string{key.Layer}
		for len(digits) > 3 {
			parts = append(parts, digits[:3])
			digits = digits[3:]
		}
		parts = append(parts, digits+"."+ext)
		return filepath.Join(parts...), nil

	default:
		return "", fmt.Errorf("%w %q", ErrUnknownLayout, string(l))
	}
}

// quadDigits renders c as a zero followed by its zoom-length quadkey.
func quadDigits(c tile.Coordinate) (string, error) {
	if c.Zoom > 31 {
		return "", fmt.Errorf("quadtile layout supports zoom up to 31, got %d", c.Zoom)
	}
	limit := 1 << uint(c.Zoom)
	if c.Column >= limit || c.Row >= limit {
		return "", fmt.Errorf("coordinate %s is outside the zoom %d grid", c, c.Zoom)
	}
	if c.Zoom == 0 {
		return "0", nil
	}
	q := maptile.New(uint32(c.Column), uint32(c.Row), maptile.Zoom(c.Zoom)).Quadkey()
	s := strconv.FormatUint(q, 4)
	return "0" + strings.Repeat("0", c.Zoom-len(s)) + s, nil
}

// Parse inverts Path. Layer names are a single path segment.
func (l Layout) Parse(rel string) (tile.Key, bool, error) {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/")
	if len(parts) < 2 {
		return tile.Key{}, false, fmt.Errorf("path %q is too short", rel)
	}
	layer := parts[0]
	parts = parts[1:]

	last := parts[len(parts)-1]
	compressed := strings.HasSuffix(last, gzipSuffix)
	last = strings.TrimSuffix(last, gzipSuffix)
	dot := strings.LastIndexByte(last, '.')
	if dot < 0 {
		return tile.Key{}, false, fmt.Errorf("path %q has no format extension", rel)
	}
	format := last[dot+1:]
	parts[len(parts)-1] = last[:dot]

	var c tile.Coordinate
	var err error
	switch l {
	case LayoutSafe, "":
		if len(parts) != 5 {
			return tile.Key{}, false, fmt.Errorf("safe path %q needs 5 segments after the layer", rel)
		}
		c, err = parseInts(parts[0], parts[1]+parts[2], parts[3]+parts[4])

	case LayoutPortable:
		if len(parts) != 3 {
			return tile.Key{}, false, fmt.Errorf("portable path %q needs 3 segments after the layer", rel)
		}
		c, err = parseInts(parts[0], parts[1], parts[2])

	case LayoutQuadtile:
		c, err = parseQuadDigits(strings.Join(parts, ""))

	default:
		return tile.Key{}, false, fmt.Errorf("%w %q", ErrUnknownLayout, string(l))
	}
	if err != nil {
		return tile.Key{}, false, fmt.Errorf("failed to parse %q: %w", rel, err)
	}
	return tile.NewKey(layer, c, format), compressed, nil
}

func parseInts(z, x, y string) (tile.Coordinate, error) {
	zoom, err := strconv.Atoi(z)
	if err != nil {
		return tile.Coordinate{}, err
	}
	col, err := strconv.Atoi(x)
	if err != nil {
		return tile.Coordinate{}, err
	}
	row, err := strconv.Atoi(y)
	if err != nil {
		return tile.Coordinate{}, err
	}
	return tile.Coordinate{Row: row, Column: col, Zoom: zoom}, nil
}

func parseQuadDigits(digits string) (tile.Coordinate, error) {
	if digits == "" || digits[0] != '0' {
		return tile.Coordinate{}, fmt.Errorf("quadtile digits %q must start with 0", digits)
	}
	zoom := len(digits) - 1
	if zoom == 0 {
		return tile.Coordinate{}, nil
	}
	if zoom > 31 {
		return tile.Coordinate{}, fmt.Errorf("quadtile digits %q are too long", digits)
	}
	q, err := strconv.ParseUint(digits[1:], 4, 64)
	if err != nil {
		return tile.Coordinate{}, err
	}
	t := maptile.FromQuadkey(q, maptile.Zoom(zoom))
	return tile.Coordinate{Row: int(t.Y), Column: int(t.X), Zoom: zoom}, nil
}
