// Package seed pre-renders and removes ranges of tiles.
package seed

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gigatile/internal/layer"
	"gigatile/internal/tile"
	"gigatile/internal/tiles"
)

// Stats counts what a seed or clean run did, by tile source.
type Stats struct {
	Requested int64
	Rendered  int64
	Cached    int64
	Skipped   int64
	Failed    int64
	Removed   int64
}

type Seeder struct {
	tiles   *tiles.Service
	workers int
	logger  *zap.Logger
}

func New(svc *tiles.Service, workers int, log *zap.Logger) *Seeder {
	if workers <= 0 {
		workers = 1
	}
	return &Seeder{tiles: svc, workers: workers, logger: log}
}

// Seed requests one tile per metatile covering extent at each zoom, so every
// block is rendered once. A nil extent means the layer's own extent, or the
// whole grid. Tiles that fail are logged and counted; only cancellation
// stops the run.
func (s *Seeder) Seed(ctx context.Context, layerName string, zooms []int, extent *orb.Bound, ignoreCached bool) (Stats, error) {
	l, ok := s.tiles.Layers().Get(layerName)
	if !ok {
		return Stats{}, fmt.Errorf("%w %q", tiles.ErrUnknownLayer, layerName)
	}
	format := l.Formats[0]

	var (
		requested, rendered, cached, skipped, failed atomic.Int64
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, z := range zooms {
		blocks := Blocks(l, z, extent)
		s.logger.Info("Seeding zoom level",
			zap.String("layer", l.Name),
			zap.Int("zoom", z),
			zap.Int("metatiles", len(blocks)),
		)

		for _, c := range blocks {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				requested.Add(1)
				res, err := s.tiles.GetTile(gctx, l.Name, c, format, ignoreCached)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failed.Add(1)
					s.logger.Warn("Seed tile failed",
						zap.String("layer", l.Name),
						zap.String("tile", c.String()),
						zap.Error(err),
					)
					return nil
				}
				switch res.Source {
				case tiles.SourceRender:
					rendered.Add(1)
				case tiles.SourceShortCircuit:
					skipped.Add(1)
				default:
					cached.Add(1)
				}
				return nil
			})
		}
	}

	err := g.Wait()
	stats := Stats{
		Requested: requested.Load(),
		Rendered:  rendered.Load(),
		Cached:    cached.Load(),
		Skipped:   skipped.Load(),
		Failed:    failed.Load(),
	}
	s.logger.Info("Seeding finished",
		zap.String("layer", l.Name),
		zap.Int64("requested", stats.Requested),
		zap.Int64("rendered", stats.Rendered),
		zap.Int64("cached", stats.Cached),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("failed", stats.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	if err == nil {
		err = ctx.Err()
	}
	return stats, err
}

// Clean removes every tile in range, in every format of the layer, from the
// cache.
func (s *Seeder) Clean(ctx context.Context, layerName string, zooms []int, extent *orb.Bound) (Stats, error) {
	l, ok := s.tiles.Layers().Get(layerName)
	if !ok {
		return Stats{}, fmt.Errorf("%w %q", tiles.ErrUnknownLayer, layerName)
	}
	provider := s.tiles.Cache()

	var stats Stats
	for _, z := range zooms {
		for _, c := range Tiles(l, z, extent) {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			for _, f := range l.Formats {
				if err := provider.Remove(ctx, l.Key(c, f)); err != nil {
					return stats, fmt.Errorf("failed to remove %s: %w", l.Key(c, f), err)
				}
				stats.Removed++
			}
		}
	}

	s.logger.Info("Cleaned tiles",
		zap.String("layer", l.Name),
		zap.Ints("zooms", zooms),
		zap.Int64("removed", stats.Removed),
	)
	return stats, nil
}

// Tiles lists the tiles of l at zoom that overlap extent, row by row.
func Tiles(l *layer.Layer, zoom int, extent *orb.Bound) []tile.Coordinate {
	minCol, minRow, maxCol, maxRow, ok := gridRange(l, zoom, extent)
	if !ok {
		return nil
	}
	var out []tile.Coordinate
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			c := tile.Coordinate{Row: row, Column: col, Zoom: zoom}
			if !l.Excludes(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Blocks returns one representative tile per metatile in range: the first
// sibling the layer does not exclude.
func Blocks(l *layer.Layer, zoom int, extent *orb.Bound) []tile.Coordinate {
	seen := make(map[tile.Coordinate]bool)
	var out []tile.Coordinate
	for _, c := range Tiles(l, zoom, extent) {
		anchor := l.Metatile.Anchor(c)
		if seen[anchor] {
			continue
		}
		seen[anchor] = true
		out = append(out, c)
	}
	return out
}

func gridRange(l *layer.Layer, zoom int, extent *orb.Bound) (minCol, minRow, maxCol, maxRow int, ok bool) {
	if zoom < l.Bounds.MinZoom || zoom > l.Bounds.MaxZoom {
		return 0, 0, 0, 0, false
	}
	last := 1<<uint(zoom) - 1
	minCol, minRow, maxCol, maxRow = 0, 0, last, last

	if extent == nil {
		extent = l.Bounds.Extent
	}
	if extent != nil {
		x0, y0 := l.Projection.Coordinate(extent.Min, zoom)
		x1, y1 := l.Projection.Coordinate(extent.Max, zoom)
		minCol = max(minCol, int(math.Floor(math.Min(x0, x1))))
		maxCol = min(maxCol, int(math.Ceil(math.Max(x0, x1)))-1)
		minRow = max(minRow, int(math.Floor(math.Min(y0, y1))))
		maxRow = min(maxRow, int(math.Ceil(math.Max(y0, y1)))-1)
	}
	return minCol, minRow, maxCol, maxRow, minCol <= maxCol && minRow <= maxRow
}

// ParseZooms reads "3", "0-4" or "0-2,5,7-8" into a sorted list without
// duplicates.
func ParseZooms(s string) ([]int, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid zoom %q: %w", part, err)
		}
		to := from
		if isRange {
			if to, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("invalid zoom %q: %w", part, err)
			}
		}
		if from < 0 || to < from || to > layer.DefaultMaxZoom {
			return nil, fmt.Errorf("invalid zoom range %q", part)
		}
		for z := from; z <= to; z++ {
			set[z] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no zoom levels in %q", s)
	}

	out := make([]int, 0, len(set))
	for z := 0; z <= layer.DefaultMaxZoom; z++ {
		if set[z] {
			out = append(out, z)
		}
	}
	return out, nil
}

// ParseBBox reads "minx,miny,maxx,maxy" in layer projection units.
func ParseBBox(s string) (*orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox %q needs four comma separated numbers", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox %q: %w", s, err)
		}
		v[i] = f
	}
	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[0], v[1]}}.Extend(orb.Point{v[2], v[3]})
	return &b, nil
}
