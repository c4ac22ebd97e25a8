package tiles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gigatile/internal/cache"
	"gigatile/internal/layer"
	"gigatile/internal/memo"
	"gigatile/internal/metrics"
	"gigatile/internal/render"
	"gigatile/internal/tile"
)

const (
	tracerName     = "gigatile/internal/tiles"
	DefaultMemoTTL = 5 * time.Minute
)

var (
	ErrUnknownLayer      = errors.New("unknown layer")
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Source tells where a tile came from.
type Source string

const (
	SourceRecent         Source = "recent"
	SourceCache          Source = "cache"
	SourceCacheAfterLock Source = "cache-after-lock"
	SourceRender         Source = "render"
	SourceShortCircuit   Source = "short-circuit"
)

// Result is a tile or, for short-circuits, the alternate response. Results
// may be shared between concurrent callers and must not be modified.
type Result struct {
	Data        []byte
	Source      Source
	Status      int
	Header      http.Header
	ContentType string
}

// Service decides for every request whether to answer from the recent-tile
// memo, from the cache, or by rendering. Renders are serialized per metatile
// through the cache lock, and one render fills the cache for every tile of
// the metatile.
type Service struct {
	layers  *layer.Registry
	cache   cache.Provider
	recent  *memo.RecentTiles
	memoTTL time.Duration
	flights singleflight.Group
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New builds a Service. A memoTTL of zero disables the memo.
func New(layers *layer.Registry, provider cache.Provider, recent *memo.RecentTiles, memoTTL time.Duration, log *zap.Logger) *Service {
	if recent == nil {
		recent = memo.New()
	}
	return &Service{
		layers:  layers,
		cache:   provider,
		recent:  recent,
		memoTTL: memoTTL,
		tracer:  otel.Tracer(tracerName),
		logger:  log,
	}
}

func (s *Service) Layers() *layer.Registry { return s.layers }

func (s *Service) Cache() cache.Provider { return s.cache }

// GetTile returns one tile. ignoreCached skips the memo and every cache
// read, forcing a render, but the result is still saved.
func (s *Service) GetTile(ctx context.Context, layerName string, coord tile.Coordinate, format string, ignoreCached bool) (*Result, error) {
	l, ok := s.layers.Get(layerName)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownLayer, layerName)
	}
	if !l.SupportsFormat(format) {
		return nil, fmt.Errorf("%w %q for layer %s", ErrUnsupportedFormat, format, layerName)
	}
	key := l.Key(coord, format)

	ctx, span := s.tracer.Start(ctx, "tiles.GetTile", trace.WithAttributes(
		attribute.String("tile.layer", key.Layer),
		attribute.Int("tile.z", coord.Zoom),
		attribute.Int("tile.x", coord.Column),
		attribute.Int("tile.y", coord.Row),
		attribute.String("tile.format", key.Format),
		attribute.Bool("tile.ignore_cached", ignoreCached),
	))
	defer span.End()

	res, err := s.getTile(ctx, l, key, ignoreCached)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("tile.source", string(res.Source)))
	metrics.TileRequests.WithLabelValues(string(res.Source)).Inc()
	metrics.MemoEntries.Set(float64(s.recent.Len()))
	return res, nil
}

func (s *Service) getTile(ctx context.Context, l *layer.Layer, key tile.Key, ignoreCached bool) (*Result, error) {
	if l.Excludes(key.Coord) {
		return shortCircuit(render.NotFound()), nil
	}

	flight := key.String()
	if ignoreCached {
		flight += "#ignore-cached"
	}

	// The flight runs detached so that one caller going away does not fail
	// the others waiting on it.
	ch := s.flights.DoChan(flight, func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), l, key, ignoreCached)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

func (s *Service) fetch(ctx context.Context, l *layer.Layer, key tile.Key, ignoreCached bool) (*Result, error) {
	if !ignoreCached {
		if data, ok := s.recent.Get(key); ok {
			return s.tileResult(key, data, SourceRecent), nil
		}
		if res, err := s.readCache(ctx, l, key, SourceCache); res != nil || err != nil {
			return res, err
		}
	}

	if l.WriteCache {
		anchor := key.WithCoord(l.Metatile.Anchor(key.Coord))
		if err := s.cache.Lock(ctx, anchor, l.StaleLockTimeout); err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", anchor, err)
		}
		defer func() {
			if err := s.cache.Unlock(ctx, anchor); err != nil {
				metrics.CacheErrors.WithLabelValues("unlock").Inc()
				s.logger.Error("Failed to unlock tile", zap.String("key", anchor.String()), zap.Error(err))
			}
		}()

		// Another process may have rendered the metatile while we waited.
		if !ignoreCached {
			if res, err := s.readCache(ctx, l, key, SourceCacheAfterLock); res != nil || err != nil {
				return res, err
			}
		}
	}

	return s.render(ctx, l, key)
}

func (s *Service) readCache(ctx context.Context, l *layer.Layer, key tile.Key, source Source) (*Result, error) {
	data, ok, err := s.cache.Read(ctx, key, l.CacheLifespan)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("failed to read %s from cache: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	s.remember(key, data)
	return s.tileResult(key, data, source), nil
}

func (s *Service) render(ctx context.Context, l *layer.Layer, key tile.Key) (*Result, error) {
	start := time.Now()
	metrics.Renders.WithLabelValues(l.Name).Inc()

	srs := l.Projection.SRS()
	var (
		out render.Outcome
		err error
	)
	area, isArea := l.Renderer.Area()
	if isArea {
		w, h := l.Metatile.PixelSize(l.TileSize)
		bound := l.Metatile.Envelope(key.Coord, l.Projection, l.TileSize)
		out, err = area.RenderArea(ctx, w, h, srs, bound, key.Coord.Zoom)
	} else {
		single, _ := l.Renderer.Tile()
		out, err = single.RenderTile(ctx, l.TileSize, l.TileSize, srs, key.Coord)
	}
	metrics.RenderDuration.WithLabelValues(l.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", key, err)
	}

	var (
		img       render.Image
		cacheable bool
	)
	switch o := out.(type) {
	case render.ShortCircuit:
		return shortCircuit(o), nil
	case render.Cacheable:
		img, cacheable = o.Image, true
	case render.Uncacheable:
		img = o.Image
	default:
		return nil, fmt.Errorf("render provider for %s returned %T", l.Name, out)
	}
	if img == nil {
		return nil, fmt.Errorf("render provider for %s returned no image", l.Name)
	}

	tiles := make(map[tile.Coordinate][]byte, 1)
	if isArea {
		canvas, ok := img.(render.Canvas)
		if !ok {
			return nil, fmt.Errorf("area render for %s returned %T, which cannot be sliced", l.Name, img)
		}
		if tiles, err = l.Metatile.Slice(canvas, key.Coord, l.TileSize, key.Format); err != nil {
			return nil, fmt.Errorf("failed to slice %s: %w", key, err)
		}
	} else {
		data, err := img.Encode(key.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", key, err)
		}
		tiles[key.Coord] = data
	}

	for c, data := range tiles {
		if c != key.Coord && l.Excludes(c) {
			continue
		}
		sk := key.WithCoord(c)
		if cacheable && l.WriteCache {
			if err := s.cache.Save(ctx, sk, data); err != nil {
				metrics.CacheErrors.WithLabelValues("save").Inc()
				s.logger.Warn("Failed to save tile", zap.String("key", sk.String()), zap.Error(err))
			}
		}
		s.remember(sk, data)
	}

	s.logger.Debug("Rendered tile",
		zap.String("key", key.String()),
		zap.Int("tiles", len(tiles)),
		zap.Bool("cacheable", cacheable),
		zap.Duration("duration", time.Since(start)),
	)
	return s.tileResult(key, tiles[key.Coord], SourceRender), nil
}

func (s *Service) remember(key tile.Key, data []byte) {
	if s.memoTTL > 0 {
		s.recent.Add(key, data, s.memoTTL)
	}
}

func (s *Service) tileResult(key tile.Key, data []byte, source Source) *Result {
	return &Result{
		Data:        data,
		Source:      source,
		Status:      http.StatusOK,
		Header:      http.Header{},
		ContentType: render.ContentType(key.Format),
	}
}

func shortCircuit(sc render.ShortCircuit) *Result {
	status := sc.Status
	if status == 0 {
		status = http.StatusNotFound
	}
	header := sc.Header
	if header == nil {
		header = http.Header{}
	}
	return &Result{
		Data:        sc.Body,
		Source:      SourceShortCircuit,
		Status:      status,
		Header:      header,
		ContentType: header.Get("Content-Type"),
	}
}
