// Package app assembles layers and the cache from configuration. Both the
// server and tilectl start through it.
package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatile/internal/cache"
	"gigatile/internal/config"
	"gigatile/internal/image_list"
	"gigatile/internal/layer"
	"gigatile/internal/metatile"
	"gigatile/internal/projection"
	"gigatile/internal/render"
	"gigatile/internal/render/proxy"
	"gigatile/internal/render/vipsrender"
)

// Builder turns configuration into layers. Probe reads image dimensions;
// it defaults to libvips.
type Builder struct {
	Config *config.Config
	File   *config.File
	Probe  image_list.Prober
	Logger *zap.Logger
}

// Cache builds the provider from the layers file, falling back to the
// CACHE_* environment settings.
func (b *Builder) Cache() (cache.Provider, error) {
	cfg := b.Config.CacheConfig()
	if b.File != nil && b.File.Cache != nil {
		cfg = *b.File.Cache
	}
	p, err := cache.New(cfg, b.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return p, nil
}

// Layers builds every layer of the layers file plus one layer per catalogued
// image, named by the image id.
func (b *Builder) Layers(images []image_list.ImageInfo, imagePath func(id string) string) (*layer.Registry, error) {
	reg, err := layer.NewRegistry()
	if err != nil {
		return nil, err
	}

	if b.File != nil {
		for name, lc := range b.File.Layers {
			l, err := b.configured(name, lc)
			if err != nil {
				return nil, err
			}
			if err := reg.Add(l); err != nil {
				return nil, err
			}
		}
	}

	for _, img := range images {
		l, err := b.imageLayer(img, imagePath(img.ID))
		if err != nil {
			b.Logger.Warn("Skipping image layer", zap.String("image_id", img.ID), zap.Error(err))
			continue
		}
		if err := reg.Add(l); err != nil {
			return nil, err
		}
	}

	b.Logger.Info("Layers ready", zap.Int("count", reg.Len()))
	return reg, nil
}

func (b *Builder) imageLayer(img image_list.ImageInfo, path string) (*layer.Layer, error) {
	ic := b.Config.Image
	format := ic.Format
	if format == "" {
		format = img.TileFormat()
	}
	src := vipsrender.NewSource(path, img.Width, img.Height, ic.TileSize, format, b.Logger.With(zap.String("layer", img.ID)))

	mt, err := metatile.New(ic.MetatileRows, ic.MetatileColumns, ic.MetatileBuffer)
	if err != nil {
		return nil, err
	}

	return layer.New(layer.Options{
		Name:          img.ID,
		Renderer:      imageRenderer(src, mt),
		Metatile:      mt,
		Projection:    src.Projection(),
		TileSize:      ic.TileSize,
		CacheLifespan: ic.CacheLifespan,
		Bounds:        imageBounds(src, img.Width, img.Height),
		Formats:       imageFormats(src.Format()),
	})
}

func (b *Builder) configured(name string, lc config.LayerConfig) (*layer.Layer, error) {
	mt := metatile.Metatile{Rows: lc.Metatile.Rows, Columns: lc.Metatile.Columns, Buffer: lc.Metatile.Buffer}

	opts := layer.Options{
		Name:             name,
		Metatile:         mt,
		TileSize:         lc.TileSize,
		StaleLockTimeout: lc.StaleLockTimeout.Std(),
		CacheLifespan:    lc.CacheLifespan.Std(),
		WriteCache:       lc.WriteCache,
		Formats:          lc.Formats,
	}
	if lc.Projection != "" {
		proj, err := projection.ByName(lc.Projection)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", name, err)
		}
		opts.Projection = proj
	}

	var defaultBounds *layer.Bounds
	switch lc.Provider.Name {
	case "proxy":
		p, err := proxy.New(proxy.Config{
			URL:       lc.Provider.URL,
			UserAgent: lc.Provider.UserAgent,
			Referer:   lc.Provider.Referer,
			Timeout:   lc.Provider.Timeout.Std(),
		}, b.Logger.With(zap.String("layer", name)))
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", name, err)
		}
		opts.Renderer = render.ForTiles(p)

	case "image":
		path := lc.Provider.Image
		width, height, err := b.probe()(path)
		if err != nil {
			return nil, fmt.Errorf("layer %s: failed to read %s: %w", name, path, err)
		}
		var format string
		if len(lc.Formats) > 0 {
			format = lc.Formats[0]
		} else {
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			if format == "tif" || format == "tiff" {
				format = "jpeg"
			}
			opts.Formats = imageFormats(render.NormalizeFormat(format))
		}
		src := vipsrender.NewSource(path, width, height, lc.TileSize, format, b.Logger.With(zap.String("layer", name)))
		opts.Renderer = imageRenderer(src, mt)
		opts.Projection = src.Projection()
		defaultBounds = imageBounds(src, width, height)

	default:
		return nil, fmt.Errorf("layer %s: unknown provider %q", name, lc.Provider.Name)
	}

	bounds, err := layerBounds(lc.Bounds, defaultBounds)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}
	opts.Bounds = bounds

	l, err := layer.New(opts)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (b *Builder) probe() image_list.Prober {
	if b.Probe != nil {
		return b.Probe
	}
	return image_list.VipsProbe
}

// imageRenderer renders single tiles directly and metatiles as areas.
func imageRenderer(src *vipsrender.Source, mt metatile.Metatile) render.Renderer {
	if mt.IsSingle() {
		return render.ForTiles(src.Tiles())
	}
	return render.ForAreas(src.Areas())
}

func imageBounds(src *vipsrender.Source, width, height int) *layer.Bounds {
	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(width), float64(height)}}
	return &layer.Bounds{MaxZoom: src.MaxZoom(), Extent: &extent}
}

func imageFormats(format string) []string {
	if format == "png" {
		return []string{"png"}
	}
	return []string{format, "png"}
}

// layerBounds overlays the configured bounds onto the provider defaults.
func layerBounds(bc *config.BoundsConfig, defaults *layer.Bounds) (*layer.Bounds, error) {
	if bc == nil {
		return defaults, nil
	}
	out := layer.Bounds{MaxZoom: layer.DefaultMaxZoom}
	if defaults != nil {
		out = *defaults
	}
	if bc.MinZoom != nil {
		out.MinZoom = *bc.MinZoom
	}
	if bc.MaxZoom != nil {
		out.MaxZoom = *bc.MaxZoom
	}
	if bc.Extent != nil {
		if len(bc.Extent) != 4 {
			return nil, fmt.Errorf("extent needs four numbers, got %d", len(bc.Extent))
		}
		extent := orb.Bound{
			Min: orb.Point{bc.Extent[0], bc.Extent[1]},
			Max: orb.Point{bc.Extent[2], bc.Extent[3]},
		}
		out.Extent = &extent
	}
	return &out, nil
}
