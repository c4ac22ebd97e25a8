package vipsrender

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatile/internal/projection"
	"gigatile/internal/render"
	"gigatile/internal/tile"
)

const jpegQuality = 82

// background fills the parts of a tile that fall outside the image. JPEG has
// no alpha channel.
var background = []float64{221, 221, 221} // #ddd

// Source is one large image served as a deep-zoom pyramid in pixel space.
type Source struct {
	path     string
	width    int
	height   int
	tileSize int
	maxZoom  int
	format   string
	logger   *zap.Logger
}

func NewSource(path string, width, height, tileSize int, format string, log *zap.Logger) *Source {
	if tileSize <= 0 {
		tileSize = 256
	}
	if format == "" {
		format = "jpeg"
	}
	return &Source{
		path:     path,
		width:    width,
		height:   height,
		tileSize: tileSize,
		maxZoom:  projection.MaxZoomFor(width, height, tileSize),
		format:   render.NormalizeFormat(format),
		logger:   log,
	}
}

func (s *Source) MaxZoom() int { return s.maxZoom }

// Format is the encoding tiles are produced in; other formats are converted.
func (s *Source) Format() string { return s.format }

func (s *Source) Projection() projection.Pixel {
	return projection.Pixel{MaxZoom: s.maxZoom, TileSize: s.tileSize}
}

// Tiles renders one tile per call.
func (s *Source) Tiles() TileSource { return TileSource{s} }

// Areas renders whole metatiles.
func (s *Source) Areas() AreaSource { return AreaSource{s} }

type TileSource struct{ src *Source }

type AreaSource struct{ src *Source }

func (t TileSource) RenderTile(ctx context.Context, width, height int, srs string, coord tile.Coordinate) (render.Outcome, error) {
	s := t.src
	bound := projection.TileBound(s.Projection(), coord)
	img, ok, err := s.renderRegion(ctx, srs, bound, width, height)
	if err != nil || !ok {
		return render.NotFound(), err
	}
	defer img.Close()

	data, err := s.export(img, s.format)
	if err != nil {
		return nil, err
	}
	return render.Cacheable{Image: render.Encoded{Data: data, Format: s.format}}, nil
}

func (a AreaSource) RenderArea(ctx context.Context, width, height int, srs string, bound orb.Bound, _ int) (render.Outcome, error) {
	s := a.src
	img, ok, err := s.renderRegion(ctx, srs, bound, width, height)
	if err != nil || !ok {
		return render.NotFound(), err
	}
	defer img.Close()

	// Lossless so slicing does not compound compression artefacts.
	data, err := s.export(img, "png")
	if err != nil {
		return nil, err
	}
	canvas, err := render.DecodeCanvas(data)
	if err != nil {
		return nil, err
	}
	return render.Cacheable{Image: canvas}, nil
}

// region is the part of the source image an output raster covers.
type region struct {
	left, top, width, height int
	// scale maps source pixels to output pixels.
	scale float64
	// offsetX and offsetY place the resized region inside the output.
	offsetX, offsetY int
}

// sourceRegion clips bound to the image. ok is false when nothing of the
// image is inside bound.
func sourceRegion(bound orb.Bound, imgWidth, imgHeight, outWidth, outHeight int) (region, bool) {
	spanX := bound.Max.X() - bound.Min.X()
	if spanX <= 0 || outWidth <= 0 || outHeight <= 0 {
		return region{}, false
	}

	left := int(math.Max(0, math.Floor(bound.Min.X())))
	top := int(math.Max(0, math.Floor(bound.Min.Y())))
	right := int(math.Min(float64(imgWidth), math.Ceil(bound.Max.X())))
	bottom := int(math.Min(float64(imgHeight), math.Ceil(bound.Max.Y())))
	if right <= left || bottom <= top {
		return region{}, false
	}

	scale := float64(outWidth) / spanX
	return region{
		left:    left,
		top:     top,
		width:   right - left,
		height:  bottom - top,
		scale:   scale,
		offsetX: int(math.Round((float64(left) - bound.Min.X()) * scale)),
		offsetY: int(math.Round((float64(top) - bound.Min.Y()) * scale)),
	}, true
}

// renderRegion draws bound into a width x height raster: extract, Lanczos3
// resize, then embed on the background.
func (s *Source) renderRegion(ctx context.Context, srs string, bound orb.Bound, width, height int) (*vips.Image, bool, error) {
	if srs != s.Projection().SRS() {
		return nil, false, fmt.Errorf("image source renders %s, not %s", s.Projection().SRS(), srs)
	}
	r, ok := sourceRegion(bound, s.width, s.height, width, height)
	if !ok {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	image, err := loadImage(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open image: %w", err)
	}

	if err := image.ExtractArea(r.left, r.top, r.width, r.height); err != nil {
		image.Close()
		return nil, false, fmt.Errorf("failed to extract area: %w", err)
	}

	if r.scale != 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(r.scale, resizeOpts); err != nil {
			image.Close()
			return nil, false, fmt.Errorf("failed to resize: %w", err)
		}
	}

	if r.offsetX != 0 || r.offsetY != 0 || image.Width() != width || image.Height() != height {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = background
		if err := image.Embed(r.offsetX, r.offsetY, width, height, embedOpts); err != nil {
			image.Close()
			return nil, false, fmt.Errorf("failed to pad: %w", err)
		}
	}

	s.logger.Debug("Rendered image region",
		zap.String("path", filepath.Base(s.path)),
		zap.Int("left", r.left),
		zap.Int("top", r.top),
		zap.Int("width", r.width),
		zap.Int("height", r.height),
		zap.Float64("scale", r.scale),
	)
	return image, true, nil
}

func (s *Source) export(image *vips.Image, format string) ([]byte, error) {
	var data []byte
	var err error
	switch format {
	case "jpeg":
		opts := vips.DefaultJpegsaveBufferOptions()
		opts.Q = jpegQuality
		opts.Interlace = false
		data, err = image.JpegsaveBuffer(opts)
	case "png":
		data, err = image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	case "webp":
		data, err = image.WebpsaveBuffer(vips.DefaultWebpsaveBufferOptions())
	default:
		return nil, fmt.Errorf("image source cannot export %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", format, err)
	}
	return data, nil
}

// loadImage opens path with random access, which lets vips extract regions
// of large files without decoding them whole.
func loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	access := vips.AccessRandom

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
