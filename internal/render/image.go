package render

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 82

// NormalizeFormat folds aliases such as jpg and tif.
func NormalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimPrefix(format, ".")); f {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	default:
		return f
	}
}

// ContentType returns the MIME type served for a tile format.
func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "tiff":
		return "image/tiff"
	case "bmp":
		return "image/bmp"
	case "json", "geojson", "topojson":
		return "application/json"
	case "mvt", "pbf":
		return "application/vnd.mapbox-vector-tile"
	case "xml":
		return "text/xml"
	case "txt", "text":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

type goImage struct {
	img image.Image
}

// FromImage wraps a decoded Go image as a sliceable canvas.
func FromImage(img image.Image) Canvas {
	return &goImage{img: img}
}

func (g *goImage) Bounds() image.Rectangle {
	return g.img.Bounds()
}

func (g *goImage) Crop(r image.Rectangle) (Image, error) {
	b := g.img.Bounds()
	r = r.Add(b.Min)
	if !r.In(b) {
		return nil, fmt.Errorf("crop %v outside canvas %v", r, b)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Copy(dst, image.Point{}, g.img, r, xdraw.Src, nil)
	return &goImage{img: dst}, nil
}

func (g *goImage) Encode(format string) ([]byte, error) {
	return EncodeImage(g.img, format)
}

// Image returns the wrapped Go image.
func (g *goImage) Image() image.Image {
	return g.img
}

// EncodeImage encodes img with the standard and x/image encoders.
func EncodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch NormalizeFormat(format) {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	case "gif":
		err = gif.Encode(&buf, img, nil)
	case "tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	case "bmp":
		err = bmp.Encode(&buf, img)
	default:
		return nil, fmt.Errorf("cannot encode image as %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// Encoded is a tile some provider already encoded, e.g. fetched from an
// upstream tile server.
type Encoded struct {
	Data   []byte
	Format string
}

func (e Encoded) Encode(format string) ([]byte, error) {
	if NormalizeFormat(format) == NormalizeFormat(e.Format) {
		return e.Data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(e.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s for conversion to %s: %w", e.Format, format, err)
	}
	return EncodeImage(img, format)
}

// DecodeCanvas decodes an encoded raster into a sliceable canvas.
func DecodeCanvas(data []byte) (Canvas, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode canvas: %w", err)
	}
	return FromImage(img), nil
}
