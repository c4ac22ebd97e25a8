package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigatile/internal/tile"
)

type tileOnly struct{}

func (tileOnly) RenderTile(context.Context, int, int, string, tile.Coordinate) (Outcome, error) {
	return Cacheable{}, nil
}

type areaOnly struct{}

func (areaOnly) RenderArea(context.Context, int, int, string, orb.Bound, int) (Outcome, error) {
	return Cacheable{}, nil
}

type both struct {
	tileOnly
	areaOnly
}

func TestNewRenderer(t *testing.T) {
	r, err := NewRenderer(tileOnly{})
	require.NoError(t, err)
	_, ok := r.Tile()
	assert.True(t, ok)
	_, ok = r.Area()
	assert.False(t, ok)

	r, err = NewRenderer(areaOnly{})
	require.NoError(t, err)
	_, ok = r.Area()
	assert.True(t, ok)

	_, err = NewRenderer(both{})
	assert.Error(t, err)

	_, err = NewRenderer(struct{}{})
	assert.Error(t, err)
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return img
}

func TestCanvasCrop(t *testing.T) {
	c := FromImage(gradient(40, 30))

	part, err := c.Crop(image.Rect(10, 5, 20, 15))
	require.NoError(t, err)

	data, err := part.Encode("png")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 10), img.Bounds())

	r, g, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(10), r>>8)
	assert.Equal(t, uint32(5), g>>8)

	_, err = c.Crop(image.Rect(35, 25, 45, 35))
	assert.Error(t, err)
}

func TestEncodeFormats(t *testing.T) {
	img := gradient(8, 8)
	for _, f := range []string{"png", "jpg", "jpeg", "gif", "tiff", "bmp"} {
		data, err := EncodeImage(img, f)
		require.NoError(t, err, f)
		assert.NotEmpty(t, data, f)
	}

	_, err := EncodeImage(img, "json")
	assert.Error(t, err)
}

func TestEncodedPassthroughAndConversion(t *testing.T) {
	pngData, err := EncodeImage(gradient(4, 4), "png")
	require.NoError(t, err)

	e := Encoded{Data: pngData, Format: "png"}

	same, err := e.Encode("PNG")
	require.NoError(t, err)
	assert.Equal(t, pngData, same)

	converted, err := e.Encode("jpg")
	require.NoError(t, err)
	assert.NotEqual(t, pngData, converted)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("jpg"))
	assert.Equal(t, "application/json", ContentType("json"))
	assert.Equal(t, "application/octet-stream", ContentType("zzz"))
}
