package proxy

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigatile/internal/render"
	"gigatile/internal/tile"
)

func pngTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRenderTileFetchesUpstream(t *testing.T) {
	body := pngTile(t)
	var gotPath, gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/{z}/{x}/{y}.png", Referer: "https://example.org"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := p.RenderTile(context.Background(), 256, 256, "EPSG:3857", tile.Coordinate{Zoom: 3, Column: 4, Row: 2})
	require.NoError(t, err)

	assert.Equal(t, "/3/4/2.png", gotPath)
	assert.Equal(t, defaultUserAgent, gotUA)
	assert.Equal(t, "https://example.org", gotReferer)

	c, ok := out.(render.Cacheable)
	require.True(t, ok)
	data, err := c.Image.Encode("png")
	require.NoError(t, err)
	assert.Equal(t, body, data)

	jpg, err := c.Image.Encode("jpeg")
	require.NoError(t, err)
	assert.NotEqual(t, body, jpg, "other formats are converted")
}

func TestRenderTileNotFoundShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/{z}/{x}/{y}.png"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := p.RenderTile(context.Background(), 256, 256, "EPSG:3857", tile.Coordinate{Zoom: 1})
	require.NoError(t, err)
	sc, ok := out.(render.ShortCircuit)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, sc.Status)
}

func TestRenderTileUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/{z}/{x}/{y}.png"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = p.RenderTile(context.Background(), 256, 256, "EPSG:3857", tile.Coordinate{Zoom: 1})
	assert.Error(t, err)
}

func TestNewValidatesTemplate(t *testing.T) {
	_, err := New(Config{URL: "https://tiles.example.org/{z}/{x}.png"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestFormatFallsBackToExtension(t *testing.T) {
	p, err := New(Config{URL: "https://tiles.example.org/{z}/{x}/{y}.jpg?key=1"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", p.formatOf("application/octet-stream"))
	assert.Equal(t, "webp", p.formatOf("image/webp"))
}

func TestProviderIsTileShaped(t *testing.T) {
	p, err := New(Config{URL: "https://tiles.example.org/{z}/{x}/{y}.png"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	r, err := render.NewRenderer(p)
	require.NoError(t, err)
	_, isTile := r.Tile()
	assert.True(t, isTile)
}
