package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigatile/internal/cache"
	"gigatile/internal/config"
	"gigatile/internal/image_list"
	"gigatile/internal/layer"
	"gigatile/internal/memo"
	"gigatile/internal/render"
	"gigatile/internal/tile"
	"gigatile/internal/tiles"
)

type stubRenderer struct {
	fail bool
}

func (s stubRenderer) RenderTile(_ context.Context, _, _ int, _ string, c tile.Coordinate) (render.Outcome, error) {
	if s.fail {
		return nil, errors.New("upstream down")
	}
	return render.Cacheable{Image: render.Encoded{Data: []byte(c.String()), Format: "png"}}, nil
}

func newTestServer(t *testing.T, scanner *image_list.Scanner) *httptest.Server {
	t.Helper()
	log := zaptest.NewLogger(t)

	osm, err := layer.New(layer.Options{
		Name:          "osm",
		Renderer:      render.ForTiles(stubRenderer{}),
		Formats:       []string{"png"},
		CacheLifespan: time.Hour,
		Bounds:        &layer.Bounds{MaxZoom: 5},
	})
	require.NoError(t, err)
	broken, err := layer.New(layer.Options{Name: "broken", Renderer: render.ForTiles(stubRenderer{fail: true})})
	require.NoError(t, err)

	reg, err := layer.NewRegistry(osm, broken)
	require.NoError(t, err)
	svc := tiles.New(reg, cache.NewMemoryCache(0, log), memo.New(), tiles.DefaultMemoTTL, log)

	h := New(&config.Config{AllowedOrigin: "https://maps.example.com"}, log, scanner, svc)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestHandleTile(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := get(t, srv, http.MethodGet, "/tiles/osm/2/1/3.png", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2/1/3", body(t, resp))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "render", resp.Header.Get("X-Tile-Source"))
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp = get(t, srv, http.MethodGet, "/tiles/osm/2/1/3.png", nil)
	assert.Equal(t, "recent", resp.Header.Get("X-Tile-Source"))
	assert.Equal(t, etag, resp.Header.Get("ETag"))

	resp = get(t, srv, http.MethodGet, "/tiles/osm/2/1/3.png", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = get(t, srv, http.MethodGet, "/tiles/osm/2/1/3.png?fresh=1", nil)
	assert.Equal(t, "render", resp.Header.Get("X-Tile-Source"))
}

func TestHandleTileHead(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := get(t, srv, http.MethodHead, "/tiles/osm/0/0/0.png", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Empty(t, body(t, resp))
}

func TestHandleTileErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		path   string
		status int
		source string
	}{
		{"unknown layer", "/tiles/nope/0/0/0.png", http.StatusNotFound, ""},
		{"unsupported format", "/tiles/osm/0/0/0.gif", http.StatusBadRequest, ""},
		{"bad zoom", "/tiles/osm/a/0/0.png", http.StatusBadRequest, ""},
		{"bad row", "/tiles/osm/0/0/x.png", http.StatusBadRequest, ""},
		{"no format", "/tiles/osm/0/0/0", http.StatusBadRequest, ""},
		{"negative", "/tiles/osm/0/-1/0.png", http.StatusBadRequest, ""},
		{"outside grid", "/tiles/osm/1/5/0.png", http.StatusNotFound, "short-circuit"},
		{"above max zoom", "/tiles/osm/6/0/0.png", http.StatusNotFound, "short-circuit"},
		{"render failure", "/tiles/broken/0/0/0.png", http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, srv, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.source, resp.Header.Get("X-Tile-Source"))
		})
	}
}

func TestHandleLayers(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := get(t, srv, http.MethodGet, "/api/layers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var layers []layerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&layers))
	require.Len(t, layers, 2)
	assert.Equal(t, "broken", layers[0].Name)
	assert.Equal(t, "osm", layers[1].Name)
	assert.Equal(t, "EPSG:3857", layers[1].SRS)
	assert.Equal(t, 5, layers[1].MaxZoom)
	assert.Equal(t, [3]int{1, 1, 0}, layers[1].Metatile)
	assert.Equal(t, 3600.0, layers[1].CacheLifespan)
}

func TestHandleImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.png"), []byte("png"), 0o644))
	scanner := image_list.NewWithProber(dir, zaptest.NewLogger(t), func(string) (int, int, error) { return 300, 200, nil })
	require.NoError(t, scanner.Scan())
	srv := newTestServer(t, scanner)

	resp := get(t, srv, http.MethodGet, "/api/images", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var images []image_list.ImageInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&images))
	require.Len(t, images, 1)
	assert.Equal(t, "scan.png", images[0].OriginalFilename)

	resp = get(t, srv, http.MethodGet, "/api/images/"+images[0].ID+"/meta", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta image_list.ImageInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, 300, meta.Width)

	resp = get(t, srv, http.MethodGet, "/api/images/missing/meta", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleImagesWithoutCatalogue(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := get(t, srv, http.MethodGet, "/api/images", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", body(t, resp))
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := get(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body(t, resp))

	get(t, srv, http.MethodGet, "/tiles/osm/0/0/0.png", nil)
	resp = get(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), "tiles_requests_total")
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := get(t, srv, http.MethodOptions, "/tiles/osm/0/0/0.png", http.Header{"Origin": {"https://other.example.com"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://maps.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("X-Tile-Source"))
}
