package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gigatile/internal/config"
	"gigatile/internal/image_list"
	"gigatile/internal/tile"
	"gigatile/internal/tiles"
)

const defaultMaxAge = 365 * 24 * time.Hour

type Handlers struct {
	allowedOrigin string
	logger        *zap.Logger
	scanner       *image_list.Scanner
	tiles         *tiles.Service
}

// New builds the handlers. scanner may be nil when no image catalogue is
// served.
func New(config *config.Config, logger *zap.Logger, scanner *image_list.Scanner, svc *tiles.Service) *Handlers {
	return &Handlers{
		allowedOrigin: config.AllowedOrigin,
		logger:        logger,
		scanner:       scanner,
		tiles:         svc,
	}
}

// Routes returns the mux wrapped in CORS, request logging and tracing.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /tiles/{layer}/{z}/{x}/{file}", h.HandleTile)
	mux.HandleFunc("GET /api/layers", h.HandleLayers)
	mux.HandleFunc("GET /api/images", h.HandleImages)
	mux.HandleFunc("GET /api/images/{id}/meta", h.HandleImageMeta)
	mux.HandleFunc("GET /api/images/{layer}/tiles/{z}/{x}/{file}", h.HandleTile)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return h.CORSMiddleware(h.RequestLoggingMiddleware(h.TracingMiddleware(mux)))
}

// HandleTile serves /tiles/{layer}/{z}/{x}/{y}.{format}. The query flag
// fresh=1 skips the memo and the cache.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	layerName := r.PathValue("layer")

	z, err := strconv.Atoi(r.PathValue("z"))
	if err != nil {
		http.Error(w, "Invalid zoom level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(r.PathValue("x"))
	if err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}

	file := r.PathValue("file")
	ext := filepath.Ext(file)
	y, err := strconv.Atoi(strings.TrimSuffix(file, ext))
	if err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}
	format := strings.TrimPrefix(ext, ".")
	if format == "" {
		http.Error(w, "Missing tile format", http.StatusBadRequest)
		return
	}

	if z < 0 || x < 0 || y < 0 {
		http.Error(w, "Coordinates must be non-negative", http.StatusBadRequest)
		return
	}

	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	coord := tile.Coordinate{Row: y, Column: x, Zoom: z}

	result, err := h.tiles.GetTile(r.Context(), layerName, coord, format, fresh)
	switch {
	case errors.Is(err, tiles.ErrUnknownLayer):
		http.Error(w, "Layer not found", http.StatusNotFound)
		return
	case errors.Is(err, tiles.ErrUnsupportedFormat):
		http.Error(w, "Unsupported format", http.StatusBadRequest)
		return
	case r.Context().Err() != nil:
		// client went away
		return
	case err != nil:
		h.logger.Error("Failed to get tile",
			zap.String("layer", layerName),
			zap.String("tile", coord.String()),
			zap.Error(err),
		)
		http.Error(w, "Failed to render tile", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Tile-Source", string(result.Source))

	if result.Source == tiles.SourceShortCircuit {
		for k, vs := range result.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if w.Header().Get("Cache-Control") == "" {
			w.Header().Set("Cache-Control", "no-cache")
		}
		w.WriteHeader(result.Status)
		if r.Method != http.MethodHead {
			w.Write(result.Data)
		}
		return
	}

	maxAge := defaultMaxAge
	if l, ok := h.tiles.Layers().Get(layerName); ok && l.CacheLifespan > 0 {
		maxAge = l.CacheLifespan
	}
	etag := `"` + strconv.FormatUint(xxhash.Sum64(result.Data), 16) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds())))
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(len(result.Data)))

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

type layerInfo struct {
	Name          string    `json:"name"`
	SRS           string    `json:"srs"`
	TileSize      int       `json:"tile_size"`
	Formats       []string  `json:"formats"`
	MinZoom       int       `json:"min_zoom"`
	MaxZoom       int       `json:"max_zoom"`
	Extent        []float64 `json:"extent,omitempty"`
	Metatile      [3]int    `json:"metatile"`
	CacheLifespan float64   `json:"cache_lifespan_seconds"`
	WriteCache    bool      `json:"write_cache"`
}

func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	all := h.tiles.Layers().All()
	out := make([]layerInfo, 0, len(all))
	for _, l := range all {
		info := layerInfo{
			Name:          l.Name,
			SRS:           l.Projection.SRS(),
			TileSize:      l.TileSize,
			Formats:       l.Formats,
			MinZoom:       l.Bounds.MinZoom,
			MaxZoom:       l.Bounds.MaxZoom,
			Metatile:      [3]int{l.Metatile.Rows, l.Metatile.Columns, l.Metatile.Buffer},
			CacheLifespan: l.CacheLifespan.Seconds(),
			WriteCache:    l.WriteCache,
		}
		if e := l.Bounds.Extent; e != nil {
			info.Extent = []float64{e.Min.X(), e.Min.Y(), e.Max.X(), e.Max.Y()}
		}
		out = append(out, info)
	}
	h.writeJSON(w, out)
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	images := []image_list.ImageInfo{}
	if h.scanner != nil {
		images = h.scanner.GetImages()
	}
	h.writeJSON(w, images)
}

func (h *Handlers) HandleImageMeta(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}
	img := h.scanner.GetImageByID(r.PathValue("id"))
	if img == nil {
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}

	meta := struct {
		image_list.ImageInfo
		MaxZoom  int    `json:"max_zoom"`
		TileSize int    `json:"tile_size"`
		TileURL  string `json:"tile_url"`
	}{ImageInfo: *img}
	if l, ok := h.tiles.Layers().Get(img.ID); ok {
		meta.MaxZoom = l.Bounds.MaxZoom
		meta.TileSize = l.TileSize
		meta.TileURL = "/tiles/" + l.Name + "/{z}/{x}/{y}." + l.Formats[0]
	}
	h.writeJSON(w, meta)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}
