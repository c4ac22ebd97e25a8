package layer

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"gigatile/internal/cache"
	"gigatile/internal/metatile"
	"gigatile/internal/projection"
	"gigatile/internal/render"
	"gigatile/internal/tile"
)

const (
	DefaultTileSize = 256
	DefaultMaxZoom  = 30
)

var DefaultFormats = []string{"png", "jpeg"}

var ErrDuplicateLayer = errors.New("duplicate layer")

// Bounds limits where a layer has tiles. Requests outside are answered with
// 404 without rendering.
type Bounds struct {
	MinZoom int
	MaxZoom int
	// Extent is in the layer's projection units; nil means the whole grid.
	Extent *orb.Bound
}

// Options configures New. Zero values take the package defaults, except
// WriteCache which is a pointer so that false can be told apart from unset.
type Options struct {
	Name             string
	Renderer         render.Renderer
	Metatile         metatile.Metatile
	Projection       projection.Projection
	TileSize         int
	StaleLockTimeout time.Duration
	CacheLifespan    time.Duration
	WriteCache       *bool
	Bounds           *Bounds
	Formats          []string
}

// Layer is a named tile set with its render and cache policy. It is
// immutable after New.
type Layer struct {
	Name             string
	Renderer         render.Renderer
	Metatile         metatile.Metatile
	Projection       projection.Projection
	TileSize         int
	StaleLockTimeout time.Duration
	// CacheLifespan of zero means cached tiles never expire.
	CacheLifespan time.Duration
	WriteCache    bool
	Bounds        Bounds
	Formats       []string
}

func New(opts Options) (*Layer, error) {
	if err := ValidName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Renderer.IsZero() {
		return nil, fmt.Errorf("layer %s: no render provider", opts.Name)
	}

	mt := opts.Metatile
	if mt.Rows == 0 && mt.Columns == 0 {
		mt = metatile.Single
	}
	if _, err := metatile.New(mt.Rows, mt.Columns, mt.Buffer); err != nil {
		return nil, fmt.Errorf("layer %s: %w", opts.Name, err)
	}
	if _, isArea := opts.Renderer.Area(); !mt.IsSingle() && !isArea {
		return nil, fmt.Errorf("layer %s: metatiles need a provider that renders areas", opts.Name)
	}

	l := &Layer{
		Name:             opts.Name,
		Renderer:         opts.Renderer,
		Metatile:         mt,
		Projection:       opts.Projection,
		TileSize:         opts.TileSize,
		StaleLockTimeout: opts.StaleLockTimeout,
		CacheLifespan:    opts.CacheLifespan,
		WriteCache:       true,
	}
	if l.Projection == nil {
		l.Projection = projection.SphericalMercator{}
	}
	if l.TileSize <= 0 {
		l.TileSize = DefaultTileSize
	}
	if l.StaleLockTimeout <= 0 {
		l.StaleLockTimeout = cache.DefaultStaleLockTimeout
	}
	if l.CacheLifespan < 0 {
		return nil, fmt.Errorf("layer %s: negative cache lifespan", opts.Name)
	}
	if opts.WriteCache != nil {
		l.WriteCache = *opts.WriteCache
	}

	if opts.Bounds != nil {
		l.Bounds = *opts.Bounds
	} else {
		l.Bounds = Bounds{MaxZoom: DefaultMaxZoom}
	}
	if l.Bounds.MaxZoom > DefaultMaxZoom {
		l.Bounds.MaxZoom = DefaultMaxZoom
	}
	if l.Bounds.MinZoom < 0 || l.Bounds.MinZoom > l.Bounds.MaxZoom {
		return nil, fmt.Errorf("layer %s: invalid zoom range %d-%d", opts.Name, l.Bounds.MinZoom, l.Bounds.MaxZoom)
	}

	formats := opts.Formats
	if len(formats) == 0 {
		formats = DefaultFormats
	}
	for _, f := range formats {
		l.Formats = append(l.Formats, render.NormalizeFormat(f))
	}

	return l, nil
}

// ValidName reports whether name can be used as a layer name. Names are a
// single URL and file path segment.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid layer name %q", name)
	}
	return nil
}

func (l *Layer) SupportsFormat(format string) bool {
	return slices.Contains(l.Formats, render.NormalizeFormat(format))
}

func (l *Layer) Key(c tile.Coordinate, format string) tile.Key {
	return tile.NewKey(l.Name, c, render.NormalizeFormat(format))
}

// Excludes reports whether c lies outside the layer: a negative or
// off-grid coordinate, a zoom outside the range, or a tile not touching the
// extent.
func (l *Layer) Excludes(c tile.Coordinate) bool {
	if !c.Valid() || c.Zoom < l.Bounds.MinZoom || c.Zoom > l.Bounds.MaxZoom {
		return true
	}
	limit := 1 << uint(c.Zoom)
	if c.Column >= limit || c.Row >= limit {
		return true
	}
	if l.Bounds.Extent != nil {
		return !projection.Overlaps(projection.TileBound(l.Projection, c), *l.Bounds.Extent)
	}
	return false
}

// Registry is the set of configured layers, safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	layers map[string]*Layer
}

func NewRegistry(layers ...*Layer) (*Registry, error) {
	r := &Registry{layers: make(map[string]*Layer, len(layers))}
	for _, l := range layers {
		if err := r.Add(l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(l *Layer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.layers[l.Name]; exists {
		return fmt.Errorf("%w %q", ErrDuplicateLayer, l.Name)
	}
	r.layers[l.Name] = l
	return nil
}

func (r *Registry) Get(name string) (*Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.layers[name]
	return l, ok
}

// All returns layers sorted by name.
func (r *Registry) All() []*Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Layer, 0, len(r.layers))
	for _, l := range r.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}
