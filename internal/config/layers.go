package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"gigatile/internal/cache"
)

// File is the YAML layers file.
type File struct {
	Cache  *cache.Config          `yaml:"cache"`
	Layers map[string]LayerConfig `yaml:"layers"`
}

type LayerConfig struct {
	Provider         ProviderConfig `yaml:"provider"`
	Projection       string         `yaml:"projection"`
	Metatile         MetatileConfig `yaml:"metatile"`
	StaleLockTimeout Duration       `yaml:"stale_lock_timeout"`
	CacheLifespan    Duration       `yaml:"cache_lifespan"`
	WriteCache       *bool          `yaml:"write_cache"`
	TileSize         int            `yaml:"tile_size"`
	Bounds           *BoundsConfig  `yaml:"bounds"`
	Formats          []string       `yaml:"formats"`
}

// ProviderConfig names a render provider and its options.
type ProviderConfig struct {
	Name string `yaml:"name"`

	// proxy
	URL       string   `yaml:"url"`
	UserAgent string   `yaml:"user_agent"`
	Referer   string   `yaml:"referer"`
	Timeout   Duration `yaml:"timeout"`

	// image
	Image string `yaml:"image"`
}

type MetatileConfig struct {
	Rows    int `yaml:"rows"`
	Columns int `yaml:"columns"`
	Buffer  int `yaml:"buffer"`
}

type BoundsConfig struct {
	MinZoom *int `yaml:"min_zoom"`
	MaxZoom *int `yaml:"max_zoom"`
	// Extent is min x, min y, max x, max y in projection units.
	Extent []float64 `yaml:"extent"`
}

// Duration accepts a number of seconds or a duration string, which may
// use days and weeks ("7d", "1w2d").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := str2duration.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open layers file: %w", err)
	}
	defer f.Close()
	return ParseFile(f)
}

// ParseFile decodes a layers file, rejecting unknown keys.
func ParseFile(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read layers file: %w", err)
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	for name, l := range file.Layers {
		if err := l.validate(); err != nil {
			return nil, fmt.Errorf("%w: layer %s: %w", ErrInvalid, name, err)
		}
	}
	return &file, nil
}

func (l LayerConfig) validate() error {
	switch l.Provider.Name {
	case "proxy":
		if l.Provider.URL == "" {
			return errors.New("proxy provider needs a url")
		}
	case "image":
		if l.Provider.Image == "" {
			return errors.New("image provider needs an image path")
		}
	case "":
		return errors.New("provider name is required")
	default:
		return fmt.Errorf("unknown provider %q", l.Provider.Name)
	}
	if l.Bounds != nil && l.Bounds.Extent != nil && len(l.Bounds.Extent) != 4 {
		return errors.New("bounds extent needs four numbers")
	}
	if l.StaleLockTimeout < 0 || l.CacheLifespan < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
