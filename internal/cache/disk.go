package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"gigatile/internal/tile"
)

var DefaultGzipFormats = []string{"txt", "text", "json", "xml"}

type DiskConfig struct {
	Path  string
	Umask os.FileMode
	Dirs  Layout
	// Gzip lists formats compressed on disk; nil means DefaultGzipFormats.
	Gzip []string
}

// DiskCache stores one file per tile under a root directory and locks tiles
// by creating directories next to them, which works across processes
// sharing the filesystem.
type DiskCache struct {
	root         string
	umask        os.FileMode
	layout       Layout
	gzip         map[string]bool
	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

var _ Provider = (*DiskCache)(nil)

func NewDiskCache(cfg DiskConfig, log *zap.Logger) (*DiskCache, error) {
	if cfg.Path == "" {
		return nil, errors.New("disk cache requires a path")
	}
	layout, err := ParseLayout(string(cfg.Dirs))
	if err != nil {
		return nil, err
	}

	formats := cfg.Gzip
	if formats == nil {
		formats = DefaultGzipFormats
	}
	gz := make(map[string]bool, len(formats))
	for _, f := range formats {
		gz[strings.ToLower(f)] = true
	}

	if err := os.MkdirAll(cfg.Path, 0o777&^cfg.Umask); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &DiskCache{
		root:         cfg.Path,
		umask:        cfg.Umask,
		layout:       layout,
		gzip:         gz,
		pollInterval: lockPollInterval,
		logger:       log,
		now:          time.Now,
	}, nil
}

func (c *DiskCache) compressed(format string) bool {
	return c.gzip[strings.ToLower(format)]
}

// Path returns the absolute file path for key.
func (c *DiskCache) Path(key tile.Key) (string, error) {
	rel, err := c.layout.Path(key, c.compressed(key.Format))
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, rel), nil
}

func (c *DiskCache) lockPath(key tile.Key) (string, error) {
	p, err := c.Path(key)
	if err != nil {
		return "", err
	}
	return p + ".lock", nil
}

func (c *DiskCache) Lock(ctx context.Context, key tile.Key, staleTimeout time.Duration) error {
	path, err := c.lockPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777&^c.umask); err != nil {
		return fmt.Errorf("failed to create lock parent: %w", err)
	}

	return waitForLock(ctx, c.logger, key, staleTimeout, c.pollInterval, lockOps{
		try: func() (bool, error) {
			err := os.Mkdir(path, 0o777&^c.umask)
			if err == nil {
				return true, nil
			}
			if errors.Is(err, fs.ErrExist) {
				return false, nil
			}
			return false, err
		},
		age: func() (time.Duration, bool, error) {
			info, err := os.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				return 0, false, nil
			}
			if err != nil {
				return 0, false, err
			}
			return c.now().Sub(info.ModTime()), true, nil
		},
		force: func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
	})
}

func (c *DiskCache) Unlock(_ context.Context, key tile.Key) error {
	path, err := c.lockPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to unlock %s: %w", key, err)
	}
	return nil
}

func (c *DiskCache) Read(_ context.Context, key tile.Key, lifespan time.Duration) ([]byte, bool, error) {
	path, err := c.Path(key)
	if err != nil {
		return nil, false, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if expired(info.ModTime(), lifespan, c.now()) {
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if c.compressed(key.Format) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false, fmt.Errorf("failed to open gzip %s: %w", path, err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, false, fmt.Errorf("failed to gunzip %s: %w", path, err)
		}
	}
	return data, true, nil
}

// Save writes to a temporary file in the cache root and renames it into
// place, so readers never see a partial tile.
func (c *DiskCache) Save(_ context.Context, key tile.Key, data []byte) error {
	path, err := c.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777&^c.umask); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	body := data
	if c.compressed(key.Format) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("failed to gzip %s: %w", key, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to gzip %s: %w", key, err)
		}
		body = buf.Bytes()
	}

	tmp, err := os.CreateTemp(c.root, "gigatile-disk-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o666&^c.umask); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move tile into place: %w", err)
	}
	return nil
}

func (c *DiskCache) Remove(_ context.Context, key tile.Key) error {
	path, err := c.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Clear removes every tile of one layer.
func (c *DiskCache) Clear(layer string) error {
	if layer == "" || strings.ContainsAny(layer, `/\`) || layer == "." || layer == ".." {
		return fmt.Errorf("refusing to clear layer %q", layer)
	}
	return os.RemoveAll(filepath.Join(c.root, layer))
}
