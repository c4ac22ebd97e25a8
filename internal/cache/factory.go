package cache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Config selects and configures a provider. Fields that do not apply to the
// chosen Name are ignored.
type Config struct {
	Name string `yaml:"name"`

	// disk
	Path  string   `yaml:"path"`
	Umask string   `yaml:"umask"`
	Dirs  string   `yaml:"dirs"`
	Gzip  []string `yaml:"gzip"`

	// multi
	Tiers []Config `yaml:"tiers"`

	// memory
	MaxTiles int `yaml:"max_tiles"`

	Redis RedisConfig `yaml:"redis"`

	// sqlite, reuses Path
}

// New builds the provider described by cfg, recursing into multi tiers.
func New(cfg Config, log *zap.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "disk", "file":
		umask, err := parseUmask(cfg.Umask)
		if err != nil {
			return nil, err
		}
		log.Info("Using disk cache",
			zap.String("cache_dir", cfg.Path),
			zap.String("dirs", cfg.Dirs),
		)
		return NewDiskCache(DiskConfig{
			Path:  cfg.Path,
			Umask: umask,
			Dirs:  Layout(cfg.Dirs),
			Gzip:  cfg.Gzip,
		}, log)

	case "multi":
		tiers := make([]Provider, 0, len(cfg.Tiers))
		for i, tc := range cfg.Tiers {
			p, err := New(tc, log.With(zap.Int("tier", i)))
			if err != nil {
				for _, built := range tiers {
					Close(built)
				}
				return nil, fmt.Errorf("multi cache tier %d: %w", i, err)
			}
			tiers = append(tiers, p)
		}
		log.Info("Using multi cache", zap.Int("tiers", len(tiers)))
		return NewMultiCache(log, tiers...)

	case "memory", "test":
		log.Info("Using memory cache", zap.Int("max_tiles", cfg.MaxTiles))
		return NewMemoryCache(cfg.MaxTiles, log), nil

	case "redis":
		log.Info("Using redis cache", zap.String("addr", cfg.Redis.Addr))
		return NewRedisCache(cfg.Redis, log)

	case "sqlite":
		return NewSQLiteCache(cfg.Path, log)

	case "null", "disabled":
		log.Info("Cache disabled")
		return NewNullCache(), nil

	default:
		return nil, fmt.Errorf("%w %q (supported: disk, multi, memory, redis, sqlite, null)", ErrUnknownCache, cfg.Name)
	}
}

// parseUmask reads an octal umask such as "0022". Empty means 0022.
func parseUmask(s string) (os.FileMode, error) {
	if s == "" {
		return 0o022, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid umask %q: %w", s, err)
	}
	if v > 0o777 {
		return 0, errors.New("umask must be within 0777")
	}
	return os.FileMode(v), nil
}
