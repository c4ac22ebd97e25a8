package config

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"gigatile/internal/cache"
)

var ErrInvalid = errors.New("invalid configuration")

type (
	Config struct {
		Port          int           `env:"PORT" envDefault:"8080"`
		DataDir       string        `env:"DATA_DIR" envDefault:"/data"`
		LayersFile    string        `env:"LAYERS_FILE"`
		MemoTTL       time.Duration `env:"MEMO_TTL" envDefault:"5m"`
		WarmupLevels  int           `env:"WARMUP_LEVELS" envDefault:"1"`
		WarmupWorkers int           `env:"WARMUP_WORKERS" envDefault:"1"`
		AllowedOrigin string        `env:"ALLOWED_ORIGIN"`

		HTTP      HTTP      `envPrefix:"HTTP_"`
		Log       Log       `envPrefix:"LOG_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Vips      Vips      `envPrefix:"VIPS_"`
		Image     Image     `envPrefix:"IMAGE_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
	}

	HTTP struct {
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
		IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}

	Log struct {
		Level    string `env:"LEVEL" envDefault:"info"`
		Encoding string `env:"ENCODING" envDefault:"json"`
	}

	// Cache is the fallback provider used when the layers file has no
	// cache section.
	Cache struct {
		Type        string `env:"TYPE" envDefault:"memory"`
		MemoryTiles int    `env:"MEMORY_TILES" envDefault:"2000"`
		FileDir     string `env:"FILE_DIR"`
		Dirs        string `env:"DIRS" envDefault:"safe"`
		Umask       string `env:"UMASK" envDefault:"0022"`
		RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		SQLitePath  string `env:"SQLITE_PATH"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}

	// Image configures the layers created for every image under DataDir.
	Image struct {
		TileSize        int           `env:"TILE_SIZE" envDefault:"256"`
		Format          string        `env:"FORMAT" envDefault:"jpeg"`
		MetatileRows    int           `env:"METATILE_ROWS" envDefault:"1"`
		MetatileColumns int           `env:"METATILE_COLUMNS" envDefault:"1"`
		MetatileBuffer  int           `env:"METATILE_BUFFER" envDefault:"0"`
		CacheLifespan   time.Duration `env:"CACHE_LIFESPAN" envDefault:"0s"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"gigatile"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}
)

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.Cache.FileDir == "" {
		cfg.Cache.FileDir = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = filepath.Join(cfg.DataDir, "tiles.db")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: PORT %d out of range", ErrInvalid, c.Port)
	case c.MemoTTL < 0:
		return fmt.Errorf("%w: MEMO_TTL must not be negative", ErrInvalid)
	case c.WarmupWorkers < 1:
		return fmt.Errorf("%w: WARMUP_WORKERS must be at least 1", ErrInvalid)
	case c.Image.TileSize <= 0:
		return fmt.Errorf("%w: IMAGE_TILE_SIZE must be positive", ErrInvalid)
	case c.Image.MetatileRows < 1 || c.Image.MetatileColumns < 1 || c.Image.MetatileBuffer < 0:
		return fmt.Errorf("%w: IMAGE_METATILE_* must describe at least a 1x1 block", ErrInvalid)
	}
	return nil
}

// CacheConfig turns the CACHE_* settings into a provider config.
func (c *Config) CacheConfig() cache.Config {
	switch c.Cache.Type {
	case "sqlite":
		return cache.Config{Name: "sqlite", Path: c.Cache.SQLitePath}
	case "redis":
		return cache.Config{Name: "redis", Redis: cache.RedisConfig{Addr: c.Cache.RedisAddr}}
	default:
		return cache.Config{
			Name:     c.Cache.Type,
			Path:     c.Cache.FileDir,
			Dirs:     c.Cache.Dirs,
			Umask:    c.Cache.Umask,
			MaxTiles: c.Cache.MemoryTiles,
		}
	}
}
