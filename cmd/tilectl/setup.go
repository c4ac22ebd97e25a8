package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gigatile/internal/app"
	"gigatile/internal/cache"
	"gigatile/internal/config"
	"gigatile/internal/image_list"
	"gigatile/internal/logger"
	"gigatile/internal/memo"
	"gigatile/internal/render/vipsrender"
	"gigatile/internal/seed"
	"gigatile/internal/tiles"
)

type environment struct {
	service *tiles.Service
	seeder  *seed.Seeder
	logger  *zap.Logger
	closers []func()
}

func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// setup loads the same configuration the server uses and builds the tile
// service on top of it.
func setup(cmd *cobra.Command, workers int) (*environment, error) {
	// flags override the environment the server reads
	for flag, env := range map[string]string{"layers-file": "LAYERS_FILE", "data-dir": "DATA_DIR", "log-level": "LOG_LEVEL"} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			os.Setenv(env, v)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, "console")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	env := &environment{logger: log}
	env.closers = append(env.closers, func() { log.Sync() })

	var file *config.File
	if cfg.LayersFile != "" {
		if file, err = config.LoadFile(cfg.LayersFile); err != nil {
			env.close()
			return nil, err
		}
	}

	env.closers = append(env.closers, vipsrender.Startup(vipsrender.Config{
		Concurrency: cfg.Vips.Concurrency,
		MaxCacheMB:  cfg.Vips.MaxCacheMB,
	}, log))

	scanner := image_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Image scan failed", zap.Error(err))
	}

	builder := &app.Builder{Config: cfg, File: file, Logger: log}
	provider, err := builder.Cache()
	if err != nil {
		env.close()
		return nil, err
	}
	env.closers = append(env.closers, func() {
		if err := cache.Close(provider); err != nil {
			log.Warn("Failed to close cache", zap.Error(err))
		}
	})

	layers, err := builder.Layers(scanner.GetImages(), scanner.GetImagePathByID)
	if err != nil {
		env.close()
		return nil, err
	}

	// No memo: every tile is wanted in the cache, not in process memory.
	env.service = tiles.New(layers, provider, memo.New(), 0, log)
	env.seeder = seed.New(env.service, workers, log)
	return env, nil
}

type tileRange struct {
	layer  string
	zooms  []int
	extent *orb.Bound
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("layer", "", "layer name")
	cmd.Flags().String("zoom", "", `zoom levels, e.g. "0-4" or "3,5-6"`)
	cmd.Flags().String("bbox", "", "minx,miny,maxx,maxy in layer units (default: layer extent)")
	cmd.MarkFlagRequired("layer")
	cmd.MarkFlagRequired("zoom")
}

func parseRange(cmd *cobra.Command) (tileRange, error) {
	var r tileRange
	r.layer, _ = cmd.Flags().GetString("layer")
	if r.layer == "" {
		return r, errors.New("--layer is required")
	}

	zoom, _ := cmd.Flags().GetString("zoom")
	zooms, err := seed.ParseZooms(zoom)
	if err != nil {
		return r, err
	}
	r.zooms = zooms

	if bbox, _ := cmd.Flags().GetString("bbox"); bbox != "" {
		if r.extent, err = seed.ParseBBox(bbox); err != nil {
			return r, err
		}
	}
	return r, nil
}
