package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"gigatile/internal/app"
	"gigatile/internal/cache"
	"gigatile/internal/config"
	httphandlers "gigatile/internal/http"
	"gigatile/internal/image_list"
	"gigatile/internal/layer"
	"gigatile/internal/logger"
	"gigatile/internal/memo"
	"gigatile/internal/render/vipsrender"
	"gigatile/internal/seed"
	"gigatile/internal/telemetry"
	"gigatile/internal/tiles"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	stopVips := vipsrender.Startup(vipsrender.Config{
		Concurrency: cfg.Vips.Concurrency,
		MaxCacheMB:  cfg.Vips.MaxCacheMB,
	}, log)
	defer stopVips()

	log.Info("Starting Gigatile server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("layers_file", cfg.LayersFile),
	)

	var file *config.File
	if cfg.LayersFile != "" {
		if file, err = config.LoadFile(cfg.LayersFile); err != nil {
			log.Fatal("Failed to load layers file", zap.Error(err))
		}
	}

	scanner := image_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	builder := &app.Builder{Config: cfg, File: file, Logger: log}
	tileCache, err := builder.Cache()
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer cache.Close(tileCache)

	layers, err := builder.Layers(scanner.GetImages(), scanner.GetImagePathByID)
	if err != nil {
		log.Fatal("Failed to build layers", zap.Error(err))
	}

	svc := tiles.New(layers, tileCache, memo.New(), cfg.MemoTTL, log)
	handlers := httphandlers.New(cfg, log, scanner, svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WarmupLevels > 0 {
		go warmupTiles(ctx, cfg.WarmupLevels, layers, seed.New(svc, cfg.WarmupWorkers, log), log)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handlers.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	<-ctx.Done()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupTiles seeds the first levels of every image layer.
func warmupTiles(ctx context.Context, levels int, layers *layer.Registry, seeder *seed.Seeder, log *zap.Logger) {
	var images []*layer.Layer
	for _, l := range layers.All() {
		if l.Projection.SRS() == "pixel" {
			images = append(images, l)
		}
	}
	if len(images) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("layers", len(images)))

	for _, l := range images {
		var zooms []int
		for z := l.Bounds.MinZoom; z <= min(levels, l.Bounds.MaxZoom); z++ {
			zooms = append(zooms, z)
		}
		if len(zooms) == 0 {
			continue
		}
		if _, err := seeder.Seed(ctx, l.Name, zooms, nil, false); err != nil {
			log.Warn("Warmup stopped", zap.String("layer", l.Name), zap.Error(err))
			return
		}
	}

	log.Info("Tile warmup completed")
}
