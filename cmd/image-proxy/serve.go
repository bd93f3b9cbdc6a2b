package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ironsheep/image-proxy/internal/cache"
	"github.com/ironsheep/image-proxy/internal/config"
	"github.com/ironsheep/image-proxy/internal/engine"
	"github.com/ironsheep/image-proxy/internal/imaging"
	"github.com/ironsheep/image-proxy/internal/proxy"
	"github.com/ironsheep/image-proxy/internal/server"
	"github.com/ironsheep/image-proxy/internal/transform"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the image proxy HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "server")
	logger.Info("image proxy starting",
		"version", Version, "commit", GitCommit, "config", cfg.Path)

	if err := cfg.CheckImagesDir(); err != nil {
		return err
	}

	svc, closeEngine, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	srv := server.New(server.Options{
		Addr:            cfg.Addr(),
		Service:         svc,
		Logger:          logger,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration,
		WriteTimeout:    cfg.Server.WriteTimeout.Duration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		MetricsEnabled:  cfg.Metrics.Enabled,
	})
	return srv.Run(ctx)
}

// buildService wires the request pipeline from cfg. The returned func
// releases the engine.
func buildService(cfg *config.Config, logger *slog.Logger) (*proxy.Service, func(), error) {
	anchor, err := imaging.ParseAnchor(cfg.Transform.DefaultAnchor)
	if err != nil {
		return nil, nil, err
	}
	background, err := imaging.ParseHexColor(cfg.Transform.JPEGBackground)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := imaging.NewResolver(cfg.ImagesDir, cfg.Cache.ProbeCacheSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open images directory: %w", err)
	}
	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache directory: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Backend:         cfg.Backend,
		BlurFactor:      cfg.Transform.BlurFactor,
		Background:      background,
		ExternalTool:    cfg.External.Tool,
		ExternalTimeout: cfg.External.Timeout.Duration,
		VipsConcurrency: cfg.Vips.Concurrency,
		Logger:          logger.With("component", "engine"),
	})
	if err != nil {
		return nil, nil, err
	}
	closeEngine := func() {
		if c, ok := eng.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close engine", "error", err)
			}
		}
	}

	svc, err := proxy.New(proxy.Options{
		Resolver: resolver,
		Parser: transform.Parser{
			DefaultExtension: cfg.DefaultExtension,
			DefaultAnchor:    anchor,
		},
		Store:                 store,
		Engine:                eng,
		Blur:                  engine.NewRaster(cfg.Transform.BlurFactor, background),
		BlurRadius:            cfg.Transform.BlurRadius,
		BlurSigma:             cfg.Transform.BlurSigma,
		Workers:               cfg.Transform.Workers,
		Timeout:               cfg.Transform.Timeout.Duration,
		KeyIncludesSourceStat: cfg.Cache.KeyIncludesSourceStat,
		Logger:                logger,
	})
	if err != nil {
		closeEngine()
		return nil, nil, err
	}

	logger.Info("pipeline ready",
		"images_dir", resolver.Root(),
		"cache_dir", store.Root(),
		"backend", eng.Name(),
		"workers", svc.Workers())
	return svc, closeEngine, nil
}
