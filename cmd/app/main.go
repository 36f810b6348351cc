package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"citymap-poster-service/internal/config"
	pg "citymap-poster-service/internal/infra/db/postgres"
	"citymap-poster-service/internal/infra/geo"
	"citymap-poster-service/internal/infra/logging"
	"citymap-poster-service/internal/infra/metrics"
	"citymap-poster-service/internal/infra/osm"
	red "citymap-poster-service/internal/infra/redis"
	"citymap-poster-service/internal/infra/render"
	"citymap-poster-service/internal/infra/sched"
	"citymap-poster-service/internal/infra/themes"
	"citymap-poster-service/internal/infra/web"
	"citymap-poster-service/internal/infra/worker"
	"citymap-poster-service/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = godotenv.Load()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logging, verbose)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()
	tm := pg.NewTxManager(pool)
	jobRepo := pg.NewJobRepo(pool, tm)
	posterRepo := pg.NewPosterRepo(pool)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	defer redisClient.Close()
	geocodeCache := red.NewGeocodeCache(redisClient, cfg.Geocode.CacheTTL)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Adapters ----
	nominatim := geo.NewNominatimClient(cfg.Geocode, logger)
	resolver := geo.NewResolver(nominatim, geocodeCache, rateLimiter,
		cfg.Geocode.RateLimitWindow, cfg.Geocode.RateLimitMax, logger)
	fetcher := osm.NewOverpassClient(cfg.MapData, logger)
	renderer := render.NewRasterRenderer(cfg.Render, logger)

	catalog, err := themes.NewCatalog(cfg.Themes.Dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Themes.Dir).Msg("theme catalog load failed")
	}

	// ---- Use cases ----
	queue := worker.NewMemQueue(0)
	posterUC := usecase.NewPosterUseCase(jobRepo, posterRepo, tm, catalog, queue, logger)
	tracker := usecase.NewProgressTracker(jobRepo, logger)

	// ---- Workers ----
	renderPool := worker.NewPool(cfg.Render.Workers, logger)
	renderPool.Start(ctx)
	processor := worker.NewBatchProcessor(jobRepo, posterRepo, tm, catalog,
		resolver, fetcher, renderer, tracker, queue, worker.Config{
			OutputDir:    cfg.Render.OutputDir,
			FetchRetries: cfg.MapData.FetchRetries,
			RetryBackoff: cfg.MapData.RetryBackoff,
			JobTimeout:   cfg.Render.JobTimeout,
		}, logger)
	go processor.Start(ctx, renderPool)

	reaper := sched.NewTimeoutReaper(time.Minute, cfg.Render.JobTimeout, jobRepo, logger)
	go func() { _ = reaper.Run(ctx) }()

	// ---- HTTP ----
	server := web.NewServer(cfg.Server.Port, posterUC, resolver.Resolve, catalog, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	renderPool.Stop()
}
