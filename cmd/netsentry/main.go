// Package main is the entry point for the NetSentry collection service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/netsentry/internal/alert"
	"github.com/lvonguyen/netsentry/internal/api"
	"github.com/lvonguyen/netsentry/internal/collector"
	"github.com/lvonguyen/netsentry/internal/config"
	"github.com/lvonguyen/netsentry/internal/controller"
	"github.com/lvonguyen/netsentry/internal/enrich"
	"github.com/lvonguyen/netsentry/internal/observability"
	"github.com/lvonguyen/netsentry/internal/repository"
	"github.com/lvonguyen/netsentry/internal/scheduler"
	"github.com/lvonguyen/netsentry/internal/settings"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("NetSentry %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.Config{
		ServiceName:    "netsentry",
		ServiceVersion: Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting NetSentry",
		zap.String("version", Version),
		zap.String("config", *configPath))

	metrics := observability.NewMetrics()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv(cfg.Redis.PasswordEnv),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	repo, err := repository.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("opening event store", zap.Error(err))
	}

	apiClient, err := controller.NewClient(cfg.Controller)
	if err != nil {
		logger.Fatal("creating controller client", zap.Error(err))
	}
	coll := collector.New(apiClient, logger, metrics)

	settingsStore := settings.NewRedisStore(redisClient)

	var enricher enrich.Service
	if cfg.Enrichment.Enabled && cfg.Enrichment.BaseURL != "" {
		enricher = enrich.NewGeoService(cfg.Enrichment, redisClient, logger)
	}

	bus, err := alert.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
	if err != nil {
		logger.Fatal("connecting to alert bus", zap.Error(err))
	}
	defer bus.Close()

	sched := scheduler.New(
		cfg.Collection, cfg.Analysis,
		coll, repo, settingsStore, enricher, bus,
		logger, metrics,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)

	limiter := api.NewRateLimiter(redisClient, cfg.Server.RateLimitPerMinute, logger)
	srv := api.NewServer(sched, repo, settingsStore, limiter, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	logger.Info("stopped")
}
