// Attestation count gateway.
// Serves per-network and all-networks EAS attestation counts over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/attestgateway/internal/aggregator"
	"github.com/gateway-fm/attestgateway/internal/cache"
	"github.com/gateway-fm/attestgateway/internal/config"
	"github.com/gateway-fm/attestgateway/internal/metrics"
	"github.com/gateway-fm/attestgateway/internal/registry"
	"github.com/gateway-fm/attestgateway/internal/storage"
	"github.com/gateway-fm/attestgateway/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	networks, err := cfg.Networks()
	if err != nil {
		return err
	}
	logger.Info("loaded networks", "count", networks.Len(), "ids", networks.IDs())

	counts := cache.New(cfg.CacheSize)
	client := registry.NewGraphQLClient(registry.ClientConfig{
		Timeout: cfg.UpstreamTimeout,
		Logger:  logger,
	})
	promMetrics := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer, networks.IDs())

	hub := transport.NewHub(logger, cfg.CORSAllowedOrigins)
	hub.Start()
	defer hub.Stop()

	aggOpts := []aggregator.Option{
		aggregator.WithTTL(cfg.CacheTTL),
		aggregator.WithCacheFailures(cfg.CacheFailures),
		aggregator.WithFetchTimeout(cfg.UpstreamTimeout),
		aggregator.WithLogger(logger),
		aggregator.WithObserver(promMetrics),
		aggregator.WithObserver(hub),
	}
	serverOpts := []transport.ServerOption{
		transport.WithHub(hub),
		transport.WithRequestMetrics(promMetrics),
	}

	if cfg.DatabasePath != "" {
		store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("initialized lookup log", "path", cfg.DatabasePath)

		recorder := storage.NewRecorder(store, logger)
		// Runs before store.Close so buffered events are flushed.
		defer recorder.Close()

		aggOpts = append(aggOpts, aggregator.WithObserver(recorder))
		serverOpts = append(serverOpts, transport.WithStorage(store))
	}

	agg := aggregator.New(networks, client, counts, aggOpts...)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: transport.NewServer(agg, logger, cfg.CORSAllowedOrigins, serverOpts...).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server",
			"addr", cfg.ListenAddr,
			"cacheTTL", cfg.CacheTTL.String(),
			"cacheSize", cfg.CacheSize,
			"cacheFailures", cfg.CacheFailures,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
