package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/census"
	"github.com/couchcryptid/acs-housing-etl/internal/adapter/gcs"
	httpadapter "github.com/couchcryptid/acs-housing-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/acs-housing-etl/internal/adapter/kafka"
	"github.com/couchcryptid/acs-housing-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/acs-housing-etl/internal/adapter/ws"
	"github.com/couchcryptid/acs-housing-etl/internal/catalog"
	"github.com/couchcryptid/acs-housing-etl/internal/config"
	"github.com/couchcryptid/acs-housing-etl/internal/observability"
	"github.com/couchcryptid/acs-housing-etl/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("failed to load catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := census.NewClient(cfg, metrics, logger)
	cached := census.NewCachedClient(client, cfg.CensusCacheSize, cfg.CensusCacheTTL, clockwork.NewRealClock(), metrics)
	fetcher := census.NewFetcher(cached, cfg.CensusChunkSize, cfg.CensusConcurrent, logger)

	store, err := sqlite.Open(cfg.SQLitePath, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}

	loaders := pipeline.MultiLoader{store}
	closers := []io.Closer{store}

	// Optional sinks, feature-flagged via KAFKA_ENABLED / SNAPSHOT_BUCKET.
	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg, metrics, logger)
		loaders = append(loaders, writer)
		closers = append(closers, writer)
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka publishing disabled")
	}
	if cfg.SnapshotBucket != "" {
		snap, err := gcs.NewSnapshotter(ctx, cfg.SnapshotBucket, cfg.SnapshotPrefix, logger)
		if err != nil {
			logger.Error("failed to create snapshotter", "bucket", cfg.SnapshotBucket, "error", err)
			os.Exit(1)
		}
		loaders = append(loaders, snap)
		closers = append(closers, snap)
		logger.Info("gcs snapshots enabled", "bucket", cfg.SnapshotBucket, "prefix", cfg.SnapshotPrefix)
	}

	hub := ws.NewHub(logger)

	p := pipeline.New(cat, client,
		pipeline.NewExtractor(fetcher, logger),
		pipeline.NewTransformer(cat.AllMetrics(), logger),
		loaders,
		logger, metrics,
		pipeline.WithNotifier(hub),
		pipeline.WithStartYear(cfg.StartYear),
		pipeline.WithInterval(cfg.RefreshInterval),
	)

	srv := httpadapter.NewServer(cfg.HTTPAddr, store, cat, p, hub, logger)

	// Start event hub.
	go hub.Run(ctx)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start harvest loop.
	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Error("close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
