package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/vooli/config"
	"github.com/mohammad-safakhou/vooli/internal/catalog"
	"github.com/mohammad-safakhou/vooli/internal/chat"
	"github.com/mohammad-safakhou/vooli/internal/fanout"
	"github.com/mohammad-safakhou/vooli/internal/logging"
	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/pipeline"
	"github.com/mohammad-safakhou/vooli/internal/runtime"
	"github.com/mohammad-safakhou/vooli/internal/store"
	"github.com/mohammad-safakhou/vooli/internal/telemetry"
	"github.com/mohammad-safakhou/vooli/provider"
	"github.com/mohammad-safakhou/vooli/tools/web_fetch"
	"github.com/mohammad-safakhou/vooli/tools/web_search"
)

// app holds the shared dependencies (top-level DI) for every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *telemetry.Metrics
	tracing telemetry.ShutdownFunc
	store   *store.Store
	rdb     *redis.Client
	hub     *metadata.Hub
	catalog *catalog.Catalog
	orch    *pipeline.Orchestrator
	chat    *chat.Service
	secret  []byte
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging, !cfg.General.Production())
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}
	if a.tracing, err = telemetry.SetupTracing(ctx, cfg.Telemetry, "vooli", version); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	pgTimeout := cfg.Storage.Postgres.Timeout
	if pgTimeout <= 0 {
		pgTimeout = 10 * time.Second
	}
	pgCtx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	if a.store, err = store.NewWithDSN(pgCtx, cfg.Storage.Postgres.DSN()); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	var backend metadata.Backend = metadata.MemoryBackend{}
	if cfg.Pipeline.Metadata == "redis" || cfg.Reaper.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			DialTimeout: cfg.Storage.Redis.Timeout,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		if cfg.Pipeline.Metadata == "redis" {
			backend = metadata.NewRedisBackend(a.rdb, cfg.Pipeline.ArchiveTTL)
		}
	}
	a.hub = metadata.NewHub(backend, cfg.Pipeline.ArchiveTTL, logger, a.metrics)

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		a.close()
		return nil, err
	}
	searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.Search.Provider), cfg.Search.APIKey, cfg.Search.Timeout)
	if err != nil {
		a.close()
		return nil, err
	}
	fetcher, err := web_fetch.NewWebFetcher(web_fetch.FetcherType(cfg.Fetch.Fetcher), cfg.Fetch.Timeout, cfg.Fetch.MaxChars, cfg.Fetch.UserAgent)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.catalog, err = catalog.New(); err != nil {
		a.close()
		return nil, err
	}

	enricher := &fanout.Enricher{
		Scraper:   fetcher,
		Completer: llm,
		Writer:    a.store,
		Indexer:   a.catalog,
		Logger:    logger.Named("enrich"),
	}
	executor := fanout.NewExecutor(enricher.Enrich, cfg.Pipeline.EnrichConcurrency, logger, a.metrics)
	a.orch = pipeline.NewOrchestrator(llm, searcher, executor, a.store, a.hub, cfg.Pipeline, logger, a.metrics)

	if a.secret, err = runtime.LoadJWTSecret(cfg); err != nil {
		a.close()
		return nil, err
	}
	a.chat = chat.NewService(a.store, a.orch, a.hub, a.catalog, chat.Options{
		Secret:     a.secret,
		TokenTTL:   cfg.Server.RunTokenTTL,
		RunTimeout: cfg.Pipeline.RunTimeout,
	}, logger)
	return a, nil
}

func (a *app) close() {
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracing(ctx); err != nil {
			a.logger.Warn("flush traces", zap.Error(err))
		}
		cancel()
	}
	if a.catalog != nil {
		_ = a.catalog.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logger.Sync()
}
