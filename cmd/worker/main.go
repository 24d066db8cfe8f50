package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/config"
	"github.com/noah-isme/serial-entry/internal/health"
	"github.com/noah-isme/serial-entry/internal/lock"
	"github.com/noah-isme/serial-entry/internal/obs"
	"github.com/noah-isme/serial-entry/internal/queue"
	"github.com/noah-isme/serial-entry/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.Component(obs.NewLogger(cfg.LogFormat, cfg.LogLevel), "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.Tracing("serial-entry-worker"))
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracer")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs.MustRegisterEngineMetrics(cfg.MetricsNamespace, reg)
	resilience.MustRegisterMetrics(cfg.MetricsNamespace, reg)
	queue.MustRegisterMetrics(cfg.MetricsNamespace, reg)

	tables := mustLoadTables(cfg, logger)

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	breaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("changeset_store").
		WithLogger(logger)
	store := &changeset.PGStore{
		Pool:    pool,
		Tables:  tables,
		Breaker: breaker,
		Logger:  obs.Component(logger, "changeset"),
	}
	dlq := queue.NewStore(pool)
	if err := queue.RefreshDLQSize(ctx, dlq); err != nil {
		logger.Warn().Err(err).Msg("read dlq size")
	}

	handler := queue.ChangesetHandler{
		R:         redisClient,
		Prefix:    cfg.QueuePrefix,
		Store:     store,
		Locker:    &lock.Locker{R: redisClient, Prefix: cfg.QueuePrefix},
		LockTTL:   cfg.QueueVisibilityTimeout,
		ResultTTL: cfg.QueueResultTimeout,
		Logger:    logger,
	}
	worker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueuePrefix,
		Kind:              queue.KindChangeset,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		SoftDeadline:      cfg.QueueSoftDeadline,
		RetryBase:         cfg.QueueRetryBase,
		RetryMax:          cfg.QueueRetryMax,
		RetryJitter:       cfg.QueueRetryJitter,
		Store:             dlq,
		Logger:            &logger,
		Handler:           handler.Handle,
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           opsRouter(reg, health.Handler{Checker: health.Stores{DB: pool, Redis: redisClient}, Breakers: map[string]*resilience.Breaker{"changeset_store": breaker}}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("ops server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("ops server stopped")
			}
		}()
	}

	logger.Info().Strs("info_areas", store.InfoAreas()).Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}

	health.SetReady(false)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown ops server")
		}
	}
}

func opsRouter(reg *prometheus.Registry, h health.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	return r
}

func mustLoadTables(cfg *config.Config, logger zerolog.Logger) map[string]changeset.Table {
	if cfg.ChangesetTablesFile == "" {
		logger.Fatal().Msg("CHANGESET_TABLES_FILE is required")
	}
	f, err := os.Open(cfg.ChangesetTablesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("open change-set tables")
	}
	defer f.Close()
	tables, err := changeset.LoadTables(f)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.ChangesetTablesFile).Msg("load change-set tables")
	}
	return tables
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{Component: "changeset"}
	if floor := int32(cfg.QueueConcurrency) + 2; poolConfig.MaxConns < floor {
		poolConfig.MaxConns = floor
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

