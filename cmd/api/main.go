package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/api"
	"github.com/noah-isme/serial-entry/internal/config"
	"github.com/noah-isme/serial-entry/internal/health"
	"github.com/noah-isme/serial-entry/internal/obs"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/queue"
	"github.com/noah-isme/serial-entry/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	apiLogger := obs.Component(logger, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.Tracing("serial-entry-api"))
	if err != nil {
		apiLogger.Fatal().Err(err).Msg("init tracer")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			apiLogger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs.MustRegisterEngineMetrics(cfg.MetricsNamespace, reg)
	resilience.MustRegisterMetrics(cfg.MetricsNamespace, reg)
	api.MustRegisterMetrics(cfg.MetricsNamespace, reg)
	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, cfg.API.MetricsBucketsMS, reg)

	statements := mustLoadStatements(cfg, apiLogger)

	pool := mustInitDatabase(ctx, cfg, apiLogger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, apiLogger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			apiLogger.Error().Err(err).Msg("close redis")
		}
	}()

	breaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("query").
		WithLogger(apiLogger)

	cached := make(map[string]bool, len(cfg.API.CachedStatements))
	for _, name := range cfg.API.CachedStatements {
		cached[name] = true
	}
	finder := query.Instrumented{Next: &query.CachedFinder{
		Next: &query.PGFinder{
			Pool:       pool,
			Statements: statements,
			Breaker:    breaker,
			Logger:     obs.Component(logger, "query"),
		},
		Cache:  query.NewCache(redisClient, cfg.QueuePrefix+":query", cfg.ConditionCacheTTL),
		Names:  cached,
		Logger: obs.Component(logger, "query"),
	}}

	persister := &queue.Persister{
		Enqueuer: queue.Enqueuer{
			R:           redisClient,
			Prefix:      cfg.QueuePrefix,
			DedupTTL:    cfg.QueueDedupTTL,
			MaxAttempts: cfg.QueueMaxAttempts,
		},
		MaxAttempts:   cfg.QueueMaxAttempts,
		ResultTimeout: cfg.QueueResultTimeout,
		Logger:        obs.Component(logger, "persister"),
	}

	sessions := api.NewRegistry(&api.Factory{
		Finder:    finder,
		Converter: cfg.Converter(),
		Persister: persister,
		Options:   cfg.SessionOptions(),
		Logger:    logger,
	}, cfg.API.SessionIdleTTL, apiLogger)
	go sessions.Run(ctx, cfg.API.SessionIdleTTL/4)

	router := api.NewRouter(api.RouterConfig{
		Sessions: api.Handler{Sessions: sessions, BuildTimeout: cfg.API.BuildTimeout, Logger: apiLogger},
		Health: health.Handler{
			Checker:  health.Stores{DB: pool, Redis: redisClient},
			Breakers: map[string]*resilience.Breaker{"query": breaker},
		},
		Logger:         apiLogger,
		Metrics:        httpMetrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Tracing:        cfg.TracingEnabled,
		CORSOrigins:    cfg.API.CORSAllowedOrigins,
		BodyLimit:      cfg.API.BodyLimitBytes,
		Idempotency:    api.Idempotency{R: redisClient, Prefix: cfg.QueuePrefix, TTL: cfg.API.IdempotencyTTL},
		EditRate: api.EditRate{
			Limiter: api.Limiter{R: redisClient, Prefix: cfg.QueuePrefix},
			Window:  cfg.API.EditRateWindow,
			Max:     cfg.API.EditRateMax,
			Logger:  apiLogger,
		},
	})

	var handler http.Handler = router
	if cfg.AppEnv != "production" {
		mux := chi.NewRouter()
		mux.Mount("/debug/pprof", pprofMux())
		mux.Mount("/", router)
		handler = mux
	}

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.API.BuildTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		apiLogger.Info().Str("addr", srv.Addr).Int("statements", len(statements)).Msg("session api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiLogger.Error().Err(err).Msg("session api stopped")
			stop()
		}
	}()

	<-ctx.Done()
	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		apiLogger.Error().Err(err).Msg("shutdown session api")
	}
	apiLogger.Info().Int("open_sessions", sessions.Len()).Msg("session api shutdown complete")
}

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	return mux
}

func mustLoadStatements(cfg *config.Config, logger zerolog.Logger) map[string]query.Statement {
	if cfg.API.StatementsFile == "" {
		logger.Fatal().Msg("API_STATEMENTS_FILE is required")
	}
	f, err := os.Open(cfg.API.StatementsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("open statements")
	}
	defer f.Close()
	stmts, err := query.LoadStatements(f)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.API.StatementsFile).Msg("load statements")
	}
	return stmts
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{Component: "query"}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "serial-entry-api"

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}
