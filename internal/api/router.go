package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/health"
	"github.com/noah-isme/serial-entry/internal/obs"
)

// RouterConfig assembles the session API.
type RouterConfig struct {
	Sessions       Handler
	Health         health.Handler
	Logger         zerolog.Logger
	Metrics        *obs.HTTPMetrics
	MetricsHandler http.Handler
	Tracing        bool
	CORSOrigins    []string
	BodyLimit      int64
	Idempotency    Idempotency
	EditRate       EditRate
}

// NewRouter returns the HTTP handler of the session API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: cfg.Metrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: cfg.Logger}.Middleware)
	r.Use(SecurityHeaders)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
			MaxAge:         300,
		}))
	}

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	r.Get("/health/live", cfg.Health.Live)
	r.Get("/health/ready", cfg.Health.Ready)

	h := cfg.Sessions
	r.Route("/api/v1/sessions", func(s chi.Router) {
		s.Use(BodyLimit{Max: cfg.BodyLimit}.Middleware)
		s.Post("/", h.Open)
		s.Route("/{sessionID}", func(one chi.Router) {
			one.Get("/", h.Get)
			one.Delete("/", h.Close)
			one.Get("/quota/{itemNumber}", h.Quota)
			one.With(cfg.Idempotency.Middleware).Post("/save", h.Save)
			one.Route("/rows/{rowKey}", func(row chi.Router) {
				row.Get("/", h.Row)
				row.With(cfg.EditRate.Middleware).Patch("/", h.Edit)
				row.With(cfg.EditRate.Middleware).Post("/duplicate", h.Duplicate)
			})
		})
	})
	return r
}
