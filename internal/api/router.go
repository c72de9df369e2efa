// Package api wires the HTTP surface of the sourcewatch agent and worker.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/alqutdigital/sourcewatch/internal/api/handlers"
	"github.com/alqutdigital/sourcewatch/internal/api/middleware"
	"github.com/alqutdigital/sourcewatch/pkg/metrics"
)

// RouterConfig holds CORS, timeout and rate limit settings.
type RouterConfig struct {
	CORS cors.Options

	// RequestTimeout covers the inline extraction batches of ask and refresh.
	RequestTimeout time.Duration

	EnableRateLimiting bool
	RateLimitConfig    middleware.RateLimitConfig
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CORS: cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			MaxAge:         300,
		},
		RequestTimeout:     5 * time.Minute,
		EnableRateLimiting: true,
		RateLimitConfig:    middleware.DefaultRateLimitConfig(),
	}
}

// Service is the agent surface served over HTTP.
type Service interface {
	handlers.SourceService
	handlers.AskService
	handlers.RefreshService
}

// Dependencies holds what the API handlers need. History and Metrics are
// optional.
type Dependencies struct {
	Logger         *slog.Logger
	Service        Service
	History        handlers.HistoryStore
	Metrics        *metrics.Metrics
	RateLimitStore middleware.RateLimitStore

	// Health holds readiness checks by component name. Nil entries report
	// "not configured".
	Health map[string]handlers.HealthChecker
}

// NewRouter builds the public API: health, readiness, metrics and the v1
// source, ask and refresh routes, each group behind its own rate limit.
func NewRouter(deps Dependencies, config RouterConfig) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(
		chimiddleware.RequestID,
		chimiddleware.RealIP,
		middleware.Logger(logger),
		middleware.Recoverer(logger),
	)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware(routePattern))
	}
	r.Use(chimiddleware.Timeout(config.RequestTimeout), cors.Handler(config.CORS))

	mountOps(r, deps.Health, deps.Metrics)

	limit := rateLimit(deps, config, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Use(limit(middleware.LimitSources))
			r.Get("/", handlers.HandleListSources(deps.Service, logger))
			r.Post("/", handlers.HandleRegisterSources(deps.Service, logger))
			r.Post("/deactivate", handlers.HandleDeactivateSources(deps.Service, logger))
			if deps.History != nil {
				r.Get("/{id}/history", handlers.HandleSourceHistory(deps.History, logger))
			}
		})
		r.With(limit(middleware.LimitAsk)).Post("/ask", handlers.HandleAsk(deps.Service, logger))
		r.With(limit(middleware.LimitRefresh)).Post("/refresh", handlers.HandleRefresh(deps.Service, logger))
	})

	return r
}

// NewOpsRouter serves health, readiness, metrics and an optional status
// document for background processes.
func NewOpsRouter(health map[string]handlers.HealthChecker, m *metrics.Metrics, status func() any) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	mountOps(r, health, m)
	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			handlers.RespondJSON(w, http.StatusOK, status())
		})
	}
	return r
}

func mountOps(r chi.Router, health map[string]handlers.HealthChecker, m *metrics.Metrics) {
	r.Get("/health", handlers.HealthCheck())
	r.Get("/ready", handlers.ReadyCheck(health))
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
}

// rateLimit returns a per-group middleware factory. With limiting disabled
// every group passes through.
func rateLimit(deps Dependencies, config RouterConfig, logger *slog.Logger) func(middleware.Group) func(http.Handler) http.Handler {
	if !config.EnableRateLimiting {
		return func(middleware.Group) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}

	store := deps.RateLimitStore
	if store == nil {
		store = middleware.NewMemoryRateLimitStore()
	}
	var recorder middleware.Recorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	limiter := middleware.NewRateLimiter(store, config.RateLimitConfig, recorder, logger)
	return limiter.Middleware
}

// routePattern labels metrics by matched chi route instead of raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
