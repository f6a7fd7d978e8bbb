package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/contentguard/contentguard/internal/database"
	mw "github.com/contentguard/contentguard/internal/middleware"
	inats "github.com/contentguard/contentguard/internal/nats"
	iredis "github.com/contentguard/contentguard/internal/redis"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Auth handlers
	Register http.HandlerFunc
	Login    http.HandlerFunc
	Refresh  http.HandlerFunc
	Logout   http.HandlerFunc

	// Analysis and usage
	Analyze      http.HandlerFunc
	Usage        http.HandlerFunc
	UsageHistory http.HandlerFunc

	// Admin
	ResetLimits  http.HandlerFunc
	UpdateLimits http.HandlerFunc

	// AuthMiddleware requires a valid access token.
	AuthMiddleware func(http.Handler) http.Handler
	// IdentityMiddleware resolves the caller, falling back to an anonymous
	// identity keyed by client IP.
	IdentityMiddleware func(http.Handler) http.Handler
	RequireAdmin       func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler
}

// NewRouter wires the HTTP surface. natsClient may be nil.
func NewRouter(pool *pgxpool.Pool, rdb redis.UniversalClient, natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK

		if pool == nil || database.HealthCheck(r.Context(), pool) != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		// Counters of anonymous callers, cooldowns and the global premium
		// cap all live in Redis.
		if rdb == nil || iredis.HealthCheck(r.Context(), rdb) != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		// Usage events are best effort; a broken NATS link degrades but
		// does not take the service out of rotation.
		if natsClient == nil {
			health["nats"] = "not configured"
		} else if !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth routes (public), optionally rate-limited
		r.Route("/auth", func(r chi.Router) {
			if cfg.AuthRateLimiter != nil {
				r.Use(cfg.AuthRateLimiter)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)
				r.Post("/logout", h.Logout)
			})
		})

		// Open to anonymous callers
		r.Group(func(r chi.Router) {
			r.Use(h.IdentityMiddleware)

			r.Post("/analyze", h.Analyze)
			r.Get("/usage", h.Usage)
			r.Get("/usage/history", h.UsageHistory)

			r.Route("/admin/users/{userID}", func(r chi.Router) {
				r.Use(h.RequireAdmin)
				r.Post("/reset-limits", h.ResetLimits)
				r.Put("/limits", h.UpdateLimits)
			})
		})
	})

	return r
}
