package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/demopilot/demopilot/internal/http/handlers"
	httpmiddleware "github.com/demopilot/demopilot/internal/http/middleware"
	"github.com/demopilot/demopilot/internal/live"
	"github.com/demopilot/demopilot/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Sessions           *handlers.SessionHandler
	TavusWebhooks      *handlers.TavusWebhookHandler
	LiveHub            *live.Hub
	MetricsHandler     http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks, live feed)
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.TavusWebhooks != nil {
			public.Post("/webhooks/tavus", cfg.TavusWebhooks.Handle)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.LiveHub != nil {
			public.Get("/live/tool-calls", cfg.LiveHub.HandleToolCalls)
		}
	})

	// Visitor-facing session lifecycle, rate limited per IP.
	if cfg.Sessions != nil {
		r.Group(func(sessions chi.Router) {
			if cfg.RateLimitPerSecond > 0 {
				sessions.Use(httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
					PerSecond: cfg.RateLimitPerSecond,
					Burst:     cfg.RateLimitBurst,
				}))
			}
			sessions.Post("/sessions/start", cfg.Sessions.Start)
			sessions.Post("/sessions/end", cfg.Sessions.End)
		})
	}

	// Admin routes (protected by JWT)
	if cfg.AdminAuthSecret != "" && cfg.Sessions != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/sessions", cfg.Sessions.ListSessions)
		})
	}

	return r
}
