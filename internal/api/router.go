package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/flight"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/internal/websocket"
	"github.com/kafly/skymetrics/pkg/logger"
)

// Router builds the HTTP surface: the REST snapshot API, the
// Prometheus endpoint, and the pilot WebSocket upgrade path.
type Router struct {
	handler  *Handler
	wsServer *websocket.Server
	config   *config.Config
	logger   *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(registry *session.Registry, ingest *flight.Handler, wsServer *websocket.Server, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		handler:  NewHandler(registry, ingest, wsServer, log),
		wsServer: wsServer,
		config:   cfg,
		logger:   log.Named("api-router"),
	}
}

// Routes returns the assembled HTTP handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowedOrigins := rt.config.Server.CORSAllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Pilot clients connect here; exempt from the API rate limit.
	r.Get("/ws", rt.wsServer.HandleConnection)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		if rt.config.Server.RateLimitPerSecond > 0 {
			rl := newRateLimiter(rt.config.Server.RateLimitPerSecond, rt.config.Server.RateLimitBurst)
			r.Use(rl.Middleware)
		}

		r.Get("/status", rt.handler.GetStatus)
		r.Get("/sessions", rt.handler.GetSessions)
		r.Get("/sessions/{identity}", rt.handler.GetSession)
	})

	return r
}
