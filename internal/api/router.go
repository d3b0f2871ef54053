// Package api assembles the HTTP surface: the fixed protocol routes, the
// metrics endpoint, and the websocket event stream.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"teamrouter/internal/api/handlers"
	apimw "teamrouter/internal/api/middleware"
	ws "teamrouter/internal/api/websocket"
	"teamrouter/internal/metrics"
)

// Options bundles the pieces the HTTP router mounts.
type Options struct {
	Server       *handlers.Server
	Hub          *ws.Hub
	Metrics      *metrics.Metrics
	Log          *zap.Logger
	RateLimitRPS int
}

// NewRouter wires the protocol endpoints. Unknown paths return 404
// {"error":"not found"} regardless of method.
func NewRouter(opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(apimw.Recover(log))
	r.Use(apimw.Logging(log))
	r.Use(apimw.NewRateLimiter(opts.RateLimitRPS, 0).Middleware)

	server := opts.Server
	r.Post("/messages", server.Messages)
	r.Post("/acks", server.Acks)
	r.Post("/presence/register", server.PresenceRegister)
	r.Post("/presence/heartbeat", server.PresenceHeartbeat)
	r.Get("/status", server.Status)
	r.Get("/trace", server.Trace)
	r.Get("/inbox", server.Inbox)
	r.Get("/presence", server.Presence)
	r.Get("/health", server.Health)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Hub != nil {
		r.Get("/ws", opts.Hub.ServeWS)
	}

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.NotFound)
	return r
}
