// Package http provides the loopback HTTP transport for outboxd.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /v1/messages
//	GET    /v1/messages
//	GET    /v1/messages/{id}
//	POST   /v1/messages/{id}/retry
//	DELETE /v1/messages/{id}
//	GET    /v1/stats
//	POST   /v1/flush
//	GET    /v1/network
//	POST   /v1/network
//	GET    /v1/failed
//	POST   /v1/failed/replay
//	DELETE /v1/failed
//	GET    /v1/namespaces
//	DELETE /v1/namespaces/{ns}
//	GET    /v1/events
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/outboxq/internal/config"
	"github.com/snehjoshi/outboxq/internal/dlq"
	"github.com/snehjoshi/outboxq/internal/metrics"
	"github.com/snehjoshi/outboxq/internal/namespace"
	"github.com/snehjoshi/outboxq/internal/outbox"
	transportws "github.com/snehjoshi/outboxq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with outboxd route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around a Coordinator.
// ns and reg may be nil. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(c *outbox.Coordinator, ns *namespace.Registry, cfg *config.Config, reg *metrics.Registry, deviceID string) *Server {
	h := &Handler{
		outbox:   c,
		dlq:      dlq.NewManager(c),
		ns:       ns,
		activeNS: cfg.Storage.Namespace,
		deviceID: deviceID,
	}
	ws := &transportws.Handler{Outbox: c}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Messages
	mux.HandleFunc("POST /v1/messages", h.enqueueMessage)
	mux.HandleFunc("GET /v1/messages", h.listMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.getMessage)
	mux.HandleFunc("POST /v1/messages/{id}/retry", h.retryMessage)
	mux.HandleFunc("DELETE /v1/messages/{id}", h.discardMessage)

	// Queue
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("POST /v1/flush", h.flush)

	// Network
	mux.HandleFunc("GET /v1/network", h.getNetwork)
	mux.HandleFunc("POST /v1/network", h.reportNetwork)

	// Failed entries
	mux.HandleFunc("GET /v1/failed", h.listFailed)
	mux.HandleFunc("POST /v1/failed/replay", h.replayFailed)
	mux.HandleFunc("DELETE /v1/failed", h.purgeFailed)

	// Namespace management
	mux.HandleFunc("GET /v1/namespaces", h.listNamespaces)
	mux.HandleFunc("DELETE /v1/namespaces/{ns}", h.wipeNamespace)

	// WebSocket push
	mux.Handle("GET /v1/events", ws)

	// Metrics (Prometheus text format)
	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware(cfg.Server.CORSOrigins),
		MaxBodyMiddleware(int64(cfg.Server.MaxBodyKB)<<10),
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.Server.RatePerSec), cfg.Server.RateBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. "127.0.0.1:8787").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
