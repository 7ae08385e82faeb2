package api

import (
	"context"
	"net/http"

	"fleet/internal/health"
	"fleet/internal/job"
	"fleet/internal/registry"
	"fleet/internal/relay"
)

// RouterConfig holds dependencies for the router. Registry routes are
// mounted when Registry is set; orchestrator routes when Proxy is set;
// agent routes when Runner is set. Proxy and Runner are exclusive.
type RouterConfig struct {
	BaseContext   context.Context // bounds long-lived progress sockets
	HealthChecker *health.Checker
	Metrics       MetricsRecorder
	APIKey        string

	// Orchestrator
	Registry *registry.Store
	Proxy    *Proxy

	// Agent
	Jobs   *job.Store
	Runner *job.Runner
	Relay  *relay.Relay
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := &Handler{
		baseCtx:  cfg.BaseContext,
		health:   cfg.HealthChecker,
		registry: cfg.Registry,
		proxy:    cfg.Proxy,
		jobs:     cfg.Jobs,
		runner:   cfg.Runner,
		relay:    cfg.Relay,
		upgrader: newUpgrader(),
	}
	if handler.baseCtx == nil {
		handler.baseCtx = context.Background()
	}

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness) - no auth required
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)

	if cfg.Registry != nil {
		mux.Handle("POST /register", auth(http.HandlerFunc(handler.Register)))
		mux.Handle("GET /list", auth(http.HandlerFunc(handler.List)))
		mux.Handle("POST /{id}/heartbeat", auth(http.HandlerFunc(handler.Heartbeat)))
		mux.Handle("POST /{id}/status", auth(http.HandlerFunc(handler.UpdateStatus)))
		mux.Handle("POST /{id}/unregister", auth(http.HandlerFunc(handler.Unregister)))
	}

	switch {
	case cfg.Proxy != nil:
		mux.Handle("POST /analyze", auth(http.HandlerFunc(handler.RouteJob)))
		mux.Handle("GET /jobs/{jobId}", auth(http.HandlerFunc(handler.ForwardJob)))
		mux.Handle("GET /artifacts", auth(http.HandlerFunc(handler.FindArtifact)))
		// The sid is the capability; browsers cannot set headers on sockets.
		mux.HandleFunc("GET /progress", handler.SessionProgress)

	case cfg.Runner != nil:
		mux.Handle("POST /analyze", auth(http.HandlerFunc(handler.StartJob)))
		mux.Handle("GET /jobs", auth(http.HandlerFunc(handler.ListJobs)))
		mux.Handle("GET /jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
		mux.Handle("GET /artifacts", auth(http.HandlerFunc(handler.GetArtifact)))
		mux.Handle("GET /progress", auth(http.HandlerFunc(handler.JobProgress)))
	}

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
