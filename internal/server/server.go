// Package server runs the API and metrics listeners of a fleet process and
// waits for the signal that stops them.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Group is the API server plus the Prometheus metrics server.
type Group struct {
	api       *http.Server
	metrics   *http.Server
	serverErr chan error
}

// NewGroup creates the API server on port and the metrics server on
// metricsPort. baseCtx becomes every request's base context.
func NewGroup(baseCtx context.Context, port string, handler http.Handler, metricsPort string, metricsHandler http.Handler) *Group {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)

	return &Group{
		api: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			BaseContext:  func(net.Listener) context.Context { return baseCtx },
		},
		metrics: &http.Server{
			Addr:         ":" + metricsPort,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		serverErr: make(chan error, 2),
	}
}

// Start serves both listeners in the background.
func (g *Group) Start() {
	go g.serve("API", g.api)
	go g.serve("metrics", g.metrics)
}

func (g *Group) serve(name string, srv *http.Server) {
	slog.Info("Starting "+name+" server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		g.serverErr <- err
	}
}

// Wait blocks until SIGINT/SIGTERM or a listener fails. A listener failure
// is returned; a signal returns nil.
func (g *Group) Wait() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
		return nil
	case err := <-g.serverErr:
		slog.Error("Server failed", "error", err)
		return err
	}
}

// Shutdown closes both servers gracefully within timeout. Upgraded progress
// sockets are not tracked by the servers and must be closed separately.
func (g *Group) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := g.api.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("API server shutdown error", "error", err)
	}
	if err := g.metrics.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}
}
