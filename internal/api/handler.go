// Package api provides the HTTP and progress-socket API of the fleet
// orchestrator and agent processes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"fleet/internal/apperrors"
	"fleet/internal/health"
	"fleet/internal/job"
	"fleet/internal/registry"
	"fleet/internal/relay"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Progress sockets only carry small JSON frames. UI clients send nothing the
// server reads, so their limit is tight; agent frames carry a progress message.
const (
	maxClientFrameSize   = 4 << 10
	maxProgressFrameSize = 64 << 10
)

// Handler contains the HTTP handlers. Orchestrators set registry and proxy;
// agents set jobs, runner and relay.
type Handler struct {
	baseCtx  context.Context
	health   *health.Checker
	registry *registry.Store
	proxy    *Proxy
	jobs     *job.Store
	runner   *job.Runner
	relay    *relay.Relay
	upgrader websocket.Upgrader
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Progress sockets are opened from browser UIs on other origins.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Livez handles GET /livez - liveness check.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness check.
// Returns 503 while shutting down or when a dependency is unavailable.
// Degraded registration still reports ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// decodeJSON decodes a size-limited request body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeText writes a plain text response
func (h *Handler) writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	jsonError(w, status, message)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status, "requestId", RequestID(r.Context()))
	}
	h.writeError(w, status, err.Error())
}
