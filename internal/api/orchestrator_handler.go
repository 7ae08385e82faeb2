package api

import (
	"net/http"

	"fleet/internal/job"
)

// RouteJob handles POST /analyze on an orchestrator. The job runs on the
// first available agent; the response carries the session id for progress.
func (h *Handler) RouteJob(w http.ResponseWriter, r *http.Request) {
	var req job.AnalyzeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.proxy.Analyze(r.Context(), req.TargetKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ForwardJob handles GET /jobs/{jobId} on an orchestrator.
func (h *Handler) ForwardJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.proxy.Job(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// FindArtifact handles GET /artifacts?key=K on an orchestrator.
func (h *Handler) FindArtifact(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "key parameter is required")
		return
	}

	content, err := h.proxy.Artifact(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeText(w, http.StatusOK, content)
}

// SessionProgress handles SOCKET /progress?sid=S by bridging the client to
// the owning agent's /progress?jobId= socket.
func (h *Handler) SessionProgress(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		h.writeError(w, http.StatusBadRequest, "sid parameter is required")
		return
	}

	sess, upstream, err := h.proxy.Upstream(r.Context(), sid)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	ui, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = upstream.Close()
		return
	}
	ui.SetReadLimit(maxClientFrameSize)

	// Hijacked connections outlive server shutdown, so the bridge is bound
	// to the process context rather than the request.
	_ = h.proxy.Bridge(h.baseCtx, sess, ui, upstream)
}
