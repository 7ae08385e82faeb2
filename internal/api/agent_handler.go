package api

import (
	"net/http"

	"fleet/internal/job"
	"fleet/internal/relay"
)

// StartJob handles POST /analyze on an agent.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req job.AnalyzeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	jobID, err := h.runner.Start(req.TargetKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, job.AnalyzeResponse{JobID: jobID})
}

// ListJobs handles GET /jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, job.ListResponse{Jobs: h.jobs.List()})
}

// GetJob handles GET /jobs/{jobId} on an agent.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	j, ok := h.jobs.Get(jobID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "job "+jobID+" not found")
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// GetArtifact handles GET /artifacts?key=K on an agent.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "key parameter is required")
		return
	}

	a, ok := h.jobs.Artifact(key)
	if !ok {
		h.writeError(w, http.StatusNotFound, "artifact "+key+" not found")
		return
	}
	h.writeText(w, http.StatusOK, a.Content)
}

// JobProgress handles SOCKET /progress?jobId=J. The client receives a
// connected ack, the job's current state, then every progress broadcast.
// Frames sent by the client are discarded.
func (h *Handler) JobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "jobId parameter is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}
	conn.SetReadLimit(maxClientFrameSize)

	snapshot := func() (relay.Message, bool) {
		j, ok := h.jobs.Get(jobID)
		if !ok {
			return relay.Message{}, false
		}
		return relay.Message{Status: string(j.Status), Progress: j.Progress, Error: j.Error}, true
	}

	if err := h.relay.AddListenerWithSnapshot(jobID, conn, snapshot); err != nil {
		h.relay.RemoveListener(jobID, conn)
		_ = conn.Close()
		return
	}
	defer func() {
		h.relay.RemoveListener(jobID, conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
