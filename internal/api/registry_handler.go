package api

import (
	"net/http"
	"net/url"
	"strings"

	"fleet/internal/registration"
	"fleet/internal/registry"
)

// Register handles POST /register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registration.RegisterRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	req.URL = strings.TrimRight(strings.TrimSpace(req.URL), "/")
	if u, err := url.Parse(req.URL); err != nil || u.Scheme == "" || u.Host == "" {
		h.writeError(w, http.StatusBadRequest, "url must be an absolute URL")
		return
	}

	id := h.registry.Register(strings.TrimSpace(req.ParentID), req.URL)
	h.writeJSON(w, http.StatusOK, registration.RegisterResponse{ID: id, URL: req.URL})
}

// List handles GET /list and GET /list?parentId=X
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var out []registry.Registrant
	if parentID := r.URL.Query().Get("parentId"); parentID != "" {
		out = h.registry.GetByParent(parentID)
	} else {
		out = h.registry.GetAll()
	}
	if out == nil {
		out = []registry.Registrant{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Heartbeat handles POST /{id}/heartbeat. Unknown ids still get 200.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.registry.UpdateHeartbeat(r.PathValue("id"))
	w.WriteHeader(http.StatusOK)
}

// UpdateStatus handles POST /{id}/status. Unknown ids still get 200.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req registration.StatusRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	status, ok := registry.ParseStatus(req.Status)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}

	h.registry.UpdateStatus(r.PathValue("id"), status)
	w.WriteHeader(http.StatusOK)
}

// Unregister handles POST /{id}/unregister
func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.registry.Unregister(id) {
		h.writeError(w, http.StatusNotFound, "registrant "+id+" not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}
