package server

import (
	"net/http"
)

// GetPreview returns the preview state.
// GET /api/preview
func (h *Handler) GetPreview(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, h.orch.Preview().State())
}

// ReadyRequest is the body of POST /api/preview/ready.
type ReadyRequest struct {
	URL string `json:"url"`
}

// SignalPreviewReady applies an external readiness signal. Bound is false
// when no sandbox is booted or the preview was already bound.
// POST /api/preview/ready
func (h *Handler) SignalPreviewReady(w http.ResponseWriter, r *http.Request) {
	var req ReadyRequest
	if err := h.DecodeJSON(r, &req); err != nil || req.URL == "" {
		h.Error(w, http.StatusBadRequest, "url is required")
		return
	}

	bound := h.orch.SignalReady(req.URL)
	h.JSON(w, http.StatusOK, map[string]any{
		"bound":   bound,
		"preview": h.orch.Preview().State(),
	})
}
