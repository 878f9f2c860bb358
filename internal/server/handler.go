// Package server exposes the orchestrator over HTTP: REST endpoints for the
// sandbox, files, terminal and preview, a websocket terminal and an SSE event
// stream.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/obot-platform/previewbox/internal/events"
	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/metrics"
	"github.com/obot-platform/previewbox/internal/orchestrator"
	"github.com/obot-platform/previewbox/internal/preview"
	"github.com/obot-platform/previewbox/internal/store"
)

// Handler contains all HTTP handlers
type Handler struct {
	orch    *orchestrator.Orchestrator
	store   *store.Store
	broker  *events.Broker
	metrics *metrics.Metrics
	log     *logger.Logger
}

// Deps are the components served by the Handler. Store and Broker are
// optional; without them files are not persisted and /api/events is absent.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	Broker       *events.Broker
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		orch:    d.Orchestrator,
		store:   d.Store,
		broker:  d.Broker,
		metrics: d.Metrics,
		log:     log.Named("http"),
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// surface returns the preview surface handed to Boot.
func (h *Handler) surface() preview.Surface {
	if h.broker == nil {
		return nil
	}
	return h.broker.Surface()
}
