package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the training routes. The top-level paths are the
// ones the browser frontend polls.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/start-training", h.HandleStart)
	r.Post("/stop-training", h.HandleStop)
	r.Get("/training-status", h.HandleStatus)
	r.Get("/training-results", h.HandleResults)
	r.Get("/download-qtable", h.HandleDownloadModel)

	r.Get("/api/model", h.HandleModelInfo)
	r.Get("/api/training/status", h.HandleStatus)
	r.Get("/api/training/diagnostics", h.HandleDiagnostics)
	r.Get("/api/training/metrics", h.HandleMetrics)

	if h.eventBus != nil {
		r.Get("/ws/training", h.HandleLive)
	}
}
