package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the dataset routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/upload-csv", h.HandleUpload)
	r.Get("/api/dataset", h.HandleGet)
}
