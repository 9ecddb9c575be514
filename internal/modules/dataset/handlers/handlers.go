// Package handlers provides HTTP handlers for dataset uploads.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aristath/qtrainer/internal/modules/dataset"
	"github.com/rs/zerolog"
)

// formField is the multipart field carrying the CSV.
const formField = "file"

// Uploader stores and reports on the dataset.
type Uploader interface {
	Upload(ctx context.Context, filename string, src io.Reader) (*dataset.Record, error)
	Current() *dataset.Record
}

// Handler provides HTTP handlers for dataset endpoints
type Handler struct {
	service Uploader
	log     zerolog.Logger
}

// NewHandler creates a new dataset handler
func NewHandler(service Uploader, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "dataset").Logger(),
	}
}

// HandleUpload handles POST /upload-csv
// The CSV is streamed from the "file" multipart part without buffering the
// whole form in memory.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, dataset.MaxUploadBytes+1<<20)

	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "No file provided")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Malformed multipart body")
			return
		}
		if part.FormName() != formField || part.FileName() == "" {
			part.Close()
			continue
		}

		rec, err := h.service.Upload(r.Context(), part.FileName(), part)
		part.Close()
		h.respond(w, rec, err)
		return
	}

	h.writeError(w, http.StatusBadRequest, "No file provided")
}

func (h *Handler) respond(w http.ResponseWriter, rec *dataset.Record, err error) {
	var invalid *dataset.InvalidError
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "CSV uploaded successfully",
			"path":    rec.Path,
			"summary": rec.Summary,
		})
	case errors.Is(err, dataset.ErrTrainingActive):
		h.writeError(w, http.StatusConflict, "Cannot replace dataset while training is running")
	case errors.As(err, &invalid):
		h.writeError(w, http.StatusBadRequest, invalid.Reason)
	case errors.As(err, &tooLarge):
		h.writeError(w, http.StatusRequestEntityTooLarge, "File too large")
	default:
		h.log.Error().Err(err).Msg("Failed to store dataset")
		h.writeError(w, http.StatusInternalServerError, "Failed to store dataset")
	}
}

// HandleGet handles GET /api/dataset
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec := h.service.Current()
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "No dataset uploaded")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
