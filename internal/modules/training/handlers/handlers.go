// Package handlers provides HTTP handlers for the training job.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aristath/qtrainer/internal/events"
	"github.com/aristath/qtrainer/internal/modules/training"
	"github.com/aristath/qtrainer/internal/modules/training/results"
	"github.com/aristath/qtrainer/pkg/formulas"
	"github.com/rs/zerolog"
)

const maxStartBodyBytes = 64 * 1024

// tradingDaysPerYear annualizes the Sharpe ratio of daily Close data.
const tradingDaysPerYear = 252

// JobController is the part of the training controller the handlers drive.
type JobController interface {
	Start(ctx context.Context, params training.Parameters, datasetReady bool) error
	Stop() bool
	Snapshot() training.Snapshot
}

// DatasetGate reports whether a validated dataset is present.
type DatasetGate interface {
	Ready() bool
}

// ArtifactReader reads the artifacts produced by the worker.
type ArtifactReader interface {
	Load() (*results.Payload, error)
	ModelExists() bool
	ModelPath() string
	ModelInfo() (*results.ModelInfo, error)
}

// DiagnosticsSource exposes the worker's recent stderr lines.
type DiagnosticsSource interface {
	RecentStderr() []string
}

// Handler provides HTTP handlers for training endpoints
type Handler struct {
	controller  JobController
	dataset     DatasetGate
	artifacts   ArtifactReader
	defaults    training.Parameters
	diagnostics DiagnosticsSource
	eventBus    *events.Bus
	origins     []string
	log         zerolog.Logger
}

// NewHandler creates a new training handler
func NewHandler(
	controller JobController,
	dataset DatasetGate,
	artifacts ArtifactReader,
	defaults training.Parameters,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		controller: controller,
		dataset:    dataset,
		artifacts:  artifacts,
		defaults:   defaults,
		log:        log.With().Str("handler", "training").Logger(),
	}
}

// SetDiagnostics sets the stderr source (for dependency injection)
func (h *Handler) SetDiagnostics(d DiagnosticsSource) {
	h.diagnostics = d
}

// SetLiveUpdates enables the WebSocket snapshot feed
func (h *Handler) SetLiveUpdates(bus *events.Bus, allowedOrigins []string) {
	h.eventBus = bus
	h.origins = allowedOrigins
}

// HandleStart handles POST /start-training
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStartBodyBytes+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxStartBodyBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	params, err := training.MergeParameters(h.defaults, body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.controller.Start(r.Context(), params, h.dataset.Ready())
	var verr *training.ValidationError
	switch {
	case err == nil:
	case errors.Is(err, training.ErrAlreadyRunning):
		h.writeError(w, http.StatusConflict, "Training already in progress")
		return
	case errors.Is(err, training.ErrNotReady):
		h.writeError(w, http.StatusBadRequest, "No dataset uploaded; upload a CSV with a Close column first")
		return
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, verr.Error())
		return
	default:
		h.log.Error().Err(err).Msg("Failed to start training")
		h.writeError(w, http.StatusInternalServerError, "Failed to start training")
		return
	}

	snap := h.controller.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Training started",
		"jobId":      snap.JobID,
		"parameters": params,
	})
}

// HandleStop handles POST /stop-training
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	message := "No training in progress"
	if h.controller.Stop() {
		message = "Training stopped"
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

// HandleStatus handles GET /training-status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

// HandleResults handles GET /training-results
func (h *Handler) HandleResults(w http.ResponseWriter, r *http.Request) {
	snap := h.controller.Snapshot()
	if snap.IsTraining {
		h.writePending(w, "training in progress")
		return
	}

	payload, err := h.artifacts.Load()
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, payload)
	case errors.Is(err, results.ErrArtifactNotFound):
		if snap.State == training.StateCompleted {
			h.writePending(w, "results not present yet")
			return
		}
		resp := map[string]interface{}{"error": "No results available"}
		if snap.LastError != nil {
			resp["lastError"] = *snap.LastError
		}
		h.writeJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, results.ErrArtifactCorrupt):
		h.log.Warn().Err(err).Msg("Result artifact is corrupt")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "Failed to read results",
			"detail": err.Error(),
		})
	default:
		h.log.Error().Err(err).Msg("Failed to load results")
		h.writeError(w, http.StatusInternalServerError, "Failed to read results")
	}
}

// HandleDownloadModel handles GET /download-qtable
func (h *Handler) HandleDownloadModel(w http.ResponseWriter, r *http.Request) {
	if !h.artifacts.ModelExists() {
		h.writeError(w, http.StatusNotFound, "Q-table not found")
		return
	}

	f, err := os.Open(h.artifacts.ModelPath())
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Q-table not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to stat model file")
		h.writeError(w, http.StatusInternalServerError, "Failed to read Q-table")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// HandleModelInfo handles GET /api/model
func (h *Handler) HandleModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.artifacts.ModelInfo()
	if errors.Is(err, results.ErrArtifactNotFound) {
		h.writeError(w, http.StatusNotFound, "Q-table not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read model info")
		h.writeError(w, http.StatusInternalServerError, "Failed to read model info")
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// HandleMetrics handles GET /api/training/metrics. Statistics are derived
// from the evaluation pass portfolio values in the result artifact.
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload, err := h.artifacts.Load()
	if errors.Is(err, results.ErrArtifactNotFound) {
		h.writeError(w, http.StatusNotFound, "No results available")
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load results for metrics")
		h.writeError(w, http.StatusInternalServerError, "Failed to read results")
		return
	}

	history := payload.PortfolioHistory
	var initial *float64
	if len(history) > 0 {
		v := payload.FinalBalance - payload.TotalReward
		initial = &v
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"episodesCompleted": payload.EpisodesCompleted,
		"finalBalance":      payload.FinalBalance,
		"totalReward":       payload.TotalReward,
		"initialBalance":    initial,
		"steps":             len(history),
		"maxDrawdown":       formulas.MaxDrawdown(history),
		"sharpeRatio":       formulas.SharpeRatio(formulas.Returns(history), tradingDaysPerYear),
	})
}

// HandleDiagnostics handles GET /api/training/diagnostics
func (h *Handler) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	lines := []string{}
	if h.diagnostics != nil {
		lines = h.diagnostics.RecentStderr()
	}
	snap := h.controller.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":     snap.JobID,
		"state":     snap.State,
		"lastError": snap.LastError,
		"stderr":    lines,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) writePending(w http.ResponseWriter, reason string) {
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "pending",
		"lastError": reason,
	})
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
