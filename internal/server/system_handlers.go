package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aristath/qtrainer/internal/database"
	"github.com/aristath/qtrainer/internal/modules/training/supervisor"
	"github.com/aristath/qtrainer/internal/reliability"
)

// WorkerProcess reports the live worker, if any.
type WorkerProcess interface {
	Current() (supervisor.ProcessInfo, bool)
}

// ArchiveLister lists archived training artifacts.
type ArchiveLister interface {
	ListArchives(ctx context.Context) ([]reliability.ArchiveInfo, error)
}

// SystemHandlers serves host and worker diagnostics
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	stateDB   *database.DB
	worker    WorkerProcess
	archives  ArchiveLister
	startedAt time.Time
}

// NewSystemHandlers creates system handlers. stateDB and worker may be nil.
func NewSystemHandlers(log zerolog.Logger, dataDir string, stateDB *database.DB, worker WorkerProcess) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		dataDir:   dataDir,
		stateDB:   stateDB,
		worker:    worker,
		startedAt: time.Now(),
	}
}

// SetArchives enables the archive listing (for dependency injection)
func (h *SystemHandlers) SetArchives(a ArchiveLister) {
	h.archives = a
}

// SystemStatusResponse represents host and worker resource usage
type SystemStatusResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Goroutines    int          `json:"goroutines"`
	CPUPercent    float64      `json:"cpu_percent"`
	RAMPercent    float64      `json:"ram_percent"`
	Worker        *WorkerStats `json:"worker"`
}

// WorkerStats describes the running worker process
type WorkerStats struct {
	PID        int       `json:"pid"`
	JobID      string    `json:"job_id"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
}

// DiskUsageResponse represents disk usage of the data directory
type DiskUsageResponse struct {
	DataDirMB   float64 `json:"data_dir_mb"`
	UploadsMB   float64 `json:"uploads_mb"`
	ArtifactsMB float64 `json:"artifacts_mb"`
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPercent,
		RAMPercent:    ramPercent,
		Worker:        h.workerStats(),
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleDatabaseStats handles GET /api/system/database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	if h.stateDB == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "State database not configured"})
		return
	}

	stats, err := h.stateDB.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get database stats")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get database stats"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":         h.stateDB.Path(),
		"stats":        stats,
		"last_checked": time.Now().Format(time.RFC3339),
	})
}

// HandleDiskUsage handles GET /api/system/disk
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	response := DiskUsageResponse{
		DataDirMB:   h.getDirSize(h.dataDir),
		UploadsMB:   h.getDirSize(filepath.Join(h.dataDir, "uploads")),
		ArtifactsMB: h.getDirSize(filepath.Join(h.dataDir, "results")) + h.getDirSize(filepath.Join(h.dataDir, "models")),
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleArchives handles GET /api/archives
func (h *SystemHandlers) HandleArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Archiving is disabled"})
		return
	}

	archives, err := h.archives.ListArchives(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list archives")
		h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Failed to list archives"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"archives": archives})
}

func (h *SystemHandlers) workerStats() *WorkerStats {
	if h.worker == nil {
		return nil
	}
	info, ok := h.worker.Current()
	if !ok {
		return nil
	}

	stats := &WorkerStats{
		PID:        info.PID,
		JobID:      info.JobID,
		Generation: info.Generation,
		StartedAt:  info.StartedAt,
	}

	proc, err := process.NewProcess(int32(info.PID))
	if err != nil {
		// The worker may have exited between Current and here.
		h.log.Debug().Err(err).Int("pid", info.PID).Msg("Worker process not found")
		return stats
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		stats.RSSBytes = memInfo.RSS
	}
	return stats
}

// getSystemStats calculates CPU and RAM usage percentages
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	// 100ms keeps the call fast while still sampling
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

// getDirSize returns the size of a directory tree in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var size int64
	_ = filepath.WalkDir(dirPath, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return float64(size) / 1024 / 1024
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
