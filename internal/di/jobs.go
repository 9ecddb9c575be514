package di

import (
	"fmt"
	"time"

	"github.com/aristath/qtrainer/internal/config"
	"github.com/aristath/qtrainer/internal/modules/dataset"
	"github.com/aristath/qtrainer/internal/scheduler"
	"github.com/rs/zerolog"
)

// Maintenance schedules (seconds field first)
const (
	uploadsCleanupSchedule = "0 15 * * * *" // hourly
	walCheckpointSchedule  = "0 */30 * * * *"
	staleUploadAge         = time.Hour
)

// RegisterJobs creates the maintenance jobs and registers them with a new
// scheduler. The scheduler is not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	container.Scheduler = scheduler.New(log)

	jobs := &JobInstances{
		UploadsCleanup: dataset.NewCleanupJob(cfg.UploadsDir(), staleUploadAge, log),
		WALCheckpoint:  scheduler.NewWALCheckpointJob(container.StateDB, log),
	}

	if err := container.Scheduler.AddJob(uploadsCleanupSchedule, jobs.UploadsCleanup); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", jobs.UploadsCleanup.Name(), err)
	}
	if err := container.Scheduler.AddJob(walCheckpointSchedule, jobs.WALCheckpoint); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", jobs.WALCheckpoint.Name(), err)
	}

	return jobs, nil
}
