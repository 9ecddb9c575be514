// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/aristath/qtrainer/internal/database"
	"github.com/aristath/qtrainer/internal/events"
	"github.com/aristath/qtrainer/internal/modules/dataset"
	datasethandlers "github.com/aristath/qtrainer/internal/modules/dataset/handlers"
	"github.com/aristath/qtrainer/internal/modules/training"
	traininghandlers "github.com/aristath/qtrainer/internal/modules/training/handlers"
	"github.com/aristath/qtrainer/internal/modules/training/results"
	"github.com/aristath/qtrainer/internal/modules/training/supervisor"
	"github.com/aristath/qtrainer/internal/reliability"
	"github.com/aristath/qtrainer/internal/scheduler"
)

// Container holds all dependencies for the application.
// It is created by Wire and passed to the server.
type Container struct {
	StateDB *database.DB

	EventBus     *events.Bus
	EventManager *events.Manager

	TrainingRepo *training.Repository
	DatasetRepo  *dataset.Repository

	ResultsStore     *results.Store
	Supervisor       *supervisor.Supervisor
	Controller       *training.Controller
	DatasetService   *dataset.Service
	TrainingDefaults training.Parameters
	Archiver         *reliability.Archiver // nil unless archiving is enabled

	TrainingHandler *traininghandlers.Handler
	DatasetHandler  *datasethandlers.Handler

	Scheduler *scheduler.Scheduler
}

// JobInstances holds the registered maintenance jobs
type JobInstances struct {
	UploadsCleanup scheduler.Job
	WALCheckpoint  scheduler.Job
}
