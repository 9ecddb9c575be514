package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aristath/qtrainer/internal/config"
	"github.com/aristath/qtrainer/internal/events"
	"github.com/aristath/qtrainer/internal/modules/dataset"
	datasethandlers "github.com/aristath/qtrainer/internal/modules/dataset/handlers"
	"github.com/aristath/qtrainer/internal/modules/training"
	traininghandlers "github.com/aristath/qtrainer/internal/modules/training/handlers"
	"github.com/aristath/qtrainer/internal/modules/training/results"
	"github.com/aristath/qtrainer/internal/modules/training/supervisor"
	"github.com/aristath/qtrainer/internal/reliability"
	"github.com/rs/zerolog"
)

// InitializeServices creates the services, restores persisted state and
// builds the HTTP handlers.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	defaults, err := training.LoadDefaults(cfg.DefaultsFile)
	if err != nil {
		return err
	}
	container.TrainingDefaults = defaults

	container.ResultsStore = results.NewStore(cfg.ResultsPath(), cfg.ModelPath(), log)

	container.Supervisor = supervisor.New(supervisor.Config{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Dir:     cfg.Worker.Dir,
	}, log)

	container.Controller = training.NewController(
		container.Supervisor,
		container.ResultsStore,
		container.TrainingRepo,
		container.EventManager,
		training.WorkerPaths{
			DataPath:    cfg.DatasetPath(),
			ResultsPath: cfg.ResultsPath(),
			ModelPath:   cfg.ModelPath(),
		},
		log,
	)
	if err := container.Controller.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore training state: %w", err)
	}

	container.DatasetService = dataset.NewService(cfg.DatasetPath(), cfg.UploadsDir(), container.DatasetRepo, container.EventManager, log)
	container.DatasetService.SetTrainingState(container.Controller)
	container.Controller.SetDatasetGate(container.DatasetService)
	if err := container.DatasetService.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore dataset state: %w", err)
	}

	if cfg.Archive != nil && cfg.Archive.Enabled {
		client, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, log)
		if err != nil {
			return err
		}
		container.Archiver = reliability.NewArchiver(
			client,
			cfg.Archive.Prefix,
			filepath.Join(cfg.DataDir, "archive-staging"),
			[]string{cfg.ResultsPath(), cfg.ModelPath()},
			log,
		)
		container.Archiver.Subscribe(container.EventBus)
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Artifact archiving enabled")
	}

	container.TrainingHandler = traininghandlers.NewHandler(
		container.Controller,
		container.DatasetService,
		container.ResultsStore,
		container.TrainingDefaults,
		log,
	)
	container.TrainingHandler.SetDiagnostics(container.Supervisor)
	container.TrainingHandler.SetLiveUpdates(container.EventBus, cfg.AllowedOrigins)

	container.DatasetHandler = datasethandlers.NewHandler(container.DatasetService, log)

	return nil
}
