package di

import (
	"github.com/aristath/qtrainer/internal/modules/dataset"
	"github.com/aristath/qtrainer/internal/modules/training"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates the repositories over the state database
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	container.TrainingRepo = training.NewRepository(container.StateDB.Conn(), log)
	container.DatasetRepo = dataset.NewRepository(container.StateDB.Conn(), log)
	return nil
}
