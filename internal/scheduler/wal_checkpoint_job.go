package scheduler

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Checkpointer is a database whose WAL can be folded back into the main file.
type Checkpointer interface {
	WALCheckpoint(mode string) error
}

// WALCheckpointJob truncates the state database WAL.
type WALCheckpointJob struct {
	db  Checkpointer
	log zerolog.Logger
}

// NewWALCheckpointJob creates a new WALCheckpointJob
func NewWALCheckpointJob(db Checkpointer, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		db:  db,
		log: log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run executes the checkpoint
func (j *WALCheckpointJob) Run() error {
	if j.db == nil {
		return nil
	}
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	j.log.Debug().Msg("WAL checkpoint completed")
	return nil
}
