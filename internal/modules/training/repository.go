package training

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Record is the persisted form of the current job. Results are not stored;
// they are resolved from the artifact on disk.
type Record struct {
	Version         uint64
	Generation      uint64
	JobID           string
	State           State
	CurrentEpisode  int
	TotalEpisodes   int
	ProgressPercent int
	LastError       string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// recordLocked captures the persisted fields. c.mu must be held.
func (c *Controller) recordLocked() Record {
	return Record{
		Version:         c.version,
		Generation:      c.generation,
		JobID:           c.jobID,
		State:           c.state,
		CurrentEpisode:  c.currentEpisode,
		TotalEpisodes:   c.totalEpisodes,
		ProgressPercent: c.progress,
		LastError:       c.lastError,
		StartedAt:       c.startedAt,
		FinishedAt:      c.finishedAt,
	}
}

// applyRecordLocked loads a persisted record. c.mu must be held.
func (c *Controller) applyRecordLocked(rec Record) {
	c.version = rec.Version
	c.generation = rec.Generation
	c.jobID = rec.JobID
	c.state = rec.State
	c.currentEpisode = rec.CurrentEpisode
	c.totalEpisodes = rec.TotalEpisodes
	c.progress = rec.ProgressPercent
	c.lastError = rec.LastError
	c.startedAt = rec.StartedAt
	c.finishedAt = rec.FinishedAt
	c.results = nil
}

// Repository stores the single training_job row.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a training job repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "training_job").Logger(),
	}
}

// Save upserts the record. Writes carrying a version not newer than the stored
// one are ignored, so saves racing outside the controller lock cannot regress
// the row.
func (r *Repository) Save(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO training_job (
			id, version, generation, job_id, state,
			current_episode, total_episodes, progress_percent,
			last_error, started_at, finished_at, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			generation = excluded.generation,
			job_id = excluded.job_id,
			state = excluded.state,
			current_episode = excluded.current_episode,
			total_episodes = excluded.total_episodes,
			progress_percent = excluded.progress_percent,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
		WHERE excluded.version > training_job.version
	`,
		int64(rec.Version), int64(rec.Generation), rec.JobID, string(rec.State),
		rec.CurrentEpisode, rec.TotalEpisodes, rec.ProgressPercent,
		rec.LastError, unixOrNull(rec.StartedAt), unixOrNull(rec.FinishedAt), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save training job: %w", err)
	}
	return nil
}

// Load returns the stored record, or nil when no job was ever recorded.
func (r *Repository) Load(ctx context.Context) (*Record, error) {
	var (
		rec                   Record
		version, generation   int64
		state                 string
		startedAt, finishedAt sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT version, generation, job_id, state,
			current_episode, total_episodes, progress_percent,
			last_error, started_at, finished_at
		FROM training_job WHERE id = 1
	`).Scan(
		&version, &generation, &rec.JobID, &state,
		&rec.CurrentEpisode, &rec.TotalEpisodes, &rec.ProgressPercent,
		&rec.LastError, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load training job: %w", err)
	}

	rec.Version = uint64(version)
	rec.Generation = uint64(generation)
	rec.State = State(state)
	if startedAt.Valid {
		rec.StartedAt = time.Unix(startedAt.Int64, 0).UTC()
	}
	if finishedAt.Valid {
		rec.FinishedAt = time.Unix(finishedAt.Int64, 0).UTC()
	}
	return &rec, nil
}

func unixOrNull(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
