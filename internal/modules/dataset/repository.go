package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Record is the persisted state of the last upload.
type Record struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Ready      bool      `json:"ready"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
	Summary    *Summary  `json:"summary,omitempty"`
}

// Repository stores the single dataset row.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a dataset repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "dataset").Logger(),
	}
}

// Save replaces the dataset row.
func (r *Repository) Save(ctx context.Context, rec Record) error {
	s := rec.Summary
	if s == nil {
		s = &Summary{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dataset (
			id, filename, path, ready, rows,
			min_close, max_close, mean_close, stddev_close,
			last_sma, last_rsi, size_bytes, uploaded_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			path = excluded.path,
			ready = excluded.ready,
			rows = excluded.rows,
			min_close = excluded.min_close,
			max_close = excluded.max_close,
			mean_close = excluded.mean_close,
			stddev_close = excluded.stddev_close,
			last_sma = excluded.last_sma,
			last_rsi = excluded.last_rsi,
			size_bytes = excluded.size_bytes,
			uploaded_at = excluded.uploaded_at
	`,
		rec.Filename, rec.Path, boolToInt(rec.Ready), s.Rows,
		s.Min, s.Max, s.Mean, s.StdDev,
		floatOrNull(s.SMA20), floatOrNull(s.RSI14), rec.SizeBytes, rec.UploadedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save dataset: %w", err)
	}
	return nil
}

// Load returns the stored row, or nil if nothing was ever uploaded.
func (r *Repository) Load(ctx context.Context) (*Record, error) {
	var (
		rec        Record
		s          Summary
		ready      int
		sma, rsi   sql.NullFloat64
		uploadedAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT filename, path, ready, rows,
			min_close, max_close, mean_close, stddev_close,
			last_sma, last_rsi, size_bytes, uploaded_at
		FROM dataset WHERE id = 1
	`).Scan(
		&rec.Filename, &rec.Path, &ready, &s.Rows,
		&s.Min, &s.Max, &s.Mean, &s.StdDev,
		&sma, &rsi, &rec.SizeBytes, &uploadedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	rec.Ready = ready != 0
	rec.UploadedAt = time.Unix(uploadedAt, 0).UTC()
	if sma.Valid {
		s.SMA20 = &sma.Float64
	}
	if rsi.Valid {
		s.RSI14 = &rsi.Float64
	}
	if rec.Ready {
		rec.Summary = &s
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatOrNull(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
