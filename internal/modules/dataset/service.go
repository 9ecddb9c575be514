package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aristath/qtrainer/internal/events"
	"github.com/aristath/qtrainer/internal/utils"
	"github.com/rs/zerolog"
)

const moduleName = "dataset"

// MaxUploadBytes bounds a single CSV upload.
const MaxUploadBytes = 100 << 20

// ErrTrainingActive rejects uploads while the worker may be reading the dataset.
var ErrTrainingActive = errors.New("cannot replace dataset while training is running")

// TrainingState reports whether a training job is active. WhileIdle runs fn
// only when no job is active and keeps jobs from starting until it returns;
// it reports false without calling fn otherwise.
type TrainingState interface {
	Active() bool
	WhileIdle(fn func() error) (bool, error)
}

// Service owns the dataset file and its readiness flag.
type Service struct {
	datasetPath string
	uploadsDir  string
	repo        *Repository
	training    TrainingState
	events      *events.Manager
	log         zerolog.Logger

	// commitMu orders the final swap and its persistence across uploads.
	commitMu sync.Mutex

	mu      sync.RWMutex
	current *Record
}

// NewService creates a dataset service. repo and eventManager may be nil.
func NewService(datasetPath, uploadsDir string, repo *Repository, eventManager *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		datasetPath: datasetPath,
		uploadsDir:  uploadsDir,
		repo:        repo,
		events:      eventManager,
		log:         log.With().Str("service", "dataset").Logger(),
	}
}

// SetTrainingState sets the training gate (for dependency injection)
func (s *Service) SetTrainingState(t TrainingState) {
	s.training = t
}

// Restore loads the persisted readiness. A dataset recorded as ready whose
// file has disappeared is reported as not ready.
func (s *Service) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	rec, err := s.repo.Load(ctx)
	if err != nil {
		return err
	}
	if rec != nil && rec.Ready {
		if _, statErr := os.Stat(s.datasetPath); statErr != nil {
			s.log.Warn().Str("path", s.datasetPath).Msg("Dataset recorded as ready but file is missing")
			rec.Ready = false
			rec.Summary = nil
		}
	}

	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()
	return nil
}

// Ready reports whether a validated dataset is in place.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil && s.current.Ready
}

// Current returns the last upload record, or nil.
func (s *Service) Current() *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	c := *s.current
	return &c
}

// DatasetPath returns the fixed path the worker reads.
func (s *Service) DatasetPath() string {
	return s.datasetPath
}

// Upload stores src as the new dataset. Content is spooled to the uploads
// directory, validated, then renamed into place. A rejected upload leaves no
// dataset behind and marks the gate not ready.
func (s *Service) Upload(ctx context.Context, filename string, src io.Reader) (*Record, error) {
	if s.training != nil && s.training.Active() {
		return nil, ErrTrainingActive
	}

	if err := os.MkdirAll(s.uploadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.uploadsDir, "upload-*.csv")
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, err := io.Copy(tmp, io.LimitReader(src, MaxUploadBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if size > MaxUploadBytes {
		return nil, &InvalidError{Reason: fmt.Sprintf("file exceeds %d bytes", MaxUploadBytes)}
	}

	stopTimer := utils.OperationTimer("dataset_analyze", s.log)
	summary, err := analyzeFile(tmpName)
	stopTimer()
	if err != nil {
		var invalid *InvalidError
		if errors.As(err, &invalid) {
			if rejectErr := s.reject(ctx, filename, invalid.Reason); rejectErr != nil {
				return nil, rejectErr
			}
		}
		return nil, err
	}

	rec := &Record{
		Filename:   filepath.Base(filename),
		Path:       s.datasetPath,
		Ready:      true,
		SizeBytes:  size,
		UploadedAt: time.Now().UTC().Truncate(time.Second),
		Summary:    summary,
	}

	s.commitMu.Lock()
	err = s.commit(func() error {
		if err := os.Rename(tmpName, s.datasetPath); err != nil {
			return fmt.Errorf("failed to move dataset into place: %w", err)
		}
		s.setCurrent(rec)
		return nil
	})
	if err == nil {
		s.persist(ctx, rec)
	}
	s.commitMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("filename", rec.Filename).
		Int("rows", summary.Rows).
		Int64("size_bytes", size).
		Msg("Dataset uploaded")

	data := &events.DatasetUploadedData{Filename: rec.Filename, Rows: summary.Rows}
	if summary.SMA20 != nil {
		data.LastSMA = *summary.SMA20
	}
	s.events.EmitTyped(moduleName, data)

	c := *rec
	return &c, nil
}

// reject removes the current dataset and marks the gate not ready. It fails
// with ErrTrainingActive, leaving the dataset alone, if a job started while
// the upload was being read.
func (s *Service) reject(ctx context.Context, filename, reason string) error {
	rec := &Record{
		Filename:   filepath.Base(filename),
		Path:       s.datasetPath,
		Ready:      false,
		UploadedAt: time.Now().UTC().Truncate(time.Second),
	}

	s.commitMu.Lock()
	err := s.commit(func() error {
		if err := os.Remove(s.datasetPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Msg("Failed to remove previous dataset")
		}
		s.setCurrent(rec)
		return nil
	})
	if err == nil {
		s.persist(ctx, rec)
	}
	s.commitMu.Unlock()
	if err != nil {
		return err
	}

	s.log.Warn().Str("filename", filename).Str("reason", reason).Msg("Dataset rejected")
	s.events.EmitTyped(moduleName, &events.DatasetRejectedData{Filename: filename, Reason: reason})
	return nil
}

// commit runs fn while no training job can start.
func (s *Service) commit(fn func() error) error {
	if s.training == nil {
		return fn()
	}
	ran, err := s.training.WhileIdle(fn)
	if !ran {
		return ErrTrainingActive
	}
	return err
}

func (s *Service) setCurrent(rec *Record) {
	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()
}

func (s *Service) persist(ctx context.Context, rec *Record) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, *rec); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist dataset state")
	}
}

func analyzeFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	return Analyze(f)
}
