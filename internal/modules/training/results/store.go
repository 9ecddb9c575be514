// Package results owns the result and model artifacts shared between the
// worker (writer) and the orchestrator (reader).
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrArtifactNotFound means no result file exists yet.
	ErrArtifactNotFound = errors.New("result artifact not found")
	// ErrArtifactCorrupt means the file exists but is not a valid result payload.
	// Workers write non-atomically, so callers treat this as "not yet" while a
	// job may still be writing.
	ErrArtifactCorrupt = errors.New("result artifact is corrupt")
)

// Payload is the worker's final result.
type Payload struct {
	FinalBalance      float64   `json:"finalBalance"`
	TotalReward       float64   `json:"totalReward"`
	EpisodesCompleted int       `json:"episodesCompleted"`
	PortfolioHistory  []float64 `json:"portfolioHistory"`
}

// Clone returns a deep copy so snapshots never share the history slice.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	c := *p
	c.PortfolioHistory = append(make([]float64, 0, len(p.PortfolioHistory)), p.PortfolioHistory...)
	return &c
}

// wirePayload detects missing or null required fields.
type wirePayload struct {
	FinalBalance      *float64  `json:"finalBalance"`
	TotalReward       *float64  `json:"totalReward"`
	EpisodesCompleted *float64  `json:"episodesCompleted"`
	PortfolioHistory  []float64 `json:"portfolioHistory"`
}

// Decode parses and validates a result payload.
func Decode(data []byte) (*Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	switch {
	case w.FinalBalance == nil:
		return nil, fmt.Errorf("%w: finalBalance missing", ErrArtifactCorrupt)
	case w.TotalReward == nil:
		return nil, fmt.Errorf("%w: totalReward missing", ErrArtifactCorrupt)
	case w.EpisodesCompleted == nil:
		return nil, fmt.Errorf("%w: episodesCompleted missing", ErrArtifactCorrupt)
	case *w.EpisodesCompleted < 0 || *w.EpisodesCompleted > math.MaxInt32:
		return nil, fmt.Errorf("%w: episodesCompleted out of range", ErrArtifactCorrupt)
	}

	history := w.PortfolioHistory
	if history == nil {
		history = []float64{}
	}
	return &Payload{
		FinalBalance:      *w.FinalBalance,
		TotalReward:       *w.TotalReward,
		EpisodesCompleted: int(*w.EpisodesCompleted),
		PortfolioHistory:  history,
	}, nil
}

// Store reads and writes the artifacts at their fixed paths.
type Store struct {
	resultsPath string
	modelPath   string
	log         zerolog.Logger
}

// NewStore creates a store for the given artifact paths.
func NewStore(resultsPath, modelPath string, log zerolog.Logger) *Store {
	return &Store{
		resultsPath: resultsPath,
		modelPath:   modelPath,
		log:         log.With().Str("component", "results_store").Logger(),
	}
}

// ResultsPath returns the result artifact path.
func (s *Store) ResultsPath() string { return s.resultsPath }

// ModelPath returns the model artifact path.
func (s *Store) ModelPath() string { return s.modelPath }

// Load reads the result artifact, distinguishing a missing file from a corrupt one.
func (s *Store) Load() (*Payload, error) {
	data, err := os.ReadFile(s.resultsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result artifact: %w", err)
	}
	return Decode(data)
}

// Resolve returns the parsed artifact, or false when it is absent or not
// (yet) valid.
func (s *Store) Resolve() (*Payload, bool) {
	p, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrArtifactNotFound) {
			s.log.Debug().Err(err).Str("path", s.resultsPath).Msg("Result artifact not usable yet")
		}
		return nil, false
	}
	return p, true
}

// ClearStale removes the previous job's artifacts before a new job starts.
func (s *Store) ClearStale() error {
	var errs []error
	for _, path := range []string{s.resultsPath, s.modelPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove stale artifact %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// Write stores the payload atomically so readers never see a partial file.
func (s *Store) Write(p Payload) error {
	if p.PortfolioHistory == nil {
		p.PortfolioHistory = []float64{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal result payload: %w", err)
	}
	return writeAtomic(s.resultsPath, data)
}

// ModelExists reports whether a trained model file is available for download.
func (s *Store) ModelExists() bool {
	info, err := os.Stat(s.modelPath)
	return err == nil && info.Mode().IsRegular()
}

// ModelInfo describes the model file on disk.
type ModelInfo struct {
	SizeBytes  int64     `json:"sizeBytes"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Format     string    `json:"format"`
	States     int       `json:"states,omitempty"`
	Actions    int       `json:"actions,omitempty"`
	Epsilon    float64   `json:"epsilon,omitempty"`
}

// ModelInfo stats the model file and, when it is in the bundled trainer's
// format, reports its dimensions. Other formats are reported as opaque.
func (s *Store) ModelInfo() (*ModelInfo, error) {
	stat, err := os.Stat(s.modelPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat model artifact: %w", err)
	}

	info := &ModelInfo{
		SizeBytes:  stat.Size(),
		ModifiedAt: stat.ModTime().UTC(),
		Format:     "opaque",
	}
	model, err := ReadModel(s.modelPath)
	if err != nil {
		s.log.Debug().Err(err).Msg("Model artifact is not a Q-table model")
		return info, nil
	}
	info.Format = ModelFormat
	info.States = len(model.QValues)
	info.Actions = model.Actions
	info.Epsilon = model.Epsilon
	return info, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}
