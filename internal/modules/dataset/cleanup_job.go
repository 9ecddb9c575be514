package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CleanupJob removes abandoned upload spool files.
// It should be scheduled to run hourly.
type CleanupJob struct {
	uploadsDir string
	maxAge     time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewCleanupJob creates a job removing spool files older than maxAge.
func NewCleanupJob(uploadsDir string, maxAge time.Duration, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		uploadsDir: uploadsDir,
		maxAge:     maxAge,
		now:        time.Now,
		log:        log.With().Str("job", "uploads_cleanup").Logger(),
	}
}

// Run executes the cleanup job.
func (j *CleanupJob) Run() error {
	entries, err := os.ReadDir(j.uploadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list uploads directory: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "upload-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.uploadsDir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.log.Warn().Err(err).Str("path", path).Msg("Failed to remove stale upload")
			continue
		}
		removed++
	}

	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Stale uploads cleaned up")
	}
	return nil
}

// Name returns the job name for scheduling and logging.
func (j *CleanupJob) Name() string {
	return "uploads_cleanup"
}
