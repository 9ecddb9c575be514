// Package reliability archives training artifacts to object storage.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/qtrainer/internal/events"
	"github.com/aristath/qtrainer/internal/utils"
	"github.com/rs/zerolog"
)

// ArchiveFileName is the object name under each job's prefix.
const ArchiveFileName = "training-artifacts.tar.gz"

const (
	metadataName  = "archive-metadata.json"
	uploadTimeout = 5 * time.Minute
)

// ArchiveMetadata describes the contents of one archive
type ArchiveMetadata struct {
	JobID     string                 `json:"job_id"`
	Timestamp time.Time              `json:"timestamp"`
	Artifacts []ArtifactFile         `json:"artifacts"`
	EventData map[string]interface{} `json:"event,omitempty"`
}

// ArtifactFile is one file inside an archive
type ArtifactFile struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo is an archive stored in the bucket
type ArchiveInfo struct {
	JobID        string    `json:"jobId"`
	Key          string    `json:"key"`
	SizeBytes    int64     `json:"sizeBytes"`
	LastModified time.Time `json:"lastModified"`
}

// Archiver uploads the artifacts of every completed job
type Archiver struct {
	store      ObjectStore
	prefix     string
	stagingDir string
	artifacts  []string
	log        zerolog.Logger

	wg sync.WaitGroup
}

// NewArchiver creates an archiver. artifacts are the file paths to include;
// missing files are skipped.
func NewArchiver(store ObjectStore, prefix, stagingDir string, artifacts []string, log zerolog.Logger) *Archiver {
	return &Archiver{
		store:      store,
		prefix:     strings.Trim(prefix, "/"),
		stagingDir: stagingDir,
		artifacts:  artifacts,
		log:        log.With().Str("service", "archiver").Logger(),
	}
}

// Subscribe archives on every TrainingCompleted event. The returned function
// unsubscribes.
func (a *Archiver) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(events.TrainingCompleted, func(event *events.Event) {
		jobID, _ := event.Data["job_id"].(string)
		if jobID == "" {
			a.log.Warn().Msg("Completed event without job id; not archiving")
			return
		}

		// The controller delivers this event before a new job may clear the
		// artifacts, so staging must happen here and not in the goroutine.
		archivePath, size, err := a.stage(jobID, event.Data)
		if err != nil {
			a.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to stage archive")
			return
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer os.Remove(archivePath)

			ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
			defer cancel()
			if err := a.upload(ctx, jobID, archivePath, size); err != nil {
				a.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to archive artifacts")
			}
		}()
	})
}

// Wait blocks until in-flight uploads finish or ctx is done.
func (a *Archiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Archive stages and uploads the current artifacts for jobID.
func (a *Archiver) Archive(ctx context.Context, jobID string) error {
	archivePath, size, err := a.stage(jobID, nil)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)
	return a.upload(ctx, jobID, archivePath, size)
}

// ObjectKey is the bucket key for a job's archive.
func (a *Archiver) ObjectKey(jobID string) string {
	if a.prefix == "" {
		return path.Join(jobID, ArchiveFileName)
	}
	return path.Join(a.prefix, jobID, ArchiveFileName)
}

// ListArchives lists stored archives, newest first
func (a *Archiver) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	listPrefix := ""
	if a.prefix != "" {
		listPrefix = a.prefix + "/"
	}
	objects, err := a.store.List(ctx, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		rest := strings.TrimPrefix(key, listPrefix)
		jobID, name, ok := strings.Cut(rest, "/")
		if !ok || name != ArchiveFileName || jobID == "" {
			continue
		}

		info := ArchiveInfo{JobID: jobID, Key: key}
		if obj.Size != nil {
			info.SizeBytes = *obj.Size
		}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		archives = append(archives, info)
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].LastModified.After(archives[j].LastModified)
	})
	return archives, nil
}

func (a *Archiver) upload(ctx context.Context, jobID, archivePath string, size int64) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	start := time.Now()
	key := a.ObjectKey(jobID)
	if err := a.store.Upload(ctx, key, f, size); err != nil {
		return err
	}

	a.log.Info().
		Str("job_id", jobID).
		Str("key", key).
		Int64("size_bytes", size).
		Dur("duration_ms", time.Since(start)).
		Msg("Training artifacts archived")
	return nil
}

// stage writes a tar.gz of the artifacts plus metadata into the staging
// directory and returns its path and size.
func (a *Archiver) stage(jobID string, eventData map[string]interface{}) (string, int64, error) {
	defer utils.OperationTimer("archive_stage", a.log)()

	if err := os.MkdirAll(a.stagingDir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create staging directory: %w", err)
	}

	metadata := ArchiveMetadata{
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		EventData: eventData,
	}
	var present []string
	for _, p := range a.artifacts {
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			a.log.Warn().Str("job_id", jobID).Str("artifact", filepath.Base(p)).Msg("Artifact missing; archiving without it")
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		checksum, err := calculateChecksum(p)
		if err != nil {
			return "", 0, fmt.Errorf("failed to checksum %s: %w", p, err)
		}
		metadata.Artifacts = append(metadata.Artifacts, ArtifactFile{
			Filename:  filepath.Base(p),
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		present = append(present, p)
	}
	if len(present) == 0 {
		return "", 0, fmt.Errorf("no artifacts to archive for job %s", jobID)
	}

	archive, err := os.CreateTemp(a.stagingDir, "archive-*.tar.gz")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive file: %w", err)
	}
	archivePath := archive.Name()

	if err := writeArchive(archive, metadata, present); err != nil {
		archive.Close()
		os.Remove(archivePath)
		return "", 0, err
	}
	info, err := archive.Stat()
	if closeErr := archive.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(archivePath)
		return "", 0, fmt.Errorf("failed to finish archive: %w", err)
	}
	return archivePath, info.Size(), nil
}

func writeArchive(w io.Writer, metadata ArchiveMetadata, files []string) error {
	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	metaBytes, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := tarWriter.WriteHeader(&tar.Header{
		Name:    metadataName,
		Size:    int64(len(metaBytes)),
		Mode:    0644,
		ModTime: metadata.Timestamp,
	}); err != nil {
		return err
	}
	if _, err := tarWriter.Write(metaBytes); err != nil {
		return err
	}

	for _, p := range files {
		if err := addFileToArchive(tarWriter, p, filepath.Base(p)); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", p, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

// addFileToArchive adds a single file to a tar archive
func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tarWriter, file)
	return err
}

// calculateChecksum calculates SHA256 checksum of a file
func calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
