// Package training owns the lifecycle of the single training job: it accepts
// start and stop requests, applies the worker's progress and exit outcomes,
// and serves a consistent snapshot to any number of pollers.
package training

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aristath/qtrainer/internal/events"
	"github.com/aristath/qtrainer/internal/modules/training/protocol"
	"github.com/aristath/qtrainer/internal/modules/training/results"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Active reports whether a worker belongs to this state.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}

const moduleName = "training"

// progressInterval throttles per-episode progress events between percent steps.
const progressInterval = 100 * time.Millisecond

// Snapshot is an immutable copy of the job state.
type Snapshot struct {
	IsTraining      bool             `json:"isTraining"`
	State           State            `json:"state"`
	JobID           string           `json:"jobId,omitempty"`
	Generation      uint64           `json:"generation"`
	CurrentEpisode  int              `json:"currentEpisode"`
	TotalEpisodes   int              `json:"totalEpisodes"`
	ProgressPercent int              `json:"progressPercent"`
	Results         *results.Payload `json:"results"`
	LastError       *string          `json:"lastError"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty"`
}

// Job identifies one worker launch.
type Job struct {
	Generation uint64
	ID         string
	Args       WorkerArgs
}

// Sink receives everything a worker reports, tagged with its generation.
type Sink interface {
	ApplyProgress(generation uint64, episode, total int)
	ApplyResultsWritten(generation uint64, path string)
	ApplyWorkerOutput(generation uint64, line string)
	ApplyWorkerFinished(generation uint64, exitCode int)
}

// Launcher starts and kills worker processes. Launch must return as soon as
// the process is spawned; ctx bounds the spawn only, not the job.
type Launcher interface {
	Launch(ctx context.Context, job Job, sink Sink) error
	Terminate(generation uint64)
}

// ArtifactStore is the part of the results store the controller needs.
type ArtifactStore interface {
	Resolve() (*results.Payload, bool)
	ClearStale() error
}

// StateStore persists the current job record across restarts.
type StateStore interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) (*Record, error)
}

// DatasetGate reports whether a validated dataset is in place. It is
// consulted while the controller lock is held and must not call back into
// the controller.
type DatasetGate interface {
	Ready() bool
}

// WorkerPaths are the fixed file locations handed to every worker.
type WorkerPaths struct {
	DataPath    string
	ResultsPath string
	ModelPath   string
}

// Controller is the job state machine. All mutations and snapshot reads are
// serialized by mu; file I/O, persistence and event emission happen outside it.
type Controller struct {
	mu             sync.Mutex
	state          State
	generation     uint64
	jobID          string
	currentEpisode int
	totalEpisodes  int
	progress       int
	results        *results.Payload
	lastError      string
	startedAt      time.Time
	finishedAt     time.Time
	version        uint64
	lastProgress   time.Time

	// artifactsMu keeps ClearStale from running while completion handlers
	// still read the finished job's artifacts. Taken before mu, never after.
	artifactsMu sync.RWMutex

	launcher  Launcher
	artifacts ArtifactStore
	store     StateStore
	dataset   DatasetGate
	events    *events.Manager
	paths     WorkerPaths
	now       func() time.Time
	log       zerolog.Logger
}

// NewController creates an idle controller. store and eventManager may be nil.
func NewController(
	launcher Launcher,
	artifacts ArtifactStore,
	store StateStore,
	eventManager *events.Manager,
	paths WorkerPaths,
	log zerolog.Logger,
) *Controller {
	return &Controller{
		state:     StateIdle,
		launcher:  launcher,
		artifacts: artifacts,
		store:     store,
		events:    eventManager,
		paths:     paths,
		now:       time.Now,
		log:       log.With().Str("service", "training_controller").Logger(),
	}
}

// SetDatasetGate sets the dataset readiness check (for dependency injection)
func (c *Controller) SetDatasetGate(g DatasetGate) {
	c.dataset = g
}

// WhileIdle runs fn with the job lock held, so no job can start until fn
// returns. It reports false without calling fn when a job is active.
func (c *Controller) WhileIdle(fn func() error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active() {
		return false, nil
	}
	return true, fn()
}

// Restore loads the persisted job record. A job recorded as active cannot have
// survived the restart and is marked failed.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	rec, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore training state: %w", err)
	}
	if rec == nil {
		return nil
	}

	c.mu.Lock()
	c.applyRecordLocked(*rec)
	interrupted := c.state.Active()
	if interrupted {
		c.state = StateFailed
		c.lastError = "orchestrator restarted while job was running"
		c.finishedAt = c.now()
		c.version++
	}
	out := c.recordLocked()
	c.mu.Unlock()

	if interrupted {
		c.log.Warn().Str("job_id", out.JobID).Msg("Previous training job was interrupted by a restart")
		c.persist(out)
	}
	c.log.Info().
		Str("state", string(out.State)).
		Uint64("generation", out.Generation).
		Msg("Training state restored")
	return nil
}

// Start launches a new job. Lifecycle failures after validation, such as a
// worker that cannot be spawned, are recorded on the snapshot and Start
// still returns nil.
func (c *Controller) Start(ctx context.Context, params Parameters, datasetReady bool) error {
	if !datasetReady {
		return ErrNotReady
	}
	if err := params.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	// The dataset may have been rejected since the caller looked.
	if c.dataset != nil && !c.dataset.Ready() {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.generation++
	gen := c.generation
	c.jobID = uuid.NewString()
	c.state = StateStarting
	c.currentEpisode = 0
	c.progress = 0
	c.totalEpisodes = params.Episodes
	c.results = nil
	c.lastError = ""
	c.startedAt = c.now()
	c.finishedAt = time.Time{}
	c.lastProgress = time.Time{}
	c.version++
	rec := c.recordLocked()
	c.mu.Unlock()

	log := c.log.With().Str("job_id", rec.JobID).Uint64("generation", gen).Logger()
	c.persist(rec)

	c.artifactsMu.Lock()
	err := c.artifacts.ClearStale()
	c.artifactsMu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to clear stale artifacts")
		c.fail(gen, err.Error())
		return nil
	}

	// Announced before launch so a worker that finishes immediately cannot
	// be reported as completed ahead of its start.
	c.events.EmitTyped(moduleName, &events.TrainingStartedData{
		JobID:         rec.JobID,
		Generation:    gen,
		TotalEpisodes: params.Episodes,
	})

	job := Job{
		Generation: gen,
		ID:         rec.JobID,
		Args: WorkerArgs{
			Parameters:  params,
			DataPath:    c.paths.DataPath,
			ResultsPath: c.paths.ResultsPath,
			ModelPath:   c.paths.ModelPath,
			JobID:       rec.JobID,
		},
	}
	if err := c.launcher.Launch(ctx, job, c); err != nil {
		log.Error().Err(err).Msg("Failed to launch worker")
		c.fail(gen, err.Error())
		return nil
	}

	c.mu.Lock()
	stale := c.generation != gen
	stopped := !stale && c.state == StateStopped
	promoted := !stale && c.state == StateStarting
	if promoted {
		c.state = StateRunning
		c.version++
	}
	rec = c.recordLocked()
	c.mu.Unlock()

	if stopped || stale {
		// Stop arrived while the process was spawning.
		c.launcher.Terminate(gen)
		return nil
	}
	if promoted {
		c.persist(rec)
		log.Info().Int("episodes", params.Episodes).Msg("Training job started")
	}
	return nil
}

// Stop terminates the active job without waiting for the worker to exit.
// It reports whether a job was stopped.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if !c.state.Active() {
		c.mu.Unlock()
		return false
	}
	gen := c.generation
	c.state = StateStopped
	c.finishedAt = c.now()
	c.version++
	rec := c.recordLocked()
	c.mu.Unlock()

	c.launcher.Terminate(gen)
	c.persist(rec)

	c.log.Info().Str("job_id", rec.JobID).Int("episode", rec.CurrentEpisode).Msg("Training job stopped")
	c.events.EmitTyped(moduleName, &events.TrainingStoppedData{
		JobID:          rec.JobID,
		CurrentEpisode: rec.CurrentEpisode,
	})
	return true
}

// ApplyProgress records a completed episode for the current job.
func (c *Controller) ApplyProgress(generation uint64, episode, total int) {
	c.mu.Lock()
	if generation != c.generation || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	advanced := episode > c.currentEpisode
	if advanced {
		c.currentEpisode = episode
	}
	if total > 0 {
		c.totalEpisodes = total
	}
	pctChanged := false
	if pct := percent(c.currentEpisode, c.totalEpisodes); pct > c.progress {
		c.progress = pct
		pctChanged = true
	}
	if pctChanged {
		c.version++
	}
	// Percent changes and the final episode always go out; other episode
	// ticks are limited to one per progressInterval.
	now := c.now()
	emit := pctChanged || (advanced && (c.currentEpisode == c.totalEpisodes || now.Sub(c.lastProgress) >= progressInterval))
	if emit {
		c.lastProgress = now
	}
	rec := c.recordLocked()
	c.mu.Unlock()

	if pctChanged {
		c.persist(rec)
	}
	if emit {
		c.events.EmitTyped(moduleName, &events.TrainingProgressData{
			JobID:           rec.JobID,
			CurrentEpisode:  rec.CurrentEpisode,
			TotalEpisodes:   rec.TotalEpisodes,
			ProgressPercent: rec.ProgressPercent,
		})
	}
}

// ApplyResultsWritten finalizes the job early when the announced artifact is
// already readable. Otherwise the process exit finalizes it.
func (c *Controller) ApplyResultsWritten(generation uint64, path string) {
	if path != "" && path != c.paths.ResultsPath {
		c.log.Warn().
			Str("announced", path).
			Str("expected", c.paths.ResultsPath).
			Msg("Worker announced results at an unexpected path")
	}
	c.finish(generation, 0, true)
}

// ApplyWorkerOutput records a diagnostic line as the job's last error. It
// never ends the job.
func (c *Controller) ApplyWorkerOutput(generation uint64, line string) {
	msg := protocol.Diagnostic(line)
	if msg == "" {
		return
	}

	c.mu.Lock()
	if generation != c.generation || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.lastError = msg
	jobID := c.jobID
	c.mu.Unlock()

	c.events.EmitTyped(moduleName, &events.WorkerOutputData{JobID: jobID, Line: msg})
}

// ApplyWorkerFinished finalizes the job from the artifact on disk. Only the
// first call for a generation has any effect.
func (c *Controller) ApplyWorkerFinished(generation uint64, exitCode int) {
	c.finish(generation, exitCode, false)
}

func (c *Controller) finish(generation uint64, exitCode int, requireArtifact bool) {
	c.mu.Lock()
	if generation != c.generation || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Held until the completion event has been handled, so a job started
	// in the meantime cannot clear the artifacts under its subscribers.
	c.artifactsMu.RLock()
	defer c.artifactsMu.RUnlock()

	payload, found := c.artifacts.Resolve()

	c.mu.Lock()
	if generation != c.generation || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	if !found && requireArtifact {
		c.mu.Unlock()
		return
	}
	if found {
		c.completeLocked(payload)
	} else {
		if c.lastError == "" {
			c.lastError = fmt.Sprintf("worker exited with code %d and no artifact", exitCode)
		}
		c.state = StateFailed
	}
	c.finishedAt = c.now()
	c.version++
	rec := c.recordLocked()
	c.mu.Unlock()

	c.persist(rec)

	if found {
		c.log.Info().
			Str("job_id", rec.JobID).
			Float64("final_balance", payload.FinalBalance).
			Int("episodes", payload.EpisodesCompleted).
			Msg("Training job completed")
		c.events.EmitTyped(moduleName, &events.TrainingCompletedData{
			JobID:             rec.JobID,
			FinalBalance:      payload.FinalBalance,
			TotalReward:       payload.TotalReward,
			EpisodesCompleted: payload.EpisodesCompleted,
		})
		return
	}

	c.log.Warn().
		Str("job_id", rec.JobID).
		Int("exit_code", exitCode).
		Str("error", rec.LastError).
		Msg("Training job failed")
	c.events.EmitTyped(moduleName, &events.TrainingFailedData{
		JobID:    rec.JobID,
		ExitCode: exitCode,
		Error:    rec.LastError,
	})
}

// completeLocked applies a resolved payload. c.mu must be held.
func (c *Controller) completeLocked(p *results.Payload) {
	c.results = p
	c.progress = 100
	if p.EpisodesCompleted > 0 {
		c.currentEpisode = p.EpisodesCompleted
	} else {
		c.currentEpisode = c.totalEpisodes
	}
	c.state = StateCompleted
}

// fail records a launch failure for gen.
func (c *Controller) fail(gen uint64, msg string) {
	c.mu.Lock()
	if gen != c.generation || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.lastError = msg
	c.finishedAt = c.now()
	c.version++
	rec := c.recordLocked()
	c.mu.Unlock()

	c.persist(rec)
	c.events.EmitTyped(moduleName, &events.TrainingFailedData{
		JobID:    rec.JobID,
		ExitCode: -1,
		Error:    msg,
	})
}

// Active reports whether a job is starting or running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active()
}

// Snapshot returns a copy of the current state. When no job is running and
// no results are held, it tries the artifact on disk, which covers jobs
// finalized by another process or before a restart.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := c.snapshotLocked()
	gen := c.generation
	lazy := c.results == nil && (c.state == StateIdle || c.state == StateCompleted)
	c.mu.Unlock()

	if !lazy {
		return snap
	}
	payload, found := c.artifacts.Resolve()
	if !found {
		return snap
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation && c.results == nil && (c.state == StateIdle || c.state == StateCompleted) {
		c.completeLocked(payload)
	}
	return c.snapshotLocked()
}

// RefreshResults drops the cached results of a finished job so the next
// snapshot re-reads the artifact. It is a no-op while a job is active or
// after a failure or stop.
func (c *Controller) RefreshResults() Snapshot {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateCompleted {
		c.results = nil
	}
	c.mu.Unlock()
	return c.Snapshot()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		IsTraining:      c.state.Active(),
		State:           c.state,
		JobID:           c.jobID,
		Generation:      c.generation,
		CurrentEpisode:  c.currentEpisode,
		TotalEpisodes:   c.totalEpisodes,
		ProgressPercent: c.progress,
		Results:         c.results.Clone(),
		StartedAt:       timePtr(c.startedAt),
		FinishedAt:      timePtr(c.finishedAt),
	}
	if c.lastError != "" {
		msg := c.lastError
		snap.LastError = &msg
	}
	return snap
}

func (c *Controller) persist(rec Record) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Save(ctx, rec); err != nil {
		c.log.Error().Err(err).Uint64("version", rec.Version).Msg("Failed to persist training state")
	}
}

// percent is round(current/total*100) clamped to [0, 100].
func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(current) / float64(total) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
