// Package supervisor runs the external training worker. Each launch owns one
// process; its stdout is decoded as the progress protocol, its stderr is kept
// as diagnostics, and every report is delivered to the sink in order from a
// single dispatcher goroutine.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/aristath/qtrainer/internal/modules/training"
	"github.com/aristath/qtrainer/internal/modules/training/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize   = 256
	defaultStderrLines = 50
)

// Config describes the worker command. The job's JSON argument is appended
// after Args.
type Config struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string // Extra environment, appended to the orchestrator's
	QueueSize   int
	StderrLines int
}

// Supervisor implements training.Launcher.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	procs  map[uint64]*process
	recent *ring
	wg     sync.WaitGroup
}

var _ training.Launcher = (*Supervisor)(nil)

type process struct {
	gen     uint64
	jobID   string
	cmd     *exec.Cmd
	started time.Time
}

// ProcessInfo describes a live worker.
type ProcessInfo struct {
	PID        int       `json:"pid"`
	JobID      string    `json:"jobId"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"startedAt"`
}

type msgKind int

const (
	msgProgress msgKind = iota
	msgResultsWritten
	msgStderr
	msgExit
)

type message struct {
	kind     msgKind
	episode  int
	total    int
	text     string
	exitCode int
}

// New creates a supervisor.
func New(cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StderrLines <= 0 {
		cfg.StderrLines = defaultStderrLines
	}
	return &Supervisor{
		cfg:    cfg,
		log:    log.With().Str("component", "supervisor").Logger(),
		procs:  make(map[uint64]*process),
		recent: newRing(cfg.StderrLines),
	}
}

// Launch spawns the worker for job and returns once it is running.
func (s *Supervisor) Launch(ctx context.Context, job training.Job, sink training.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	arg, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("failed to encode worker arguments: %w", err)
	}
	args := append(append([]string(nil), s.cfg.Args...), string(arg))

	// Not CommandContext: the worker outlives the request that started it.
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.Dir
	setProcessGroup(cmd)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	p := &process{gen: job.Generation, jobID: job.ID, cmd: cmd, started: time.Now()}
	diag := newRing(s.cfg.StderrLines)

	s.mu.Lock()
	s.procs[job.Generation] = p
	s.recent = diag
	s.mu.Unlock()

	log := s.log.With().
		Str("job_id", job.ID).
		Uint64("generation", job.Generation).
		Int("pid", cmd.Process.Pid).
		Logger()
	log.Info().Str("command", s.cfg.Command).Msg("Worker started")

	msgs := make(chan message, s.cfg.QueueSize)

	var pumps errgroup.Group
	pumps.Go(func() error { return pumpStdout(stdout, msgs) })
	pumps.Go(func() error { return pumpStderr(stderr, msgs, diag, log) })

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatch(job.Generation, msgs, sink)
	}()
	go func() {
		defer s.wg.Done()
		if err := pumps.Wait(); err != nil {
			log.Warn().Err(err).Msg("Worker output stream failed")
		}
		code := exitCode(cmd.Wait())

		s.mu.Lock()
		delete(s.procs, job.Generation)
		s.mu.Unlock()

		log.Info().Int("exit_code", code).Dur("duration", time.Since(p.started)).Msg("Worker exited")
		msgs <- message{kind: msgExit, exitCode: code}
		close(msgs)
	}()

	return nil
}

// dispatch delivers messages to the sink in arrival order.
func (s *Supervisor) dispatch(gen uint64, msgs <-chan message, sink training.Sink) {
	for m := range msgs {
		switch m.kind {
		case msgProgress:
			sink.ApplyProgress(gen, m.episode, m.total)
		case msgResultsWritten:
			sink.ApplyResultsWritten(gen, m.text)
		case msgStderr:
			sink.ApplyWorkerOutput(gen, m.text)
		case msgExit:
			sink.ApplyWorkerFinished(gen, m.exitCode)
		}
	}
}

func pumpStdout(r io.Reader, msgs chan<- message) error {
	parser := protocol.NewParser(func(e protocol.Event) {
		switch ev := e.(type) {
		case protocol.Progress:
			msgs <- message{kind: msgProgress, episode: ev.Episode, total: ev.Total}
		case protocol.WroteResults:
			msgs <- message{kind: msgResultsWritten, text: ev.Path}
		}
	})
	_, err := io.Copy(parser, r)
	_ = parser.Close()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to read worker stdout: %w", err)
	}
	return nil
}

func pumpStderr(r io.Reader, msgs chan<- message, diag *ring, log zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		diag.add(line)
		log.Warn().Str("line", line).Msg("Worker stderr")
		msgs <- message{kind: msgStderr, text: line}
	}
	err := scanner.Err()
	// Keep draining so the worker never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to read worker stderr: %w", err)
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Terminate kills the worker of the given generation if it is still alive.
// It does not wait for the process to exit.
func (s *Supervisor) Terminate(generation uint64) {
	s.mu.Lock()
	p := s.procs[generation]
	s.mu.Unlock()
	if p == nil {
		return
	}

	if err := killProcess(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn().Err(err).Uint64("generation", generation).Msg("Failed to kill worker")
		return
	}
	s.log.Info().Str("job_id", p.jobID).Uint64("generation", generation).Msg("Worker terminated")
}

// Current returns the most recently launched worker that is still alive.
func (s *Supervisor) Current() (ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *process
	for _, p := range s.procs {
		if newest == nil || p.gen > newest.gen {
			newest = p
		}
	}
	if newest == nil {
		return ProcessInfo{}, false
	}
	return ProcessInfo{
		PID:        newest.cmd.Process.Pid,
		JobID:      newest.jobID,
		Generation: newest.gen,
		StartedAt:  newest.started,
	}, true
}

// RecentStderr returns the last stderr lines of the most recent worker.
func (s *Supervisor) RecentStderr() []string {
	s.mu.Lock()
	r := s.recent
	s.mu.Unlock()
	return r.lines()
}

// Shutdown kills every live worker and waits for their output to drain, or
// for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	gens := make([]uint64, 0, len(s.procs))
	for gen := range s.procs {
		gens = append(gens, gen)
	}
	s.mu.Unlock()

	for _, gen := range gens {
		s.Terminate(gen)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
