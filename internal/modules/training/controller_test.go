package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/qtrainer/internal/events"
	"github.com/aristath/qtrainer/internal/modules/training/results"
	testingpkg "github.com/aristath/qtrainer/internal/testing"
)

type fakeLauncher struct {
	mu         sync.Mutex
	jobs       []Job
	sink       Sink
	err        error
	terminated []uint64
	onLaunch   func(job Job)
}

func (f *fakeLauncher) Launch(_ context.Context, job Job, sink Sink) error {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return err
	}
	f.jobs = append(f.jobs, job)
	f.sink = sink
	hook := f.onLaunch
	f.mu.Unlock()

	if hook != nil {
		hook(job)
	}
	return nil
}

func (f *fakeLauncher) Terminate(generation uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, generation)
}

func (f *fakeLauncher) lastJob(t *testing.T) Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.jobs)
	return f.jobs[len(f.jobs)-1]
}

type fixture struct {
	ctrl     *Controller
	launcher *fakeLauncher
	store    *results.Store
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := results.NewStore(
		filepath.Join(dir, "results", "results.json"),
		filepath.Join(dir, "models", "q_table.msgpack"),
		zerolog.Nop(),
	)
	launcher := &fakeLauncher{}
	bus := events.NewBus(zerolog.Nop())
	ctrl := NewController(launcher, store, nil, events.NewManager(bus, zerolog.Nop()), WorkerPaths{
		DataPath:    filepath.Join(dir, "uploaded_data.csv"),
		ResultsPath: store.ResultsPath(),
		ModelPath:   store.ModelPath(),
	}, zerolog.Nop())
	return &fixture{ctrl: ctrl, launcher: launcher, store: store, bus: bus}
}

func paramsWithEpisodes(n int) Parameters {
	p := DefaultParameters()
	p.Episodes = n
	return p
}

func TestStart_NotReady(t *testing.T) {
	f := newFixture(t)
	before := f.ctrl.Snapshot()

	err := f.ctrl.Start(context.Background(), DefaultParameters(), false)

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, before, f.ctrl.Snapshot())
	assert.Empty(t, f.launcher.jobs)
}

func TestStart_InvalidParameters(t *testing.T) {
	f := newFixture(t)
	p := DefaultParameters()
	p.Gamma = 2

	err := f.ctrl.Start(context.Background(), p, true)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "gamma", verr.Field)
	assert.Equal(t, StateIdle, f.ctrl.Snapshot().State)
}

func TestStart_PassesWorkerArgs(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(5), true))

	job := f.launcher.lastJob(t)
	snap := f.ctrl.Snapshot()
	assert.Equal(t, uint64(1), job.Generation)
	assert.Equal(t, snap.JobID, job.ID)
	assert.Equal(t, job.ID, job.Args.JobID)
	assert.Equal(t, 5, job.Args.Episodes)
	assert.Equal(t, f.store.ResultsPath(), job.Args.ResultsPath)
	assert.Equal(t, StateRunning, snap.State)
	assert.True(t, snap.IsTraining)
	assert.Equal(t, 5, snap.TotalEpisodes)
	assert.NotNil(t, snap.StartedAt)
}

// Scenario A: five progress events followed by a written artifact.
func TestScenario_SuccessfulJob(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(5), true))
	gen := f.launcher.lastJob(t).Generation

	for ep := 1; ep <= 5; ep++ {
		f.ctrl.ApplyProgress(gen, ep, 5)
		snap := f.ctrl.Snapshot()
		assert.True(t, snap.IsTraining)
		assert.Equal(t, ep, snap.CurrentEpisode)
		assert.Equal(t, ep*20, snap.ProgressPercent)
		assert.Nil(t, snap.Results)
	}

	payload := results.Payload{
		FinalBalance:      10500.5,
		TotalReward:       500.5,
		EpisodesCompleted: 5,
		PortfolioHistory:  []float64{10000, 10200, 10500.5},
	}
	require.NoError(t, f.store.Write(payload))
	f.ctrl.ApplyResultsWritten(gen, f.store.ResultsPath())

	snap := f.ctrl.Snapshot()
	assert.False(t, snap.IsTraining)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 100, snap.ProgressPercent)
	assert.Equal(t, 5, snap.CurrentEpisode)
	require.NotNil(t, snap.Results)
	assert.Equal(t, payload, *snap.Results)
	assert.NotNil(t, snap.FinishedAt)
}

// Scenario B: stderr diagnostic, exit 1, no artifact.
func TestScenario_WorkerCrash(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(5), true))
	gen := f.launcher.lastJob(t).Generation

	f.ctrl.ApplyWorkerOutput(gen, "division by zero\n")
	assert.True(t, f.ctrl.Snapshot().IsTraining, "stderr output must not end the job")

	f.ctrl.ApplyWorkerFinished(gen, 1)

	snap := f.ctrl.Snapshot()
	assert.False(t, snap.IsTraining)
	assert.Equal(t, StateFailed, snap.State)
	assert.Nil(t, snap.Results)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "division by zero", *snap.LastError)
}

func TestApplyWorkerFinished_SynthesizesMissingArtifactError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(5), true))
	gen := f.launcher.lastJob(t).Generation

	f.ctrl.ApplyWorkerFinished(gen, 0)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "worker exited with code 0 and no artifact", *snap.LastError)
}

func TestApplyWorkerOutput_DecodesErrorEvent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(5), true))
	gen := f.launcher.lastJob(t).Generation

	f.ctrl.ApplyWorkerOutput(gen, `{"event":"error","message":"Data file not found"}`)
	f.ctrl.ApplyWorkerOutput(gen, "   ")

	snap := f.ctrl.Snapshot()
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "Data file not found", *snap.LastError)
}

func TestApplyWorkerFinished_Idempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(3), true))
	gen := f.launcher.lastJob(t).Generation

	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, TotalReward: 2, EpisodesCompleted: 3}))
	f.ctrl.ApplyResultsWritten(gen, f.store.ResultsPath())
	once := f.ctrl.Snapshot()

	// The exit notification arrives afterwards, even with a different code.
	f.ctrl.ApplyWorkerFinished(gen, 137)
	f.ctrl.ApplyWorkerFinished(gen, 0)
	assert.Equal(t, once, f.ctrl.Snapshot())
}

func TestApplyResultsWritten_WithoutArtifactWaitsForExit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(3), true))
	gen := f.launcher.lastJob(t).Generation

	f.ctrl.ApplyResultsWritten(gen, "/somewhere/else.json")
	assert.True(t, f.ctrl.Snapshot().IsTraining)

	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, EpisodesCompleted: 3}))
	f.ctrl.ApplyWorkerFinished(gen, 0)
	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Nil(t, snap.LastError)
}

func TestStart_AlreadyRunningLeavesSnapshotUnchanged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(10), true))
	gen := f.launcher.lastJob(t).Generation
	f.ctrl.ApplyProgress(gen, 3, 10)
	before := f.ctrl.Snapshot()

	err := f.ctrl.Start(context.Background(), paramsWithEpisodes(99), true)

	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, before, f.ctrl.Snapshot())
	assert.Len(t, f.launcher.jobs, 1)
}

func TestStart_LaunchFailureRecordedOnSnapshot(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = errors.New(`failed to start worker: exec: "trainer": executable file not found in $PATH`)

	err := f.ctrl.Start(context.Background(), DefaultParameters(), true)
	require.NoError(t, err)

	snap := f.ctrl.Snapshot()
	assert.False(t, snap.IsTraining)
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, *snap.LastError, "executable file not found")

	// A failed job does not block the next one.
	f.launcher.err = nil
	require.NoError(t, f.ctrl.Start(context.Background(), DefaultParameters(), true))
	snap = f.ctrl.Snapshot()
	assert.True(t, snap.IsTraining)
	assert.Nil(t, snap.LastError)
}

func TestStart_ClearsStaleState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(2), true))
	gen := f.launcher.lastJob(t).Generation
	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 7, EpisodesCompleted: 2}))
	f.ctrl.ApplyWorkerFinished(gen, 0)
	require.NotNil(t, f.ctrl.Snapshot().Results)

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(4), true))

	snap := f.ctrl.Snapshot()
	assert.True(t, snap.IsTraining)
	assert.Nil(t, snap.Results)
	assert.Nil(t, snap.LastError)
	assert.Zero(t, snap.CurrentEpisode)
	assert.Zero(t, snap.ProgressPercent)
	assert.Equal(t, 4, snap.TotalEpisodes)
	_, found := f.store.Resolve()
	assert.False(t, found, "previous artifact must be removed")
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.ctrl.Stop(), "stop without a job is a no-op")

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(10), true))
	gen := f.launcher.lastJob(t).Generation
	f.ctrl.ApplyProgress(gen, 4, 10)

	assert.True(t, f.ctrl.Stop())

	snap := f.ctrl.Snapshot()
	assert.False(t, snap.IsTraining)
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 4, snap.CurrentEpisode)
	assert.Equal(t, []uint64{gen}, f.launcher.terminated)

	// The dying worker's late reports are ignored.
	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, EpisodesCompleted: 10}))
	f.ctrl.ApplyProgress(gen, 9, 10)
	f.ctrl.ApplyWorkerFinished(gen, -1)
	snap = f.ctrl.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 4, snap.CurrentEpisode)
	assert.Nil(t, snap.Results)

	assert.False(t, f.ctrl.Stop())
}

func TestStaleGenerationCannotTouchNewJob(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(10), true))
	oldGen := f.launcher.lastJob(t).Generation
	f.ctrl.Stop()

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(10), true))
	newGen := f.launcher.lastJob(t).Generation
	require.Greater(t, newGen, oldGen)

	f.ctrl.ApplyProgress(oldGen, 8, 10)
	f.ctrl.ApplyWorkerOutput(oldGen, "killed")
	f.ctrl.ApplyWorkerFinished(oldGen, -1)

	snap := f.ctrl.Snapshot()
	assert.True(t, snap.IsTraining)
	assert.Equal(t, StateRunning, snap.State)
	assert.Zero(t, snap.CurrentEpisode)
	assert.Nil(t, snap.LastError)
}

func TestStop_DuringLaunchTerminatesWorker(t *testing.T) {
	f := newFixture(t)
	f.launcher.onLaunch = func(Job) { f.ctrl.Stop() }

	require.NoError(t, f.ctrl.Start(context.Background(), DefaultParameters(), true))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	// Once from Stop and once more after the spawn completed.
	assert.Equal(t, []uint64{1, 1}, f.launcher.terminated)
}

func TestApplyProgress_Monotonic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(10), true))
	gen := f.launcher.lastJob(t).Generation

	steps := []struct {
		episode, total int
	}{
		{1, 10}, {3, 10}, {2, 10}, {3, 0}, {5, 20}, {6, 20}, {6, -1}, {25, 20},
	}
	lastEpisode, lastPct := 0, 0
	for _, s := range steps {
		f.ctrl.ApplyProgress(gen, s.episode, s.total)
		snap := f.ctrl.Snapshot()
		assert.GreaterOrEqual(t, snap.CurrentEpisode, lastEpisode)
		assert.GreaterOrEqual(t, snap.ProgressPercent, lastPct)
		assert.GreaterOrEqual(t, snap.ProgressPercent, 0)
		assert.LessOrEqual(t, snap.ProgressPercent, 100)
		lastEpisode, lastPct = snap.CurrentEpisode, snap.ProgressPercent
	}

	snap := f.ctrl.Snapshot()
	assert.Equal(t, 25, snap.CurrentEpisode)
	assert.Equal(t, 20, snap.TotalEpisodes)
	assert.Equal(t, 100, snap.ProgressPercent)
}

func TestApplyProgress_IgnoredWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.ctrl.ApplyProgress(0, 5, 10)
	assert.Zero(t, f.ctrl.Snapshot().CurrentEpisode)
}

func TestSnapshot_LazilyResolvesArtifact(t *testing.T) {
	f := newFixture(t)
	payload := results.Payload{FinalBalance: 12000, TotalReward: 2000, EpisodesCompleted: 50, PortfolioHistory: []float64{}}
	require.NoError(t, f.store.Write(payload))

	snap := f.ctrl.Snapshot()

	assert.False(t, snap.IsTraining)
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Results)
	assert.Equal(t, payload, *snap.Results)
	assert.Equal(t, 100, snap.ProgressPercent)
	assert.Equal(t, 50, snap.CurrentEpisode)
}

func TestRefreshResults_RereadsArtifact(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, EpisodesCompleted: 1, PortfolioHistory: []float64{}}))
	require.Equal(t, 1.0, f.ctrl.Snapshot().Results.FinalBalance)

	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 2, EpisodesCompleted: 1, PortfolioHistory: []float64{}}))
	assert.Equal(t, 1.0, f.ctrl.Snapshot().Results.FinalBalance, "cached until refreshed")

	snap := f.ctrl.RefreshResults()
	require.NotNil(t, snap.Results)
	assert.Equal(t, 2.0, snap.Results.FinalBalance)
}

func TestRefreshResults_IgnoredWhileRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(5), true))
	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 2, EpisodesCompleted: 5, PortfolioHistory: []float64{}}))

	snap := f.ctrl.RefreshResults()
	assert.True(t, snap.IsTraining)
	assert.Nil(t, snap.Results)
}

func TestSnapshot_ResultsAreCopies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, EpisodesCompleted: 1, PortfolioHistory: []float64{1, 2}}))

	snap := f.ctrl.Snapshot()
	require.NotNil(t, snap.Results)
	snap.Results.PortfolioHistory[0] = 42
	snap.Results.FinalBalance = 42

	again := f.ctrl.Snapshot()
	assert.Equal(t, 1.0, again.Results.PortfolioHistory[0])
	assert.Equal(t, 1.0, again.Results.FinalBalance)
}

func TestController_EmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	var (
		mu   sync.Mutex
		seen []events.EventType
	)
	for _, et := range []events.EventType{events.TrainingStarted, events.TrainingCompleted, events.TrainingFailed} {
		f.bus.Subscribe(et, func(e *events.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.Type)
		})
	}

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(1), true))
	gen := f.launcher.lastJob(t).Generation
	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, EpisodesCompleted: 1}))
	f.ctrl.ApplyWorkerFinished(gen, 0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{events.TrainingStarted, events.TrainingCompleted}, seen)
}

func TestApplyProgress_ThrottlesEpisodeEvents(t *testing.T) {
	f := newFixture(t)
	clock := time.Unix(1700000000, 0)
	f.ctrl.now = func() time.Time { return clock }

	var episodes []int
	f.bus.Subscribe(events.TrainingProgress, func(e *events.Event) {
		data, ok := e.GetTypedData().(*events.TrainingProgressData)
		require.True(t, ok)
		episodes = append(episodes, data.CurrentEpisode)
	})

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(10000), true))
	gen := f.launcher.lastJob(t).Generation

	f.ctrl.ApplyProgress(gen, 1, 10000)
	f.ctrl.ApplyProgress(gen, 2, 10000)
	f.ctrl.ApplyProgress(gen, 3, 10000)
	clock = clock.Add(2 * progressInterval)
	f.ctrl.ApplyProgress(gen, 4, 10000)
	f.ctrl.ApplyProgress(gen, 4, 10000)
	f.ctrl.ApplyProgress(gen, 10000, 10000)

	assert.Equal(t, []int{1, 4, 10000}, episodes)
	assert.Equal(t, 10000, f.ctrl.Snapshot().CurrentEpisode)
}

type readyFlag bool

func (r readyFlag) Ready() bool { return bool(r) }

func TestStart_RechecksDatasetGate(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetDatasetGate(readyFlag(false))

	err := f.ctrl.Start(context.Background(), paramsWithEpisodes(3), true)

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateIdle, f.ctrl.Snapshot().State)
	f.launcher.mu.Lock()
	defer f.launcher.mu.Unlock()
	assert.Empty(t, f.launcher.jobs)
}

func TestWhileIdle(t *testing.T) {
	f := newFixture(t)

	called := false
	ran, err := f.ctrl.WhileIdle(func() error {
		called = true
		return errors.New("rename failed")
	})
	assert.True(t, ran)
	assert.True(t, called)
	assert.EqualError(t, err, "rename failed")

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(3), true))
	called = false
	ran, err = f.ctrl.WhileIdle(func() error {
		called = true
		return nil
	})
	assert.False(t, ran)
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestStart_WorkerFinishingDuringLaunchReportsStartFirst(t *testing.T) {
	f := newFixture(t)
	var (
		mu   sync.Mutex
		seen []events.EventType
	)
	for _, et := range []events.EventType{events.TrainingStarted, events.TrainingCompleted} {
		f.bus.Subscribe(et, func(e *events.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.Type)
		})
	}
	f.launcher.onLaunch = func(job Job) {
		require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, EpisodesCompleted: 2}))
		f.ctrl.ApplyWorkerFinished(job.Generation, 0)
	}

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(2), true))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{events.TrainingStarted, events.TrainingCompleted}, seen)
	assert.Equal(t, StateCompleted, f.ctrl.Snapshot().State)
}

func TestStart_WaitsForCompletionHandlersBeforeClearing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(1), true))
	gen := f.launcher.lastJob(t).Generation
	require.NoError(t, f.store.Write(results.Payload{FinalBalance: 1, EpisodesCompleted: 1}))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.bus.Subscribe(events.TrainingCompleted, func(*events.Event) {
		close(entered)
		<-release
	})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		f.ctrl.ApplyWorkerFinished(gen, 0)
	}()
	<-entered

	started := make(chan error, 1)
	go func() {
		started <- f.ctrl.Start(context.Background(), paramsWithEpisodes(1), true)
	}()
	require.Eventually(t, func() bool {
		return f.ctrl.Snapshot().State == StateStarting
	}, time.Second, 5*time.Millisecond)

	resultsGone := func() bool {
		_, err := os.Stat(f.store.ResultsPath())
		return os.IsNotExist(err)
	}
	assert.Never(t, resultsGone, 100*time.Millisecond, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-started)
	<-finished
	assert.True(t, resultsGone())
	assert.Equal(t, StateRunning, f.ctrl.Snapshot().State)
}

func TestController_ConcurrentAccess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(200), true))
	gen := f.launcher.lastJob(t).Generation

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ep := 1; ep <= 200; ep++ {
			f.ctrl.ApplyProgress(gen, ep, 200)
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for j := 0; j < 200; j++ {
				snap := f.ctrl.Snapshot()
				if snap.ProgressPercent < last {
					t.Errorf("progress went backwards: %d < %d", snap.ProgressPercent, last)
					return
				}
				last = snap.ProgressPercent
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, f.ctrl.Snapshot().ProgressPercent)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		current, total, want int
	}{
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{5, 5, 100},
		{7, 5, 100},
		{-1, 5, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percent(tt.current, tt.total), "%d/%d", tt.current, tt.total)
	}
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(testingpkg.NewMemoryDB(t), zerolog.Nop())
}

func TestController_PersistsAndRestores(t *testing.T) {
	repo := newTestRepository(t)
	f := newFixture(t)
	f.ctrl.store = repo

	require.NoError(t, f.ctrl.Start(context.Background(), paramsWithEpisodes(10), true))
	gen := f.launcher.lastJob(t).Generation
	f.ctrl.ApplyProgress(gen, 4, 10)
	jobID := f.ctrl.Snapshot().JobID

	// Simulate a restart while the job is running.
	restarted := NewController(f.launcher, f.store, repo, nil, f.ctrl.paths, zerolog.Nop())
	require.NoError(t, restarted.Restore(context.Background()))

	snap := restarted.Snapshot()
	assert.False(t, snap.IsTraining)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, jobID, snap.JobID)
	assert.Equal(t, 4, snap.CurrentEpisode)
	assert.Equal(t, 40, snap.ProgressPercent)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "orchestrator restarted while job was running", *snap.LastError)

	// Generation numbering continues across restarts.
	require.NoError(t, restarted.Start(context.Background(), DefaultParameters(), true))
	assert.Equal(t, gen+1, f.launcher.lastJob(t).Generation)
}

func TestRestore_EmptyStore(t *testing.T) {
	f := newFixture(t)
	f.ctrl.store = newTestRepository(t)

	require.NoError(t, f.ctrl.Restore(context.Background()))
	assert.Equal(t, StateIdle, f.ctrl.Snapshot().State)
}
