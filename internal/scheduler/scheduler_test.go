package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/aristath/qtrainer/internal/testing"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func (j *countingJob) Name() string { return "counting" }

func TestScheduler_AddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())

	err := s.AddJob("not a schedule", &countingJob{})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Entries())
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := New(zerolog.Nop())
	ok := &countingJob{}
	failing := &countingJob{err: errors.New("boom")}

	require.NoError(t, s.AddJob("@every 1s", ok))
	require.NoError(t, s.AddJob("@every 1s", failing))
	assert.Equal(t, 2, s.Entries())

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return ok.runs.Load() > 0 && failing.runs.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{err: errors.New("boom")}

	assert.EqualError(t, s.RunNow(job), "boom")
	assert.Equal(t, int32(1), job.runs.Load())
}

type failingCheckpointer struct{}

func (failingCheckpointer) WALCheckpoint(string) error { return errors.New("locked") }

func TestWALCheckpointJob(t *testing.T) {
	job := NewWALCheckpointJob(testingpkg.NewTestDB(t), zerolog.Nop())
	assert.Equal(t, "wal_checkpoint", job.Name())
	assert.NoError(t, job.Run())

	assert.NoError(t, NewWALCheckpointJob(nil, zerolog.Nop()).Run())

	err := NewWALCheckpointJob(failingCheckpointer{}, zerolog.Nop()).Run()
	assert.ErrorContains(t, err, "locked")
}
