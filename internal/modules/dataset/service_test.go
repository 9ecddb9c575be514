package dataset

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/qtrainer/internal/events"
	testingpkg "github.com/aristath/qtrainer/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCSV = "Date,Close\n2024-01-01,100\n2024-01-02,101.5\n2024-01-03,99\n"

type fakeTraining struct{ active bool }

func (f *fakeTraining) Active() bool { return f.active }

func (f *fakeTraining) WhileIdle(fn func() error) (bool, error) {
	if f.active {
		return false, nil
	}
	return true, fn()
}

// startingReader reports a job start on its first read, as if a job began
// while the upload body was still streaming.
type startingReader struct {
	r        io.Reader
	training *fakeTraining
}

func (s *startingReader) Read(p []byte) (int, error) {
	s.training.active = true
	return s.r.Read(p)
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) handle(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type serviceFixture struct {
	svc      *Service
	repo     *Repository
	training *fakeTraining
	rec      *recorder
	dir      string
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	repo := NewRepository(testingpkg.NewMemoryDB(t), zerolog.Nop())

	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.Subscribe(events.DatasetUploaded, rec.handle)
	bus.Subscribe(events.DatasetRejected, rec.handle)

	svc := NewService(filepath.Join(dir, "uploaded_data.csv"), filepath.Join(dir, "uploads"), repo, events.NewManager(bus, zerolog.Nop()), zerolog.Nop())
	training := &fakeTraining{}
	svc.SetTrainingState(training)

	return &serviceFixture{svc: svc, repo: repo, training: training, rec: rec, dir: dir}
}

func (f *serviceFixture) uploadsLeft(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.dir, "uploads"))
	require.NoError(t, err)
	return entries
}

func TestService_UploadValid(t *testing.T) {
	f := newServiceFixture(t)
	assert.False(t, f.svc.Ready())

	rec, err := f.svc.Upload(context.Background(), "../prices.csv", strings.NewReader(validCSV))
	require.NoError(t, err)

	assert.True(t, rec.Ready)
	assert.Equal(t, "prices.csv", rec.Filename)
	assert.Equal(t, int64(len(validCSV)), rec.SizeBytes)
	require.NotNil(t, rec.Summary)
	assert.Equal(t, 3, rec.Summary.Rows)
	assert.True(t, f.svc.Ready())

	content, err := os.ReadFile(f.svc.DatasetPath())
	require.NoError(t, err)
	assert.Equal(t, validCSV, string(content))

	assert.Empty(t, f.uploadsLeft(t))
	assert.Equal(t, []events.EventType{events.DatasetUploaded}, f.rec.types())

	stored, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Ready)
	assert.Equal(t, 3, stored.Summary.Rows)
}

func TestService_UploadInvalidRemovesDataset(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Upload(context.Background(), "good.csv", strings.NewReader(validCSV))
	require.NoError(t, err)

	_, err = f.svc.Upload(context.Background(), "bad.csv", strings.NewReader("Date,Open\n1,2\n"))
	require.Error(t, err)

	var invalid *InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "'Close' column missing in header", invalid.Reason)

	assert.False(t, f.svc.Ready())
	_, statErr := os.Stat(f.svc.DatasetPath())
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, f.uploadsLeft(t))
	assert.Equal(t, []events.EventType{events.DatasetUploaded, events.DatasetRejected}, f.rec.types())

	stored, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, stored.Ready)
	assert.Nil(t, stored.Summary)
}

func TestService_UploadRejectedWhileTraining(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Upload(context.Background(), "good.csv", strings.NewReader(validCSV))
	require.NoError(t, err)

	f.training.active = true
	_, err = f.svc.Upload(context.Background(), "other.csv", strings.NewReader("Close\n1\n2\n"))
	assert.ErrorIs(t, err, ErrTrainingActive)

	// The running job keeps its dataset.
	assert.True(t, f.svc.Ready())
	content, err := os.ReadFile(f.svc.DatasetPath())
	require.NoError(t, err)
	assert.Equal(t, validCSV, string(content))
}

func TestService_UploadKeepsDatasetWhenTrainingStartsMidStream(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"valid replacement", "Close\n1\n2\n3\n"},
		{"invalid replacement", "Open\n1\n2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			_, err := f.svc.Upload(context.Background(), "good.csv", strings.NewReader(validCSV))
			require.NoError(t, err)

			body := &startingReader{r: strings.NewReader(tt.body), training: f.training}
			_, err = f.svc.Upload(context.Background(), "late.csv", body)
			assert.ErrorIs(t, err, ErrTrainingActive)

			assert.True(t, f.svc.Ready())
			assert.Equal(t, "good.csv", f.svc.Current().Filename)
			content, err := os.ReadFile(f.svc.DatasetPath())
			require.NoError(t, err)
			assert.Equal(t, validCSV, string(content))

			stored, err := f.repo.Load(context.Background())
			require.NoError(t, err)
			assert.True(t, stored.Ready)
			assert.Equal(t, "good.csv", stored.Filename)
			assert.Empty(t, f.uploadsLeft(t))
		})
	}
}

func TestService_RestoreReadiness(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Upload(context.Background(), "good.csv", strings.NewReader(validCSV))
	require.NoError(t, err)

	restarted := NewService(f.svc.DatasetPath(), filepath.Join(f.dir, "uploads"), f.repo, nil, zerolog.Nop())
	require.NoError(t, restarted.Restore(context.Background()))
	assert.True(t, restarted.Ready())
	assert.Equal(t, "good.csv", restarted.Current().Filename)
}

func TestService_RestoreMissingFile(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Upload(context.Background(), "good.csv", strings.NewReader(validCSV))
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.svc.DatasetPath()))

	restarted := NewService(f.svc.DatasetPath(), filepath.Join(f.dir, "uploads"), f.repo, nil, zerolog.Nop())
	require.NoError(t, restarted.Restore(context.Background()))
	assert.False(t, restarted.Ready())
}

func TestService_WithoutRepository(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(filepath.Join(dir, "data.csv"), filepath.Join(dir, "uploads"), nil, nil, zerolog.Nop())

	require.NoError(t, svc.Restore(context.Background()))
	assert.Nil(t, svc.Current())

	_, err := svc.Upload(context.Background(), "data.csv", strings.NewReader(validCSV))
	require.NoError(t, err)
	assert.True(t, svc.Ready())
}

func TestRepository_LoadEmpty(t *testing.T) {
	repo := NewRepository(testingpkg.NewMemoryDB(t), zerolog.Nop())

	rec, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRepository_SaveOverwrites(t *testing.T) {
	repo := NewRepository(testingpkg.NewMemoryDB(t), zerolog.Nop())
	sma := 101.25
	uploaded := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(context.Background(), Record{
		Filename:   "a.csv",
		Path:       "/data/uploaded_data.csv",
		Ready:      true,
		SizeBytes:  42,
		UploadedAt: uploaded,
		Summary:    &Summary{Rows: 30, Min: 1, Max: 2, Mean: 1.5, StdDev: 0.5, SMA20: &sma},
	}))

	rec, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a.csv", rec.Filename)
	assert.Equal(t, uploaded, rec.UploadedAt)
	require.NotNil(t, rec.Summary)
	require.NotNil(t, rec.Summary.SMA20)
	assert.Equal(t, sma, *rec.Summary.SMA20)
	assert.Nil(t, rec.Summary.RSI14)

	require.NoError(t, repo.Save(context.Background(), Record{Filename: "b.csv", UploadedAt: uploaded}))
	rec, err = repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b.csv", rec.Filename)
	assert.False(t, rec.Ready)
}

func TestCleanupJob(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "upload-old.csv")
	fresh := filepath.Join(dir, "upload-new.csv")
	other := filepath.Join(dir, "keep.txt")
	for _, p := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	job := NewCleanupJob(dir, time.Hour, zerolog.Nop())
	assert.Equal(t, "uploads_cleanup", job.Name())
	require.NoError(t, job.Run())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestCleanupJob_MissingDir(t *testing.T) {
	job := NewCleanupJob(filepath.Join(t.TempDir(), "absent"), time.Hour, zerolog.Nop())
	assert.NoError(t, job.Run())
}
