package results

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(
		filepath.Join(dir, "results", "results.json"),
		filepath.Join(dir, "models", "q_table.msgpack"),
		zerolog.Nop(),
	)
}

func TestStore_WriteThenLoad(t *testing.T) {
	store := newTestStore(t)

	in := Payload{
		FinalBalance:      10500.25,
		TotalReward:       500.25,
		EpisodesCompleted: 1000,
		PortfolioHistory:  []float64{10000, 10100.5, 10500.25},
	}
	require.NoError(t, store.Write(in))

	out, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	resolved, ok := store.Resolve()
	require.True(t, ok)
	assert.Equal(t, in, *resolved)
}

func TestStore_WriteEmptyHistory(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Write(Payload{FinalBalance: 1, TotalReward: 0, EpisodesCompleted: 1}))

	data, err := os.ReadFile(store.ResultsPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"portfolioHistory":[]`)

	out, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, out.PortfolioHistory)
	assert.Empty(t, out.PortfolioHistory)
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	_, ok := store.Resolve()
	assert.False(t, ok)
}

func TestStore_LoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated write", `{"finalBalance": 10500.2`},
		{"not json", "hello"},
		{"missing finalBalance", `{"totalReward":1,"episodesCompleted":2,"portfolioHistory":[]}`},
		{"null totalReward", `{"finalBalance":1,"totalReward":null,"episodesCompleted":2}`},
		{"negative episodes", `{"finalBalance":1,"totalReward":1,"episodesCompleted":-1}`},
		{"wrong type", `{"finalBalance":"rich","totalReward":1,"episodesCompleted":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(store.ResultsPath()), 0755))
			require.NoError(t, os.WriteFile(store.ResultsPath(), []byte(tt.content), 0644))

			_, err := store.Load()
			assert.ErrorIs(t, err, ErrArtifactCorrupt)

			_, ok := store.Resolve()
			assert.False(t, ok)
		})
	}
}

func TestDecode_MissingHistoryIsEmpty(t *testing.T) {
	p, err := Decode([]byte(`{"finalBalance":9000,"totalReward":-1000,"episodesCompleted":3}`))
	require.NoError(t, err)
	assert.Equal(t, 9000.0, p.FinalBalance)
	assert.Equal(t, -1000.0, p.TotalReward)
	assert.Equal(t, 3, p.EpisodesCompleted)
	assert.Equal(t, []float64{}, p.PortfolioHistory)
}

func TestStore_ClearStale(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Write(Payload{FinalBalance: 1, EpisodesCompleted: 1}))
	require.NoError(t, WriteModel(store.ModelPath(), &Model{Actions: 3, QValues: map[string][]float64{}}))
	require.True(t, store.ModelExists())

	require.NoError(t, store.ClearStale())

	_, ok := store.Resolve()
	assert.False(t, ok)
	assert.False(t, store.ModelExists())

	// Nothing left to clear is not an error.
	assert.NoError(t, store.ClearStale())
}

func TestPayload_CloneIsDeep(t *testing.T) {
	p := &Payload{FinalBalance: 1, PortfolioHistory: []float64{1, 2, 3}}
	c := p.Clone()
	c.PortfolioHistory[0] = 99

	assert.Equal(t, 1.0, p.PortfolioHistory[0])
	assert.Nil(t, (*Payload)(nil).Clone())
}

func TestModel_RoundTripAndInfo(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ModelInfo()
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	model := &Model{
		Actions: 3,
		Epsilon: 0.01,
		QValues: map[string][]float64{
			"2_200_0": {0.1, 0.5, -0.2},
			"3_201_1": {0, 0, 1.5},
		},
	}
	require.NoError(t, WriteModel(store.ModelPath(), model))

	got, err := ReadModel(store.ModelPath())
	require.NoError(t, err)
	assert.Equal(t, ModelFormat, got.Format)
	assert.Equal(t, model.QValues, got.QValues)

	info, err := store.ModelInfo()
	require.NoError(t, err)
	assert.Equal(t, ModelFormat, info.Format)
	assert.Equal(t, 2, info.States)
	assert.Equal(t, 3, info.Actions)
	assert.Positive(t, info.SizeBytes)
}

func TestModelInfo_OpaqueFormat(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.ModelPath()), 0755))
	require.NoError(t, os.WriteFile(store.ModelPath(), []byte("\x80\x04pickled"), 0644))

	info, err := store.ModelInfo()
	require.NoError(t, err)
	assert.Equal(t, "opaque", info.Format)
	assert.Zero(t, info.States)
}

func TestStore_WatchNotifiesOnWrite(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.ResultsPath()), 0755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 16)
	require.NoError(t, store.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(store.ResultsPath()), "other.txt"), []byte("x"), 0644))
	require.NoError(t, store.Write(Payload{FinalBalance: 1, EpisodesCompleted: 1}))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification for result artifact")
	}
}
