package alternation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// mockStore implements Store for testing
type mockStore struct {
	state storage.AlternationState
	inits int
}

func (m *mockStore) Init(ctx context.Context) error {
	m.inits++
	return nil
}

func (m *mockStore) Get(ctx context.Context) (*storage.AlternationState, error) {
	copy := m.state
	copy.StartHistory = append([]storage.ProviderEvent(nil), m.state.StartHistory...)
	copy.StopHistory = append([]storage.ProviderEvent(nil), m.state.StopHistory...)
	return &copy, nil
}

func (m *mockStore) Save(ctx context.Context, state *storage.AlternationState) error {
	m.state = *state
	return nil
}

var gateNow = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

func newTestGate(store *mockStore) *Gate {
	return New(store, WithTimeFunc(func() time.Time { return gateNow }))
}

func TestNextProvider_InitialIsColab(t *testing.T) {
	gate := newTestGate(&mockStore{})

	next, err := gate.NextProvider(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ProviderColab, next)
}

func TestNextProvider_OppositeOfLastStopped(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(&mockStore{})

	require.NoError(t, gate.RecordProviderStopped(ctx, models.ProviderColab))
	next, err := gate.NextProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderKaggle, next)

	require.NoError(t, gate.RecordProviderStopped(ctx, models.ProviderKaggle))
	next, err = gate.NextProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderColab, next)
}

func TestCanStart(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(&mockStore{})
	require.NoError(t, gate.RecordProviderStopped(ctx, models.ProviderColab))

	ok, err := gate.CanStart(ctx, models.ProviderKaggle)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.CanStart(ctx, models.ProviderColab)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordProviderStarted_DoesNotFlipGate(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	gate := newTestGate(store)

	require.NoError(t, gate.RecordProviderStarted(ctx, models.ProviderColab))

	assert.Equal(t, models.ProviderColab, store.state.LastStarted)
	// The gate flips on stops, not starts
	next, err := gate.NextProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderColab, next)
}

func TestHistory_BoundedFIFO(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	gate := newTestGate(store)

	for i := 0; i < HistoryLimit+5; i++ {
		provider := models.ProviderColab
		if i%2 == 1 {
			provider = models.ProviderKaggle
		}
		require.NoError(t, gate.RecordProviderStopped(ctx, provider))
	}

	_, stops, err := gate.History(ctx)
	require.NoError(t, err)
	require.Len(t, stops, HistoryLimit)

	// The five oldest entries were evicted; the newest survives
	last := stops[len(stops)-1]
	assert.Equal(t, models.ProviderKaggle, last.Provider)
	assert.Equal(t, gateNow, last.At)
}

func TestOverrideFallback_LeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	gate := newTestGate(store)
	require.NoError(t, gate.RecordProviderStopped(ctx, models.ProviderColab))

	require.NoError(t, gate.OverrideFallback(ctx, models.ProviderColab, "kaggle pool exhausted"))

	// The gate still expects kaggle; the override only permits one start
	next, err := gate.NextProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderKaggle, next)
}

func TestInit_DelegatesToStore(t *testing.T) {
	store := &mockStore{}
	gate := newTestGate(store)
	require.NoError(t, gate.Init(context.Background()))
	assert.Equal(t, 1, store.inits)
}

func TestStartsAlternateAcrossFullCycles(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(&mockStore{})

	var started []models.Provider
	for i := 0; i < 6; i++ {
		next, err := gate.NextProvider(ctx)
		require.NoError(t, err)
		require.NoError(t, gate.RecordProviderStarted(ctx, next))
		started = append(started, next)
		require.NoError(t, gate.RecordProviderStopped(ctx, next))
	}

	assert.Equal(t, []models.Provider{
		models.ProviderColab, models.ProviderKaggle,
		models.ProviderColab, models.ProviderKaggle,
		models.ProviderColab, models.ProviderKaggle,
	}, started)
}
