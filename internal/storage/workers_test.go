package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

func testWorker(provider models.Provider, accountID string) *models.Worker {
	return &models.Worker{
		Provider:    provider,
		AccountID:   accountID,
		TunnelURL:   models.PlaceholderTunnel(provider, accountID),
		Status:      models.WorkerOffline,
		AutoManaged: true,
		Capabilities: models.Capabilities{
			ModelFamily:    "llama",
			HasAccelerator: provider == models.ProviderKaggle,
		},
	}
}

func TestWorkerStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	worker := testWorker(models.ProviderKaggle, "kaggle-1")
	worker.MaxWeeklySeconds = 30 * 3600

	require.NoError(t, store.Create(ctx, worker))
	assert.NotZero(t, worker.ID)

	got, err := store.Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderKaggle, got.Provider)
	assert.Equal(t, "kaggle-1", got.AccountID)
	assert.Equal(t, 30*3600, got.MaxWeeklySeconds)
	assert.True(t, got.AutoManaged)
	assert.True(t, got.Capabilities.HasAccelerator)
}

func TestWorkerStore_Create_DuplicateAccount(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testWorker(models.ProviderColab, "colab-1")))

	err := store.Create(ctx, testWorker(models.ProviderColab, "colab-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Same account id under the other provider is a different identity
	err = store.Create(ctx, testWorker(models.ProviderKaggle, "colab-1"))
	assert.NoError(t, err)
}

func TestWorkerStore_GetByAccount(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	worker := testWorker(models.ProviderColab, "colab-2")
	require.NoError(t, store.Create(ctx, worker))

	got, err := store.GetByAccount(ctx, models.ProviderColab, "colab-2")
	require.NoError(t, err)
	assert.Equal(t, worker.ID, got.ID)

	_, err = store.GetByAccount(ctx, models.ProviderKaggle, "colab-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerStore_Update(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	worker := testWorker(models.ProviderKaggle, "kaggle-2")
	require.NoError(t, store.Create(ctx, worker))

	now := time.Now().UTC().Truncate(time.Second)
	worker.Status = models.WorkerHealthy
	worker.TunnelURL = "https://tunnel.example.com/abc"
	worker.SessionStartedAt = now
	worker.WeeklyUsageSeconds = 3600
	worker.WeekStartedAt = now.AddDate(0, 0, -2)
	require.NoError(t, store.Update(ctx, worker))

	got, err := store.Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerHealthy, got.Status)
	assert.Equal(t, "https://tunnel.example.com/abc", got.TunnelURL)
	assert.False(t, got.SessionStartedAt.IsZero())
	assert.Equal(t, 3600, got.WeeklyUsageSeconds)
}

func TestWorkerStore_Update_NotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)

	worker := testWorker(models.ProviderColab, "ghost")
	worker.ID = 999
	err := store.Update(context.Background(), worker)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerStore_Touch(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	worker := testWorker(models.ProviderKaggle, "kaggle-3")
	require.NoError(t, store.Create(ctx, worker))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Touch(ctx, worker.ID, at))

	got, err := store.Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, at, got.LastUsedAt, time.Second)

	assert.ErrorIs(t, store.Touch(ctx, 999, at), ErrNotFound)
}

func TestWorkerStore_List_Filters(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	manual := testWorker(models.ProviderColab, "manual-1")
	manual.AutoManaged = false
	require.NoError(t, store.Create(ctx, manual))

	for _, id := range []string{"colab-1", "colab-2"} {
		require.NoError(t, store.Create(ctx, testWorker(models.ProviderColab, id)))
	}
	kaggle := testWorker(models.ProviderKaggle, "kaggle-1")
	kaggle.Status = models.WorkerHealthy
	require.NoError(t, store.Create(ctx, kaggle))

	colabs, err := store.List(ctx, WorkerFilter{Provider: models.ProviderColab})
	require.NoError(t, err)
	assert.Len(t, colabs, 3)

	healthy, err := store.List(ctx, WorkerFilter{Statuses: []models.WorkerStatus{models.WorkerHealthy}})
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	assert.Equal(t, "kaggle-1", healthy[0].AccountID)

	auto := true
	managed, err := store.List(ctx, WorkerFilter{AutoManaged: &auto})
	require.NoError(t, err)
	assert.Len(t, managed, 3)
}

func TestWorkerStore_List_OrderedByID(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.Create(ctx, testWorker(models.ProviderColab, id)))
	}

	workers, err := store.List(ctx, WorkerFilter{})
	require.NoError(t, err)
	require.Len(t, workers, 3)
	for i := 1; i < len(workers); i++ {
		assert.Greater(t, workers[i].ID, workers[i-1].ID)
	}
}

func TestWorkerStore_Delete(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	worker := testWorker(models.ProviderColab, "colab-9")
	require.NoError(t, store.Create(ctx, worker))
	require.NoError(t, store.Delete(ctx, worker.ID))

	_, err := store.Get(ctx, worker.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, worker.ID), ErrNotFound)
}

func TestWorkerStore_CountByProvider(t *testing.T) {
	db := newTestDB(t)
	store := NewWorkerStore(db)
	ctx := context.Background()

	for _, id := range []string{"colab-1", "colab-2", "colab-3"} {
		require.NoError(t, store.Create(ctx, testWorker(models.ProviderColab, id)))
	}
	require.NoError(t, store.Create(ctx, testWorker(models.ProviderKaggle, "kaggle-1")))

	manual := testWorker(models.ProviderKaggle, "manual")
	manual.AutoManaged = false
	require.NoError(t, store.Create(ctx, manual))

	counts, err := store.CountByProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.ProviderColab])
	assert.Equal(t, 1, counts[models.ProviderKaggle])
}
