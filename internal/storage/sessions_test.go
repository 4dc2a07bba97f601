package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

func testSession(workerID int64, provider models.Provider) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		WorkerID:     workerID,
		SessionID:    uuid.New().String(),
		Provider:     provider,
		Status:       models.SessionStarting,
		StartedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(8*time.Hour + 24*time.Minute),
	}
}

func createWorker(t *testing.T, db *DB, provider models.Provider, accountID string) *models.Worker {
	t.Helper()
	worker := testWorker(provider, accountID)
	require.NoError(t, NewWorkerStore(db).Create(context.Background(), worker))
	return worker
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderKaggle, "kaggle-1")
	session := testSession(worker.ID, worker.Provider)
	require.NoError(t, store.Create(ctx, session))
	assert.NotZero(t, session.ID)

	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.ID, got.WorkerID)
	assert.Equal(t, models.SessionStarting, got.Status)
	assert.Equal(t, session.SessionID, got.SessionID)
}

func TestSessionStore_Create_SecondLiveSessionRejected(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderColab, "colab-1")
	require.NoError(t, store.Create(ctx, testSession(worker.ID, worker.Provider)))

	err := store.Create(ctx, testSession(worker.ID, worker.Provider))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSessionStore_Create_AfterTerminationAllowed(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderColab, "colab-1")
	first := testSession(worker.ID, worker.Provider)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Terminate(ctx, first.ID, models.ShutdownManualStop, time.Now(), 120))

	err := store.Create(ctx, testSession(worker.ID, worker.Provider))
	assert.NoError(t, err)
}

func TestSessionStore_GetLiveByWorker(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderKaggle, "kaggle-1")

	_, err := store.GetLiveByWorker(ctx, worker.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	session := testSession(worker.ID, worker.Provider)
	require.NoError(t, store.Create(ctx, session))

	got, err := store.GetLiveByWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}

func TestSessionStore_MarkActive_GuardedByStatus(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderKaggle, "kaggle-1")
	session := testSession(worker.ID, worker.Provider)
	require.NoError(t, store.Create(ctx, session))

	require.NoError(t, store.MarkActive(ctx, session.ID, "https://tunnel.example.com/x"))

	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Equal(t, "https://tunnel.example.com/x", got.TunnelURL)

	// Guard fails once the session left 'starting'
	err = store.MarkActive(ctx, session.ID, "https://other.example.com")
	assert.ErrorIs(t, err, ErrStaleStatus)
}

func TestSessionStore_MarkActive_LosesToConcurrentTerminate(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderColab, "colab-1")
	session := testSession(worker.ID, worker.Provider)
	require.NoError(t, store.Create(ctx, session))

	require.NoError(t, store.Terminate(ctx, session.ID, models.ShutdownStartupError, time.Now(), 0))

	err := store.MarkActive(ctx, session.ID, "https://tunnel.example.com/x")
	assert.ErrorIs(t, err, ErrStaleStatus)
}

func TestSessionStore_Terminate_IsAbsorbing(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderKaggle, "kaggle-1")
	session := testSession(worker.ID, worker.Provider)
	require.NoError(t, store.Create(ctx, session))

	require.NoError(t, store.Terminate(ctx, session.ID, models.ShutdownSessionLimit, time.Now(), 300))

	// Second terminate must not overwrite the recorded reason
	err := store.Terminate(ctx, session.ID, models.ShutdownManualStop, time.Now(), 600)
	assert.ErrorIs(t, err, ErrStaleStatus)

	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShutdownSessionLimit, got.ShutdownReason)
	assert.Equal(t, 300, got.DurationSeconds)
}

func TestSessionStore_MarkIdleAndTouchActivity(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderKaggle, "kaggle-1")
	session := testSession(worker.ID, worker.Provider)
	require.NoError(t, store.Create(ctx, session))
	require.NoError(t, store.MarkActive(ctx, session.ID, "https://t.example.com"))

	require.NoError(t, store.MarkIdle(ctx, session.ID))
	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, got.Status)

	// Activity promotes idle back to active
	require.NoError(t, store.TouchActivity(ctx, session.ID, time.Now()))
	got, err = store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestSessionStore_TerminateStaleStarting(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderColab, "colab-1")
	stale := testSession(worker.ID, worker.Provider)
	stale.StartedAt = time.Now().UTC().Add(-20 * time.Minute)
	require.NoError(t, store.Create(ctx, stale))

	worker2 := createWorker(t, db, models.ProviderColab, "colab-2")
	fresh := testSession(worker2.ID, worker2.Provider)
	require.NoError(t, store.Create(ctx, fresh))

	reaped, err := store.TerminateStaleStarting(ctx, time.Now().Add(-10*time.Minute), models.ShutdownStartupTimeout)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, got.Status)
	assert.Equal(t, models.ShutdownStartupTimeout, got.ShutdownReason)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStarting, got.Status)
}

func TestSessionStore_TerminateExpired(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	worker := createWorker(t, db, models.ProviderKaggle, "kaggle-1")
	expired := testSession(worker.ID, worker.Provider)
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, expired))
	require.NoError(t, store.MarkActive(ctx, expired.ID, "https://t.example.com"))

	reaped, err := store.TerminateExpired(ctx, time.Now(), models.ShutdownQuotaExpired)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	got, err := store.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShutdownQuotaExpired, got.ShutdownReason)
}

func TestSessionStore_List_Filters(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	colab := createWorker(t, db, models.ProviderColab, "colab-1")
	kaggle := createWorker(t, db, models.ProviderKaggle, "kaggle-1")

	s1 := testSession(colab.ID, colab.Provider)
	require.NoError(t, store.Create(ctx, s1))
	s2 := testSession(kaggle.ID, kaggle.Provider)
	require.NoError(t, store.Create(ctx, s2))
	require.NoError(t, store.Terminate(ctx, s2.ID, models.ShutdownManualStop, time.Now(), 60))

	live, err := store.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, s1.ID, live[0].ID)

	kaggleSessions, err := store.List(ctx, SessionFilter{Provider: models.ProviderKaggle})
	require.NoError(t, err)
	assert.Len(t, kaggleSessions, 1)
}
