package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

func (f *fixture) addSession(t *testing.T, workerID int64, provider models.Provider,
	status models.SessionStatus, startedAt, expiresAt time.Time) *models.Session {
	t.Helper()
	session := &models.Session{
		WorkerID:     workerID,
		SessionID:    "corr-" + string(provider),
		Provider:     provider,
		Status:       status,
		StartedAt:    startedAt,
		LastActivity: startedAt,
		ExpiresAt:    expiresAt,
	}
	require.NoError(t, f.sessions.Create(context.Background(), session))
	return session
}

func TestReconcile_TerminatesStaleStarting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := f.addWorker(t, models.ProviderColab, 1)
	worker.Status = models.WorkerStarting
	worker.SessionStartedAt = fixedNow.Add(-15 * time.Minute)
	require.NoError(t, f.workers.Update(ctx, worker))

	session := f.addSession(t, worker.ID, models.ProviderColab, models.SessionStarting,
		fixedNow.Add(-15*time.Minute), fixedNow.Add(8*time.Hour))

	require.NoError(t, f.controller.Reconcile(ctx))

	reloaded, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, reloaded.Status)
	assert.Equal(t, models.ShutdownStartupTimeout, reloaded.ShutdownReason)

	// The worker's ledger state was closed too
	w, err := f.workers.Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.False(t, w.SessionLive())
	assert.Equal(t, models.WorkerOffline, w.Status)
}

func TestReconcile_TerminatesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := f.addWorker(t, models.ProviderKaggle, 1)
	worker.Status = models.WorkerHealthy
	worker.SessionStartedAt = fixedNow.Add(-9 * time.Hour)
	require.NoError(t, f.workers.Update(ctx, worker))

	session := f.addSession(t, worker.ID, models.ProviderKaggle, models.SessionActive,
		fixedNow.Add(-9*time.Hour), fixedNow.Add(-36*time.Minute))

	require.NoError(t, f.controller.Reconcile(ctx))

	reloaded, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, reloaded.Status)
	assert.Equal(t, models.ShutdownQuotaExpired, reloaded.ShutdownReason)
}

func TestReconcile_AdoptsHealthyLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := f.addWorker(t, models.ProviderKaggle, 1)
	worker.Status = models.WorkerHealthy
	worker.SessionStartedAt = fixedNow.Add(-time.Hour)
	require.NoError(t, f.workers.Update(ctx, worker))

	session := f.addSession(t, worker.ID, models.ProviderKaggle, models.SessionActive,
		fixedNow.Add(-time.Hour), fixedNow.Add(7*time.Hour))

	require.NoError(t, f.controller.Reconcile(ctx))

	// Fresh live sessions survive reconciliation untouched
	reloaded, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, reloaded.Status)

	w, err := f.workers.Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.True(t, w.SessionLive())
	assert.Equal(t, models.WorkerHealthy, w.Status)
}

func TestReconcile_RecentStartingSurvives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := f.addWorker(t, models.ProviderColab, 1)
	worker.Status = models.WorkerStarting
	worker.SessionStartedAt = fixedNow.Add(-2 * time.Minute)
	require.NoError(t, f.workers.Update(ctx, worker))

	session := f.addSession(t, worker.ID, models.ProviderColab, models.SessionStarting,
		fixedNow.Add(-2*time.Minute), fixedNow.Add(8*time.Hour))

	require.NoError(t, f.controller.Reconcile(ctx))

	reloaded, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStarting, reloaded.Status)
}

func TestReconcile_TerminatesOrphanedSessionRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The worker's ledger side closed without the row: the session ended
	// provider-side without a clean shutdown
	worker := f.addWorker(t, models.ProviderKaggle, 1)
	session := f.addSession(t, worker.ID, models.ProviderKaggle, models.SessionActive,
		fixedNow.Add(-2*time.Hour), fixedNow.Add(6*time.Hour))

	require.NoError(t, f.controller.Reconcile(ctx))

	reloaded, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, reloaded.Status)
	assert.Equal(t, models.ShutdownProviderError, reloaded.ShutdownReason)
	assert.Equal(t, 2*3600, reloaded.DurationSeconds)

	// The uniqueness slot is free for the next start
	_, err = f.sessions.GetLiveByWorker(ctx, worker.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReapStaleSessions_RunsOnMonitorCadence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := f.addWorker(t, models.ProviderKaggle, 1)
	worker.Status = models.WorkerStarting
	worker.SessionStartedAt = fixedNow.Add(-20 * time.Minute)
	require.NoError(t, f.workers.Update(ctx, worker))

	session := f.addSession(t, worker.ID, models.ProviderKaggle, models.SessionStarting,
		fixedNow.Add(-20*time.Minute), fixedNow.Add(8*time.Hour))

	f.controller.reapStaleSessions(ctx)

	reloaded, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, reloaded.Status)

	// The partial unique index slot is free again
	_, err = f.sessions.GetLiveByWorker(ctx, worker.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
