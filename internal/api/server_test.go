package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notebook-fleet/notebook-fleet/internal/activator"
	"github.com/notebook-fleet/notebook-fleet/internal/alternation"
	"github.com/notebook-fleet/notebook-fleet/internal/config"
	"github.com/notebook-fleet/notebook-fleet/internal/controller"
	"github.com/notebook-fleet/notebook-fleet/internal/driver"
	"github.com/notebook-fleet/notebook-fleet/internal/planner"
	"github.com/notebook-fleet/notebook-fleet/internal/quota"
	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

var fixedNow = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

type mockDriver struct {
	provider models.Provider

	mu         sync.Mutex
	startCalls []int64
	stopCalls  []int64
}

func (m *mockDriver) Name() models.Provider { return m.provider }

func (m *mockDriver) StartSession(_ context.Context, req driver.StartRequest) (*driver.StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = append(m.startCalls, req.WorkerID)
	return &driver.StartResult{
		TunnelURL: "https://tunnel.example.com/mock",
		StartedAt: time.Now(),
	}, nil
}

func (m *mockDriver) StopSession(_ context.Context, workerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls = append(m.stopCalls, workerID)
	return nil
}

func (m *mockDriver) ScrapeQuota(_ context.Context, req driver.ScrapeRequest) (*driver.QuotaSnapshot, error) {
	return &driver.QuotaSnapshot{Provider: m.provider, AccountID: req.AccountID}, nil
}

func (m *mockDriver) starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.startCalls)
}

type fixture struct {
	workers *storage.WorkerStore
	server  *Server
	colab   *mockDriver
	kaggle  *mockDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })

	workers := storage.NewWorkerStore(db)
	sessions := storage.NewSessionStore(db)

	nowFn := func() time.Time { return fixedNow }
	ledger := quota.New(workers, quota.WithTimeFunc(nowFn))
	gate := alternation.New(storage.NewAlternationStore(db), alternation.WithTimeFunc(nowFn))
	require.NoError(t, gate.Init(ctx))

	secrets := vault.New(vault.MapSurface(map[string]string{
		"COLAB_EMAIL_1":     "a@x.com",
		"COLAB_PASSWORD_1":  "p1",
		"KAGGLE_USERNAME_1": "u1",
		"KAGGLE_KEY_1":      "k1",
	}))

	colab := &mockDriver{provider: models.ProviderColab}
	kaggle := &mockDriver{provider: models.ProviderKaggle}

	ctrl := controller.New(workers, sessions, ledger, gate, planner.New(), secrets,
		map[models.Provider]driver.Driver{
			models.ProviderColab:  colab,
			models.ProviderKaggle: kaggle,
		},
		config.ControllerConfig{
			PoolCheckInterval:  time.Minute,
			QuotaCheckInterval: time.Minute,
			IdleCheckInterval:  5 * time.Minute,
			IdleThreshold:      10 * time.Minute,
			StaggerBaseDelay:   time.Second,
		},
		controller.WithTimeFunc(nowFn),
		controller.WithSleepFunc(func(ctx context.Context, d time.Duration) {}),
	)

	act := activator.New(workers, sessions, ctrl,
		activator.WithRanker(ledger),
		activator.WithTimeFunc(nowFn))

	server := New(workers, sessions, ledger, gate, ctrl, act)
	server.SetReady(true)

	return &fixture{workers: workers, server: server, colab: colab, kaggle: kaggle}
}

func (f *fixture) addWorker(t *testing.T, provider models.Provider, n int) *models.Worker {
	t.Helper()
	worker := &models.Worker{
		Provider:    provider,
		AccountID:   vault.AccountID(provider, n),
		TunnelURL:   models.PlaceholderTunnel(provider, vault.AccountID(provider, n)),
		Status:      models.WorkerOffline,
		AutoManaged: true,
	}
	if provider == models.ProviderKaggle {
		worker.MaxWeeklySeconds = quota.WeeklyHardMaxSeconds
		worker.WeekStartedAt = quota.WeekStart(fixedNow)
	}
	require.NoError(t, f.workers.Create(context.Background(), worker))
	return worker
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthReflectsReadiness(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.server.SetReady(false)
	w = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListWorkers_ProviderFilter(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, models.ProviderColab, 1)
	f.addWorker(t, models.ProviderKaggle, 1)

	w := f.do(t, http.MethodGet, "/api/v1/workers?provider=kaggle", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[struct {
		Workers []models.Worker `json:"workers"`
		Count   int             `json:"count"`
	}](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, models.ProviderKaggle, resp.Workers[0].Provider)

	// Unknown provider values are rejected, not silently ignored
	w = f.do(t, http.MethodGet, "/api/v1/workers?provider=paperspace", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetWorker_NotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/workers/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/workers/banana", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkerQuotaEndpoint(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, models.ProviderKaggle, 1)

	w := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workers/%d/quota", worker.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	status := decode[models.QuotaStatus](t, w)
	assert.Equal(t, worker.ID, status.WorkerID)
	assert.True(t, status.CanStart)
}

func TestAdmitJobEndpoint(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, models.ProviderKaggle, 1)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/admit", worker.ID),
		AdmitJobRequest{EstimatedMinutes: 40})
	require.Equal(t, http.StatusOK, w.Code)

	admission := decode[models.JobAdmission](t, w)
	assert.True(t, admission.Accepted)

	// Zero-length jobs fail request validation
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/admit", worker.ID),
		map[string]int{"estimated_minutes": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartAndStopWorker(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, models.ProviderColab, 1)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/start", worker.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	started := decode[models.Worker](t, w)
	assert.Equal(t, models.WorkerHealthy, started.Status)
	assert.Equal(t, 1, f.colab.starts())

	// A second start conflicts with the live session
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/start", worker.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/stop", worker.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	reloaded, err := f.workers.Get(context.Background(), worker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerOffline, reloaded.Status)
}

func TestStartWorker_AlternationDenialAndOverride(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, models.ProviderKaggle, 1)

	// The gate expects family C first, so a plain kaggle start is refused
	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/start", worker.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 0, f.kaggle.starts())

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/start", worker.ID),
		StartWorkerRequest{Override: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.kaggle.starts())
}

func TestStartWorker_CooldownMapsTo429(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, models.ProviderColab, 1)
	worker.CooldownUntil = fixedNow.Add(10 * time.Hour)
	require.NoError(t, f.workers.Update(context.Background(), worker))

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/start", worker.ID), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	resp := decode[ErrorResponse](t, w)
	assert.Contains(t, resp.Error, "cooldown")
}

func TestListSessionsAfterStart(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, models.ProviderColab, 1)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workers/%d/start", worker.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions?worker_id=%d", worker.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[struct {
		Sessions []models.Session `json:"sessions"`
		Count    int              `json:"count"`
	}](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, models.SessionActive, resp.Sessions[0].Status)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d", resp.Sessions[0].ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScheduleEndpoint_EmptyUntilPlanned(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/schedule", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlternationEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/alternation", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[AlternationResponse](t, w)
	assert.Equal(t, models.ProviderColab, resp.NextProvider)
	assert.Empty(t, resp.Starts)
}

func TestActivateEndpoint(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, models.ProviderColab, 1)

	w := f.do(t, http.MethodPost, "/api/v1/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	activated := decode[models.Worker](t, w)
	assert.Equal(t, worker.ID, activated.ID)
	assert.Equal(t, 1, f.colab.starts())

	// A second activation reuses the now-hot worker
	w = f.do(t, http.MethodPost, "/api/v1/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.colab.starts())
}

func TestActivateEndpoint_EmptyFleet(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/activate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "op-trace-42")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	assert.Equal(t, "op-trace-42", w.Header().Get("X-Request-ID"))

	// Garbage request ids are replaced rather than echoed
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "bad id")
	w = httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	assert.NotEqual(t, "bad id", w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
