// Package controller orchestrates the fleet: it executes the rotation
// schedule, watches quota and idleness, and owns the only code paths that
// start or stop workers. Every start runs the same ordered checks (ledger,
// alternation, credentials) with rollback at each step, so the durable
// state never records a session the driver does not have, and vice versa.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notebook-fleet/notebook-fleet/internal/config"
	"github.com/notebook-fleet/notebook-fleet/internal/driver"
	"github.com/notebook-fleet/notebook-fleet/internal/events"
	"github.com/notebook-fleet/notebook-fleet/internal/logging"
	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/internal/quota"
	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// staleStartingCutoff is how long a session may sit in starting before the
// reaper declares the startup dead.
const staleStartingCutoff = 10 * time.Minute

// WorkerStore is the worker persistence surface the controller needs.
type WorkerStore interface {
	Get(ctx context.Context, id int64) (*models.Worker, error)
	ListAll(ctx context.Context) ([]*models.Worker, error)
	ListByStatus(ctx context.Context, statuses ...models.WorkerStatus) ([]*models.Worker, error)
	ListAutoManaged(ctx context.Context) ([]*models.Worker, error)
	Update(ctx context.Context, worker *models.Worker) error
	Touch(ctx context.Context, id int64, at time.Time) error
}

// SessionStore is the session persistence surface the controller needs.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	GetLiveByWorker(ctx context.Context, workerID int64) (*models.Session, error)
	ListLive(ctx context.Context) ([]*models.Session, error)
	MarkActive(ctx context.Context, id int64, tunnelURL string) error
	Terminate(ctx context.Context, id int64, reason models.ShutdownReason, at time.Time, durationSeconds int) error
	TerminateStaleStarting(ctx context.Context, cutoff time.Time, reason models.ShutdownReason) (int64, error)
	TerminateExpired(ctx context.Context, now time.Time, reason models.ShutdownReason) (int64, error)
}

// QuotaLedger is the quota surface the controller needs.
type QuotaLedger interface {
	GetStatus(ctx context.Context, worker *models.Worker) (*models.QuotaStatus, error)
	CanStart(ctx context.Context, worker *models.Worker) (bool, string, error)
	StartSession(ctx context.Context, worker *models.Worker) error
	StopSession(ctx context.Context, worker *models.Worker) error
	GPUsToStop(ctx context.Context) ([]*models.Worker, error)
}

// AlternationGate is the alternation surface the controller needs.
type AlternationGate interface {
	NextProvider(ctx context.Context) (models.Provider, error)
	CanStart(ctx context.Context, provider models.Provider) (bool, error)
	RecordProviderStarted(ctx context.Context, provider models.Provider) error
	RecordProviderStopped(ctx context.Context, provider models.Provider) error
	OverrideFallback(ctx context.Context, provider models.Provider, reason string) error
}

// Planner builds rotation schedules from the inventory.
type Planner interface {
	Plan(workers []*models.Worker) *models.Schedule
}

// Controller is the lifecycle controller.
type Controller struct {
	workers  WorkerStore
	sessions SessionStore
	ledger   QuotaLedger
	gate     AlternationGate
	planner  Planner
	vault    vault.Vault
	drivers  map[models.Provider]driver.Driver
	bus      *events.Bus
	logger   *slog.Logger
	cfg      config.ControllerConfig

	// For time and sleep mocking in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	// Current schedule and rotation progress, guarded by mu. Group offsets
	// are measured from scheduleAnchor, stamped when the plan is built; the
	// cursor marks the instant just past the last fired rotation event.
	mu             sync.Mutex
	schedule       *models.Schedule
	scheduleAnchor time.Time
	rotationCursor time.Time
	lastPoolCount  int
	warned         map[int64]bool

	// Loop shutdown coordination
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	replanCh chan struct{}

	// Per-worker start serialization
	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func (c *Controller) workerLock(workerID int64) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	if c.locks == nil {
		c.locks = make(map[int64]*sync.Mutex)
	}
	lock, ok := c.locks[workerID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[workerID] = lock
	}
	return lock
}

// Option configures the controller
type Option func(*Controller)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(c *Controller) {
		c.now = fn
	}
}

// WithSleepFunc sets a custom sleep function (for testing)
func WithSleepFunc(fn func(ctx context.Context, d time.Duration)) Option {
	return func(c *Controller) {
		c.sleep = fn
	}
}

// WithBus publishes lifecycle events to the given bus.
func WithBus(bus *events.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

// New creates a new lifecycle controller
func New(
	workers WorkerStore,
	sessions SessionStore,
	ledger QuotaLedger,
	gate AlternationGate,
	planner Planner,
	credentials vault.Vault,
	drivers map[models.Provider]driver.Driver,
	cfg config.ControllerConfig,
	opts ...Option,
) *Controller {
	c := &Controller{
		workers:  workers,
		sessions: sessions,
		ledger:   ledger,
		gate:     gate,
		planner:  planner,
		vault:    credentials,
		drivers:  drivers,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		replanCh: make(chan struct{}, 1),
		warned:   make(map[int64]bool),
	}
	c.sleep = func(ctx context.Context, d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartGPU starts a session on the given worker, running every safety check
// in order. Each step is a rollback point; on failure no durable session
// state survives.
func (c *Controller) StartGPU(ctx context.Context, workerID int64) (*models.Worker, error) {
	return c.startGPU(ctx, workerID, false)
}

// StartGPUOverride starts a session bypassing the alternation gate. Manual
// operator starts take this path; the bypass is logged and counted but never
// persisted as gate state.
func (c *Controller) StartGPUOverride(ctx context.Context, workerID int64) (*models.Worker, error) {
	return c.startGPU(ctx, workerID, true)
}

func (c *Controller) startGPU(ctx context.Context, workerID int64, override bool) (*models.Worker, error) {
	ctx = logging.WithWorkerID(ctx, workerID)

	// Serialize starts per worker in-process; the session table's partial
	// unique index backstops races across processes
	lock := c.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	worker, err := c.workers.Get(ctx, workerID)
	if err != nil {
		return nil, models.NewFailure(models.FailureConfiguration, workerID, "", "worker lookup failed: %v", err)
	}

	if worker.SessionLive() {
		return nil, models.NewFailure(models.FailureConflict, workerID, worker.Provider, "session already running")
	}

	ok, reason, err := c.ledger.CanStart(ctx, worker)
	if err != nil {
		return nil, models.NewFailure(models.FailureQuotaDenied, workerID, worker.Provider, "quota check failed: %v", err)
	}
	if !ok {
		metrics.RecordStartFailure(string(worker.Provider), string(models.FailureQuotaDenied))
		return nil, models.NewFailure(models.FailureQuotaDenied, workerID, worker.Provider, "%s", reason)
	}

	if !override {
		allowed, err := c.gate.CanStart(ctx, worker.Provider)
		if err != nil {
			c.markUnhealthy(ctx, worker)
			return nil, models.NewFailure(models.FailureInvariant, workerID, worker.Provider, "alternation check failed: %v", err)
		}
		if !allowed {
			metrics.RecordStartFailure(string(worker.Provider), string(models.FailureAlternationDenied))
			return nil, models.NewFailure(models.FailureAlternationDenied, workerID, worker.Provider,
				"alternation expects the other family next")
		}
	}

	startReq, err := c.buildStartRequest(worker)
	if err != nil {
		metrics.RecordStartFailure(string(worker.Provider), string(models.FailureConfiguration))
		return nil, models.NewFailure(models.FailureConfiguration, workerID, worker.Provider, "%v", err)
	}

	drv, ok := c.drivers[worker.Provider]
	if !ok {
		return nil, models.NewFailure(models.FailureConfiguration, workerID, worker.Provider, "no driver registered")
	}

	if err := c.ledger.StartSession(ctx, worker); err != nil {
		return nil, models.NewFailure(models.FailureQuotaDenied, workerID, worker.Provider, "ledger start failed: %v", err)
	}

	result, err := drv.StartSession(ctx, startReq)
	if err != nil {
		c.rollbackLedger(ctx, worker)
		metrics.RecordStartFailure(string(worker.Provider), string(models.FailureTransient))
		return nil, models.NewFailure(models.FailureTransient, workerID, worker.Provider, "driver start failed: %v", err)
	}

	now := c.now().UTC()
	session := &models.Session{
		WorkerID:     worker.ID,
		SessionID:    startReq.Correlation,
		Provider:     worker.Provider,
		Status:       models.SessionStarting,
		StartedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(time.Duration(quota.SafeSessionCapSeconds) * time.Second),
	}
	if err := c.sessions.Create(ctx, session); err != nil {
		cleanup := context.WithoutCancel(ctx)
		c.stopDriverQuietly(cleanup, drv, worker.ID)
		if errors.Is(err, storage.ErrAlreadyExists) {
			// A competing starter owns the live session and its ledger state
			return nil, models.NewFailure(models.FailureConflict, workerID, worker.Provider, "session already active")
		}
		c.rollbackLedger(cleanup, worker)
		if ctx.Err() != nil {
			// A canceled startup is not an invariant violation
			return nil, models.NewFailure(models.FailureTransient, workerID, worker.Provider, "startup canceled: %v", err)
		}
		c.markUnhealthy(ctx, worker)
		return nil, models.NewFailure(models.FailureInvariant, workerID, worker.Provider, "session insert failed: %v", err)
	}

	if err := c.sessions.MarkActive(ctx, session.ID, result.TunnelURL); err != nil {
		// Cleanup must survive cancellation: no partial row may remain in a
		// non-terminal state
		cleanup := context.WithoutCancel(ctx)
		c.stopDriverQuietly(cleanup, drv, worker.ID)
		termErr := c.sessions.Terminate(cleanup, session.ID, models.ShutdownStartupError, c.now().UTC(), 0)
		if termErr == nil {
			// The row was still ours, so the ledger is too
			c.rollbackLedger(cleanup, worker)
			return nil, models.NewFailure(models.FailureTransient, workerID, worker.Provider, "startup canceled: %v", err)
		}
		// A concurrent terminate won the race between insert and activation;
		// its StopGPU closed the row and the ledger
		return nil, models.NewFailure(models.FailureConflict, workerID, worker.Provider, "session terminated during startup")
	}

	worker.TunnelURL = result.TunnelURL
	worker.Status = models.WorkerHealthy
	worker.LastUsedAt = now
	if err := c.workers.Update(ctx, worker); err != nil {
		c.logger.Error("failed to persist worker after start",
			slog.Int64("worker_id", worker.ID),
			slog.String("error", err.Error()))
	}

	if err := c.gate.RecordProviderStarted(ctx, worker.Provider); err != nil {
		c.logger.Error("failed to record alternation start",
			slog.Int64("worker_id", worker.ID),
			slog.String("error", err.Error()))
	}

	metrics.RecordSessionStarted(string(worker.Provider))
	metrics.UpdateWorkerStatus(string(worker.Provider), string(models.WorkerOffline), string(models.WorkerHealthy))
	logging.Audit(ctx, "gpu_started",
		"worker_id", worker.ID,
		"provider", string(worker.Provider),
		"account_id", worker.AccountID,
		"session_correlation", session.SessionID,
		"tunnel_url", result.TunnelURL,
		"override", override)
	c.publish(ctx, events.Event{Name: events.SessionStarted, WorkerID: worker.ID, Provider: worker.Provider})

	return worker, nil
}

// StopGPU stops the worker's session. The driver stop is best-effort; the
// ledger close and the alternation record always run so durable state never
// keeps a session the operator asked to end.
func (c *Controller) StopGPU(ctx context.Context, workerID int64, reason models.ShutdownReason) error {
	ctx = logging.WithWorkerID(ctx, workerID)

	worker, err := c.workers.Get(ctx, workerID)
	if err != nil {
		return models.NewFailure(models.FailureConfiguration, workerID, "", "worker lookup failed: %v", err)
	}

	session, sessErr := c.sessions.GetLiveByWorker(ctx, workerID)
	if sessErr != nil && !errors.Is(sessErr, storage.ErrNotFound) {
		c.logger.Error("failed to load live session for stop",
			slog.Int64("worker_id", workerID),
			slog.String("error", sessErr.Error()))
	}

	if drv, ok := c.drivers[worker.Provider]; ok {
		if err := drv.StopSession(ctx, workerID); err != nil {
			// Best effort; ledger close below still runs
			c.logger.Warn("driver stop failed",
				slog.Int64("worker_id", workerID),
				slog.String("provider", string(worker.Provider)),
				slog.String("error", err.Error()))
		}
	}

	now := c.now().UTC()
	runtime := 0
	if worker.SessionLive() {
		runtime = int(now.Sub(worker.SessionStartedAt).Seconds())
	}

	if session != nil {
		if err := c.sessions.Terminate(ctx, session.ID, reason, now, runtime); err != nil &&
			!errors.Is(err, storage.ErrStaleStatus) {
			c.logger.Error("failed to terminate session row",
				slog.Int64("session_id", session.ID),
				slog.String("error", err.Error()))
		}
	}

	oldStatus := worker.Status
	if err := c.ledger.StopSession(ctx, worker); err != nil {
		c.logger.Error("failed to close ledger session",
			slog.Int64("worker_id", workerID),
			slog.String("error", err.Error()))
	}
	if err := c.gate.RecordProviderStopped(ctx, worker.Provider); err != nil {
		c.logger.Error("failed to record alternation stop",
			slog.Int64("worker_id", workerID),
			slog.String("error", err.Error()))
	}

	metrics.RecordSessionStopped(string(worker.Provider), string(reason))
	metrics.UpdateWorkerStatus(string(worker.Provider), string(oldStatus), string(models.WorkerOffline))
	logging.Audit(ctx, "gpu_stopped",
		"worker_id", worker.ID,
		"provider", string(worker.Provider),
		"reason", string(reason),
		"runtime_seconds", runtime)
	c.publish(ctx, events.Event{
		Name:     events.SessionTerminated,
		WorkerID: worker.ID,
		Provider: worker.Provider,
		Reason:   string(reason),
	})
	return nil
}

func (c *Controller) buildStartRequest(worker *models.Worker) (driver.StartRequest, error) {
	req := driver.StartRequest{
		WorkerID:    worker.ID,
		AccountID:   worker.AccountID,
		Correlation: uuid.NewString(),
	}
	switch worker.Provider {
	case models.ProviderKaggle:
		creds, err := c.vault.Kaggle(worker.AccountID)
		if err != nil {
			return req, err
		}
		req.Kaggle = creds
	case models.ProviderColab:
		creds, err := c.vault.Colab(worker.AccountID)
		if err != nil {
			return req, err
		}
		req.Colab = creds
	}
	return req, nil
}

func (c *Controller) buildScrapeRequest(worker *models.Worker) (driver.ScrapeRequest, error) {
	req := driver.ScrapeRequest{AccountID: worker.AccountID}
	switch worker.Provider {
	case models.ProviderKaggle:
		creds, err := c.vault.Kaggle(worker.AccountID)
		if err != nil {
			return req, err
		}
		req.Kaggle = creds
	case models.ProviderColab:
		creds, err := c.vault.Colab(worker.AccountID)
		if err != nil {
			return req, err
		}
		req.Colab = creds
	}
	return req, nil
}

// markUnhealthy takes a worker out of scheduling after an invariant
// violation. The rest of the fleet keeps running.
func (c *Controller) markUnhealthy(ctx context.Context, worker *models.Worker) {
	oldStatus := worker.Status
	worker.Status = models.WorkerUnhealthy
	if err := c.workers.Update(ctx, worker); err != nil {
		c.logger.Error("failed to mark worker unhealthy",
			slog.Int64("worker_id", worker.ID),
			slog.String("error", err.Error()))
		return
	}
	metrics.UpdateWorkerStatus(string(worker.Provider), string(oldStatus), string(models.WorkerUnhealthy))
	logging.Audit(ctx, "worker_marked_unhealthy",
		"worker_id", worker.ID,
		"provider", string(worker.Provider))
}

func (c *Controller) rollbackLedger(ctx context.Context, worker *models.Worker) {
	if err := c.ledger.StopSession(ctx, worker); err != nil {
		c.logger.Error("ledger rollback failed",
			slog.Int64("worker_id", worker.ID),
			slog.String("error", err.Error()))
	}
}

func (c *Controller) stopDriverQuietly(ctx context.Context, drv driver.Driver, workerID int64) {
	if err := drv.StopSession(ctx, workerID); err != nil {
		c.logger.Warn("driver rollback stop failed",
			slog.Int64("worker_id", workerID),
			slog.String("error", err.Error()))
	}
}

func (c *Controller) publish(ctx context.Context, event events.Event) {
	if c.bus != nil {
		c.bus.Publish(ctx, event)
	}
}

// jittered returns d scaled by a random factor in [0.7, 1.3].
func jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}
