// Package activator is the hot path behind "I need a GPU now". Reuse of an
// already-hot worker is always preferred over any new start; cold starts
// are collapsed through a single flight so a burst of requests wakes at
// most one worker.
package activator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// ErrNoCapacity is returned when no worker is hot and none can be started.
var ErrNoCapacity = errors.New("no worker available and none can be started")

// WorkerStore is the persistence surface the activator needs.
type WorkerStore interface {
	ListByStatus(ctx context.Context, statuses ...models.WorkerStatus) ([]*models.Worker, error)
	Touch(ctx context.Context, id int64, at time.Time) error
}

// SessionToucher records activity on the worker's live session.
type SessionToucher interface {
	GetLiveByWorker(ctx context.Context, workerID int64) (*models.Session, error)
	TouchActivity(ctx context.Context, id int64, at time.Time) error
}

// Starter is the activation path used on a cold pool.
type Starter interface {
	StartGPU(ctx context.Context, workerID int64) (*models.Worker, error)
}

// Ranker picks the candidate with the most quota headroom. The quota ledger
// implements it.
type Ranker interface {
	SelectBestGPU(ctx context.Context) (*models.Worker, error)
}

// Activator finds or wakes a worker for immediate use.
type Activator struct {
	workers  WorkerStore
	sessions SessionToucher
	starter  Starter
	ranker   Ranker
	logger   *slog.Logger

	// Collapses concurrent cold starts
	flight singleflight.Group

	// For time mocking in tests
	now func() time.Time
}

// Option configures the activator
type Option func(*Activator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Activator) {
		a.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(a *Activator) {
		a.now = fn
	}
}

// WithRanker orders cold-start candidates by quota headroom instead of
// list order.
func WithRanker(ranker Ranker) Option {
	return func(a *Activator) {
		a.ranker = ranker
	}
}

// New creates a new activator
func New(workers WorkerStore, sessions SessionToucher, starter Starter, opts ...Option) *Activator {
	a := &Activator{
		workers:  workers,
		sessions: sessions,
		starter:  starter,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Activate returns a worker ready to serve. The reuse branch never calls a
// driver; on a cold pool concurrent callers share one start.
func (a *Activator) Activate(ctx context.Context) (*models.Worker, error) {
	if worker, ok := a.reuse(ctx); ok {
		metrics.RecordActivation("reuse")
		return worker, nil
	}

	result, err, shared := a.flight.Do("activate", func() (any, error) {
		// A start may have completed while this call waited on the flight
		if worker, ok := a.reuse(ctx); ok {
			return worker, nil
		}
		return a.coldStart(ctx)
	})
	if err != nil {
		metrics.RecordActivation("rejected")
		return nil, err
	}

	worker := result.(*models.Worker)
	if shared {
		metrics.RecordActivation("shared_start")
	} else {
		metrics.RecordActivation("cold_start")
	}
	a.markUsed(ctx, worker)
	return worker, nil
}

// reuse finds a hot worker and durably stamps its activity.
func (a *Activator) reuse(ctx context.Context) (*models.Worker, bool) {
	workers, err := a.workers.ListByStatus(ctx, models.WorkerHealthy, models.WorkerOnline)
	if err != nil {
		a.logger.Error("activation list failed", slog.String("error", err.Error()))
		return nil, false
	}
	for _, worker := range workers {
		if !worker.Hot() {
			continue
		}
		a.markUsed(ctx, worker)
		return worker, true
	}
	return nil, false
}

// coldStart wakes the first candidate whose start succeeds, the ledger's
// preferred worker first when a ranker is configured.
func (a *Activator) coldStart(ctx context.Context) (*models.Worker, error) {
	workers, err := a.workers.ListByStatus(ctx, models.WorkerOffline)
	if err != nil {
		return nil, err
	}
	workers = a.rankCandidates(ctx, workers)

	var lastErr error
	for _, candidate := range workers {
		worker, err := a.starter.StartGPU(ctx, candidate.ID)
		if err != nil {
			var failure *models.Failure
			if errors.As(err, &failure) && failure.IsDenial() {
				a.logger.Debug("activation start denied",
					slog.Int64("worker_id", candidate.ID),
					slog.String("reason", failure.Reason))
			} else {
				a.logger.Warn("activation start failed",
					slog.Int64("worker_id", candidate.ID),
					slog.String("error", err.Error()))
			}
			lastErr = err
			continue
		}
		return worker, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoCapacity
}

// rankCandidates moves the ledger's preferred worker to the front. The rest
// keep their order as fallbacks for when the preferred start is denied.
func (a *Activator) rankCandidates(ctx context.Context, workers []*models.Worker) []*models.Worker {
	if a.ranker == nil || len(workers) < 2 {
		return workers
	}
	best, err := a.ranker.SelectBestGPU(ctx)
	if err != nil {
		return workers
	}
	for i, worker := range workers {
		if worker.ID == best.ID && i > 0 {
			ranked := make([]*models.Worker, 0, len(workers))
			ranked = append(ranked, worker)
			ranked = append(ranked, workers[:i]...)
			ranked = append(ranked, workers[i+1:]...)
			return ranked
		}
	}
	return workers
}

// markUsed stamps lastUsedAt on the worker and its live session. The write
// is durable so the idle watcher sees real activity across restarts.
func (a *Activator) markUsed(ctx context.Context, worker *models.Worker) {
	now := a.now().UTC()
	worker.LastUsedAt = now
	if err := a.workers.Touch(ctx, worker.ID, now); err != nil {
		a.logger.Error("failed to touch worker",
			slog.Int64("worker_id", worker.ID),
			slog.String("error", err.Error()))
	}
	session, err := a.sessions.GetLiveByWorker(ctx, worker.ID)
	if err != nil {
		return
	}
	if err := a.sessions.TouchActivity(ctx, session.ID, now); err != nil {
		a.logger.Debug("failed to touch session activity",
			slog.Int64("session_id", session.ID),
			slog.String("error", err.Error()))
	}
}
