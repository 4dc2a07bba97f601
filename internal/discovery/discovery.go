// Package discovery scans the secret surface for provisioned notebook
// accounts and reconciles the worker inventory against it. One worker row
// per complete credential tuple; rows whose credentials disappeared are
// removed.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/notebook-fleet/notebook-fleet/internal/events"
	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/internal/quota"
	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// WorkerStore is the persistence surface discovery needs.
type WorkerStore interface {
	Create(ctx context.Context, worker *models.Worker) error
	GetByAccount(ctx context.Context, provider models.Provider, accountID string) (*models.Worker, error)
	ListAutoManaged(ctx context.Context) ([]*models.Worker, error)
	Delete(ctx context.Context, id int64) error
}

// Scanner walks the numbered credential tuples on the secret surface and
// upserts/deletes auto-managed workers to match.
type Scanner struct {
	surface vault.Surface
	store   WorkerStore
	bus     *events.Bus
	logger  *slog.Logger
}

// Option configures the scanner
type Option func(*Scanner)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithBus publishes worker add/delete events to the given bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Scanner) {
		s.bus = bus
	}
}

// New creates a new discovery scanner
func New(surface vault.Surface, store WorkerStore, opts ...Option) *Scanner {
	s := &Scanner{
		surface: surface,
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarizes one reconciliation pass.
type Result struct {
	Discovered map[models.Provider][]string
	Added      int
	Removed    int
}

// Sync runs one full reconciliation pass. Per-account failures are logged
// and skipped; rerunning with an unchanged surface is a no-op.
func (s *Scanner) Sync(ctx context.Context) (*Result, error) {
	result := &Result{Discovered: make(map[models.Provider][]string)}

	for _, provider := range []models.Provider{models.ProviderKaggle, models.ProviderColab} {
		accounts := s.scanFamily(provider)
		result.Discovered[provider] = accounts
		for _, accountID := range accounts {
			added, err := s.ensureWorker(ctx, provider, accountID)
			if err != nil {
				s.logger.Error("failed to upsert discovered worker",
					slog.String("provider", string(provider)),
					slog.String("account_id", accountID),
					slog.String("error", err.Error()))
				continue
			}
			if added {
				result.Added++
			}
		}
	}

	removed, err := s.removeOrphans(ctx, result.Discovered)
	if err != nil {
		return result, err
	}
	result.Removed = removed

	s.logger.Info("discovery sync complete",
		slog.Int("kaggle_accounts", len(result.Discovered[models.ProviderKaggle])),
		slog.Int("colab_accounts", len(result.Discovered[models.ProviderColab])),
		slog.Int("added", result.Added),
		slog.Int("removed", result.Removed))
	return result, nil
}

// scanFamily collects account ids for n=1,2,... until the first gap. A
// tuple counts only when both halves are present and non-empty.
func (s *Scanner) scanFamily(provider models.Provider) []string {
	var accounts []string
	for n := 1; ; n++ {
		var a, b string
		var okA, okB bool
		switch provider {
		case models.ProviderKaggle:
			a, okA = s.surface(fmt.Sprintf("KAGGLE_USERNAME_%d", n))
			b, okB = s.surface(fmt.Sprintf("KAGGLE_KEY_%d", n))
		case models.ProviderColab:
			a, okA = s.surface(fmt.Sprintf("COLAB_EMAIL_%d", n))
			b, okB = s.surface(fmt.Sprintf("COLAB_PASSWORD_%d", n))
		}
		if !okA || !okB || a == "" || b == "" {
			return accounts
		}
		accounts = append(accounts, vault.AccountID(provider, n))
	}
}

func (s *Scanner) ensureWorker(ctx context.Context, provider models.Provider, accountID string) (bool, error) {
	_, err := s.store.GetByAccount(ctx, provider, accountID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	worker := &models.Worker{
		Provider:    provider,
		AccountID:   accountID,
		TunnelURL:   models.PlaceholderTunnel(provider, accountID),
		Status:      models.WorkerOffline,
		AutoManaged: true,
		Capabilities: models.Capabilities{
			HasAccelerator: provider == models.ProviderKaggle,
		},
		MaxSessionDurationSeconds: quota.SafeSessionCapSeconds,
	}
	if provider == models.ProviderKaggle {
		worker.MaxWeeklySeconds = quota.WeeklyHardMaxSeconds
	}

	if err := s.store.Create(ctx, worker); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Concurrent sync won the race
			return false, nil
		}
		return false, err
	}

	metrics.RecordDiscovery(string(provider), "added")
	s.logger.Info("discovered new worker",
		slog.Int64("worker_id", worker.ID),
		slog.String("provider", string(provider)),
		slog.String("account_id", accountID))
	s.publish(ctx, events.Event{Name: events.WorkerAdded, WorkerID: worker.ID, Provider: provider})
	return true, nil
}

// removeOrphans deletes auto-managed workers whose credentials are gone.
// Manually-registered workers are never touched.
func (s *Scanner) removeOrphans(ctx context.Context, discovered map[models.Provider][]string) (int, error) {
	known := make(map[string]bool)
	for provider, accounts := range discovered {
		for _, accountID := range accounts {
			known[string(provider)+"/"+accountID] = true
		}
	}

	workers, err := s.store.ListAutoManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list auto-managed workers: %w", err)
	}

	removed := 0
	for _, worker := range workers {
		if known[worker.Key()] {
			continue
		}
		if err := s.store.Delete(ctx, worker.ID); err != nil {
			s.logger.Error("failed to delete orphaned worker",
				slog.Int64("worker_id", worker.ID),
				slog.String("account_id", worker.AccountID),
				slog.String("error", err.Error()))
			continue
		}
		removed++
		metrics.RecordDiscovery(string(worker.Provider), "removed")
		s.logger.Info("removed orphaned worker",
			slog.Int64("worker_id", worker.ID),
			slog.String("provider", string(worker.Provider)),
			slog.String("account_id", worker.AccountID))
		s.publish(ctx, events.Event{Name: events.WorkerDeleted, WorkerID: worker.ID, Provider: worker.Provider})
	}
	return removed, nil
}

func (s *Scanner) publish(ctx context.Context, event events.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, event)
	}
}
