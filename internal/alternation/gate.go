// Package alternation enforces provider-family alternation: consecutive
// session starts should flip between families so usage does not form a
// pattern a single provider could flag.
package alternation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// HistoryLimit bounds the durable start/stop histories. Oldest entries are
// evicted first.
const HistoryLimit = 20

// Store is the persistence surface the gate needs.
type Store interface {
	Init(ctx context.Context) error
	Get(ctx context.Context) (*storage.AlternationState, error)
	Save(ctx context.Context, state *storage.AlternationState) error
}

// Gate serializes alternation decisions for this process. The durable row
// is the source of truth; the mutex only orders concurrent callers.
type Gate struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger

	// For time mocking in tests
	now func() time.Time
}

// Option configures the gate
type Option func(*Gate)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(g *Gate) {
		g.now = fn
	}
}

// New creates a new alternation gate. Init must be called before use.
func New(store Store, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Init ensures the durable singleton row exists.
func (g *Gate) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Init(ctx)
}

// NextProvider returns the family that should start next: the opposite of
// the last family stopped. With no stop on record yet, family C goes first.
func (g *Gate) NextProvider(ctx context.Context) (models.Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load alternation state: %w", err)
	}
	return nextFromState(state), nil
}

func nextFromState(state *storage.AlternationState) models.Provider {
	if !state.LastStopped.Valid() {
		return models.ProviderColab
	}
	return state.LastStopped.Opposite()
}

// CanStart reports whether provider is the one alternation expects next.
func (g *Gate) CanStart(ctx context.Context, provider models.Provider) (bool, error) {
	next, err := g.NextProvider(ctx)
	if err != nil {
		return false, err
	}
	if provider != next {
		metrics.RecordAlternationDenial(string(provider))
		return false, nil
	}
	return true, nil
}

// RecordProviderStarted appends a start event and advances lastStarted.
func (g *Gate) RecordProviderStarted(ctx context.Context, provider models.Provider) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alternation state: %w", err)
	}

	state.LastStarted = provider
	state.StartHistory = appendBounded(state.StartHistory, storage.ProviderEvent{
		Provider: provider,
		At:       g.now().UTC(),
	})

	if err := g.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save alternation state: %w", err)
	}

	g.logger.Debug("alternation recorded start",
		slog.String("provider", string(provider)))
	return nil
}

// RecordProviderStopped appends a stop event and advances lastStopped,
// which flips the gate to the opposite family.
func (g *Gate) RecordProviderStopped(ctx context.Context, provider models.Provider) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alternation state: %w", err)
	}

	state.LastStopped = provider
	state.StopHistory = appendBounded(state.StopHistory, storage.ProviderEvent{
		Provider: provider,
		At:       g.now().UTC(),
	})

	if err := g.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save alternation state: %w", err)
	}

	g.logger.Debug("alternation recorded stop",
		slog.String("provider", string(provider)),
		slog.String("next_provider", string(provider.Opposite())))
	return nil
}

// OverrideFallback allows starting out of turn when the expected family has
// no quota headroom anywhere. Overrides are audit-logged and counted; the
// history then records the start normally so alternation resumes from the
// actual last event.
func (g *Gate) OverrideFallback(ctx context.Context, provider models.Provider, reason string) error {
	g.mu.Lock()
	next := "unknown"
	if state, err := g.store.Get(ctx); err == nil {
		next = string(nextFromState(state))
	}
	g.mu.Unlock()

	metrics.RecordAlternationOverride()
	g.logger.Warn("alternation override",
		slog.String("provider", string(provider)),
		slog.String("expected_provider", next),
		slog.String("reason", reason))
	return nil
}

// History returns copies of the bounded start and stop histories.
func (g *Gate) History(ctx context.Context) (starts, stops []storage.ProviderEvent, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.store.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load alternation state: %w", err)
	}
	starts = append(starts, state.StartHistory...)
	stops = append(stops, state.StopHistory...)
	return starts, stops, nil
}

func appendBounded(history []storage.ProviderEvent, event storage.ProviderEvent) []storage.ProviderEvent {
	history = append(history, event)
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	return history
}
