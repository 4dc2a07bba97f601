// Package quota implements the per-worker quota ledger. All safety
// thresholds live here; nothing else in the repository re-derives them.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// Safety thresholds. Safe caps are 70% of the true provider maxima; the
// ledger stops workers at the safe caps, while pre-flight job admission
// compares against the true maxima to avoid double-discounting.
const (
	// SessionHardMaxSeconds is the true per-session maximum (both families)
	SessionHardMaxSeconds = 12 * 3600
	// SafeSessionCapSeconds is the local per-session stop threshold (8.4h)
	SafeSessionCapSeconds = SessionHardMaxSeconds * 7 / 10

	// WeeklyHardMaxSeconds is the true weekly maximum (family K)
	WeeklyHardMaxSeconds = 30 * 3600
	// SafeWeeklyCapSeconds is the local weekly stop threshold (21h)
	SafeWeeklyCapSeconds = WeeklyHardMaxSeconds * 7 / 10

	// MinWeeklyHeadroomSeconds is the minimum weekly headroom required to
	// start a family-K session
	MinWeeklyHeadroomSeconds = 3600

	// AdmissionCeilingPercent is the utilization ceiling for pre-flight
	// job admission, measured against the true provider maxima
	AdmissionCeilingPercent = 70.0
)

// CooldownDuration is the mandatory idle interval after a family-C session.
const CooldownDuration = 36 * time.Hour

// WorkerStore is the persistence surface the ledger needs.
type WorkerStore interface {
	Get(ctx context.Context, id int64) (*models.Worker, error)
	ListAll(ctx context.Context) ([]*models.Worker, error)
	ListByStatus(ctx context.Context, statuses ...models.WorkerStatus) ([]*models.Worker, error)
	Update(ctx context.Context, worker *models.Worker) error
}

// Ledger tracks session and weekly usage per worker against the safety
// thresholds. It is the only writer of the quota counters embedded in
// Worker rows.
type Ledger struct {
	store  WorkerStore
	logger *slog.Logger

	// For time mocking in tests
	now func() time.Time
}

// Option configures the ledger
type Option func(*Ledger)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(l *Ledger) {
		l.now = fn
	}
}

// New creates a new quota ledger
func New(store WorkerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WeekStart returns the start of the quota week containing t:
// Monday 00:00 UTC.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday()) // Sunday == 0
	daysSinceMonday := (weekday + 6) % 7
	year, month, day := t.AddDate(0, 0, -daysSinceMonday).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// GetStatus computes the ledger's view of a worker at this instant. Reading
// status also rolls the weekly window forward if the anchor is stale.
func (l *Ledger) GetStatus(ctx context.Context, worker *models.Worker) (*models.QuotaStatus, error) {
	now := l.now().UTC()

	if err := l.rollWeekIfNeeded(ctx, worker, now); err != nil {
		return nil, err
	}

	status := &models.QuotaStatus{
		WorkerID: worker.ID,
		Provider: worker.Provider,
	}

	if worker.SessionLive() {
		runtime := int(now.Sub(worker.SessionStartedAt).Seconds())
		if runtime < 0 {
			runtime = 0
		}
		status.SessionRuntimeSeconds = runtime
	}
	status.RemainingSessionSeconds = max(0, SafeSessionCapSeconds-status.SessionRuntimeSeconds)
	status.UtilizationPercent = float64(status.SessionRuntimeSeconds) / float64(SessionHardMaxSeconds) * 100

	switch worker.Provider {
	case models.ProviderKaggle:
		status.WeeklyUsedSeconds = worker.WeeklyUsageSeconds
		if worker.SessionLive() {
			// A live session's runtime counts against the week too
			status.WeeklyUsedSeconds += status.SessionRuntimeSeconds
		}
		status.WeeklyRemainingSeconds = max(0, SafeWeeklyCapSeconds-status.WeeklyUsedSeconds)
	case models.ProviderColab:
		if worker.InCooldown(now) {
			status.InCooldown = true
			status.CooldownRemainingSeconds = int(worker.CooldownUntil.Sub(now).Seconds())
		}
	}

	status.ShouldStop, status.Reason = l.shouldStop(status)
	status.CanStart = l.canStart(worker, status)
	if !status.CanStart && status.Reason == "" {
		status.Reason = l.startDenialReason(worker, status)
	}

	return status, nil
}

func (l *Ledger) shouldStop(status *models.QuotaStatus) (bool, string) {
	if status.SessionRuntimeSeconds >= SafeSessionCapSeconds {
		return true, "safe session cap reached"
	}
	if status.Provider == models.ProviderKaggle && status.WeeklyUsedSeconds >= SafeWeeklyCapSeconds {
		return true, "safe weekly cap reached"
	}
	return false, ""
}

func (l *Ledger) canStart(worker *models.Worker, status *models.QuotaStatus) bool {
	if status.ShouldStop || worker.SessionLive() || status.InCooldown {
		return false
	}
	if worker.Provider == models.ProviderKaggle &&
		status.WeeklyRemainingSeconds <= MinWeeklyHeadroomSeconds {
		return false
	}
	return true
}

func (l *Ledger) startDenialReason(worker *models.Worker, status *models.QuotaStatus) string {
	switch {
	case worker.SessionLive():
		return "session already running"
	case status.InCooldown:
		return fmt.Sprintf("cooldown active, %.1fh remaining",
			float64(status.CooldownRemainingSeconds)/3600)
	case worker.Provider == models.ProviderKaggle &&
		status.WeeklyRemainingSeconds <= MinWeeklyHeadroomSeconds:
		return fmt.Sprintf("weekly headroom exhausted (%.1fh remaining)",
			float64(status.WeeklyRemainingSeconds)/3600)
	}
	return ""
}

// CanStart reports whether the worker may start a session, with the denial
// reason if not.
func (l *Ledger) CanStart(ctx context.Context, worker *models.Worker) (bool, string, error) {
	status, err := l.GetStatus(ctx, worker)
	if err != nil {
		return false, "", err
	}
	return status.CanStart, status.Reason, nil
}

// ShouldStop reports whether the worker's live session exceeded a safe cap.
func (l *Ledger) ShouldStop(ctx context.Context, worker *models.Worker) (bool, string, error) {
	status, err := l.GetStatus(ctx, worker)
	if err != nil {
		return false, "", err
	}
	return status.ShouldStop, status.Reason, nil
}

// CanAcceptJob is the pre-flight admission check for a job of the given
// estimated length. Percentages are measured against the TRUE provider
// maxima, not the safe caps, so a job is not discounted twice.
func (l *Ledger) CanAcceptJob(ctx context.Context, worker *models.Worker, estimatedMinutes int) (*models.JobAdmission, error) {
	status, err := l.GetStatus(ctx, worker)
	if err != nil {
		return nil, err
	}

	estimatedSeconds := estimatedMinutes * 60
	sessionAfter := status.SessionRuntimeSeconds + estimatedSeconds
	percent := float64(sessionAfter) / float64(SessionHardMaxSeconds) * 100

	admission := &models.JobAdmission{Accepted: true, PercentAfterJob: percent}

	if percent > AdmissionCeilingPercent {
		admission.Accepted = false
		admission.Reason = fmt.Sprintf("job would push session to %.1f%% of the provider maximum", percent)
		return admission, nil
	}

	if worker.Provider == models.ProviderKaggle {
		weeklyAfter := status.WeeklyUsedSeconds + estimatedSeconds
		weeklyPercent := float64(weeklyAfter) / float64(WeeklyHardMaxSeconds) * 100
		if weeklyPercent > admission.PercentAfterJob {
			admission.PercentAfterJob = weeklyPercent
		}
		if weeklyPercent > AdmissionCeilingPercent {
			admission.Accepted = false
			admission.Reason = fmt.Sprintf("job would push weekly usage to %.1f%% of the provider maximum", weeklyPercent)
		}
	}

	return admission, nil
}

// StartSession opens a ledger session: stamps the start time, the safe cap
// and the scheduled stop, and anchors the weekly window for family K.
func (l *Ledger) StartSession(ctx context.Context, worker *models.Worker) error {
	now := l.now().UTC()

	worker.SessionStartedAt = now
	worker.SessionDurationSeconds = 0
	worker.MaxSessionDurationSeconds = SafeSessionCapSeconds
	worker.ScheduledStopAt = now.Add(time.Duration(SafeSessionCapSeconds) * time.Second)
	worker.Status = models.WorkerHealthy

	if worker.Provider == models.ProviderKaggle {
		weekStart := WeekStart(now)
		if worker.WeekStartedAt.IsZero() || worker.WeekStartedAt.Before(weekStart) {
			worker.WeekStartedAt = weekStart
			worker.WeeklyUsageSeconds = 0
		}
		if worker.MaxWeeklySeconds == 0 {
			worker.MaxWeeklySeconds = WeeklyHardMaxSeconds
		}
	}

	if err := l.store.Update(ctx, worker); err != nil {
		return fmt.Errorf("failed to persist session start: %w", err)
	}

	l.logger.Info("ledger session started",
		slog.Int64("worker_id", worker.ID),
		slog.String("provider", string(worker.Provider)),
		slog.Time("scheduled_stop_at", worker.ScheduledStopAt))
	return nil
}

// StopSession closes a ledger session: records the final runtime, charges
// the weekly counter for family K, and arms the family-C cooldown.
func (l *Ledger) StopSession(ctx context.Context, worker *models.Worker) error {
	now := l.now().UTC()

	var runtime int
	if worker.SessionLive() {
		runtime = int(now.Sub(worker.SessionStartedAt).Seconds())
		if runtime < 0 {
			runtime = 0
		}
	}

	worker.SessionDurationSeconds = runtime
	worker.SessionStartedAt = time.Time{}
	worker.ScheduledStopAt = time.Time{}
	worker.Status = models.WorkerOffline

	switch worker.Provider {
	case models.ProviderKaggle:
		worker.WeeklyUsageSeconds += runtime
	case models.ProviderColab:
		worker.CooldownUntil = now.Add(CooldownDuration)
	}

	if err := l.store.Update(ctx, worker); err != nil {
		return fmt.Errorf("failed to persist session stop: %w", err)
	}

	l.logger.Info("ledger session stopped",
		slog.Int64("worker_id", worker.ID),
		slog.String("provider", string(worker.Provider)),
		slog.Int("runtime_seconds", runtime))
	return nil
}

// UpdateRuntime refreshes the stored session duration. Idempotent; safe to
// call from any loop.
func (l *Ledger) UpdateRuntime(ctx context.Context, worker *models.Worker) error {
	if !worker.SessionLive() {
		return nil
	}
	now := l.now().UTC()
	runtime := int(now.Sub(worker.SessionStartedAt).Seconds())
	if runtime < 0 {
		runtime = 0
	}
	if runtime == worker.SessionDurationSeconds {
		return nil
	}
	worker.SessionDurationSeconds = runtime
	return l.store.Update(ctx, worker)
}

// GPUsToStop returns the workers whose live sessions exceeded a safe cap
// and that policy allows stopping on demand. Family C is excluded: its
// sessions run to the fixed schedule and are terminated by the session
// watchdog.
func (l *Ledger) GPUsToStop(ctx context.Context) ([]*models.Worker, error) {
	workers, err := l.store.ListByStatus(ctx,
		models.WorkerStarting, models.WorkerHealthy, models.WorkerOnline)
	if err != nil {
		return nil, err
	}

	var toStop []*models.Worker
	for _, worker := range workers {
		if worker.Provider != models.ProviderKaggle {
			continue
		}
		status, err := l.GetStatus(ctx, worker)
		if err != nil {
			l.logger.Error("failed to get quota status",
				slog.Int64("worker_id", worker.ID),
				slog.String("error", err.Error()))
			continue
		}
		if status.ShouldStop {
			toStop = append(toStop, worker)
		}
	}
	return toStop, nil
}

// SelectBestGPU picks the worker with the most quota headroom: any family-C
// worker that can start (largest session remainder wins), else the family-K
// worker with the largest weekly remainder. Family K is rejected outright
// below the minimum weekly headroom.
func (l *Ledger) SelectBestGPU(ctx context.Context) (*models.Worker, error) {
	workers, err := l.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var bestColab, bestKaggle *models.Worker
	var bestColabRemaining, bestKaggleRemaining int

	for _, worker := range workers {
		status, err := l.GetStatus(ctx, worker)
		if err != nil {
			l.logger.Error("failed to get quota status",
				slog.Int64("worker_id", worker.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !status.CanStart {
			continue
		}

		switch worker.Provider {
		case models.ProviderColab:
			if bestColab == nil || status.RemainingSessionSeconds > bestColabRemaining {
				bestColab = worker
				bestColabRemaining = status.RemainingSessionSeconds
			}
		case models.ProviderKaggle:
			if status.WeeklyRemainingSeconds <= MinWeeklyHeadroomSeconds {
				continue
			}
			if bestKaggle == nil || status.WeeklyRemainingSeconds > bestKaggleRemaining {
				bestKaggle = worker
				bestKaggleRemaining = status.WeeklyRemainingSeconds
			}
		}
	}

	if bestColab != nil {
		return bestColab, nil
	}
	if bestKaggle != nil {
		return bestKaggle, nil
	}
	return nil, ErrNoWorkerAvailable
}

// rollWeekIfNeeded advances the weekly window when now crossed into a new
// quota week. The first observation after the roll resets usage to zero.
func (l *Ledger) rollWeekIfNeeded(ctx context.Context, worker *models.Worker, now time.Time) error {
	if worker.Provider != models.ProviderKaggle {
		return nil
	}
	weekStart := WeekStart(now)
	if !worker.WeekStartedAt.IsZero() && !worker.WeekStartedAt.Before(weekStart) {
		return nil
	}
	if worker.WeekStartedAt.IsZero() && worker.WeeklyUsageSeconds == 0 {
		// Nothing accumulated yet; anchor lazily on the first session
		return nil
	}

	l.logger.Info("weekly quota window rolled",
		slog.Int64("worker_id", worker.ID),
		slog.Time("old_anchor", worker.WeekStartedAt),
		slog.Time("new_anchor", weekStart),
		slog.Int("discarded_usage_seconds", worker.WeeklyUsageSeconds))

	worker.WeekStartedAt = weekStart
	worker.WeeklyUsageSeconds = 0
	if err := l.store.Update(ctx, worker); err != nil {
		return fmt.Errorf("failed to persist weekly reset: %w", err)
	}
	return nil
}
