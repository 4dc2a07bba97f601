package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/notebook-fleet/notebook-fleet/internal/events"
	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/internal/quota"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// rotationCycle is the period after which every group's start repeats.
const rotationCycle = 24 * time.Hour

// Start launches the controller loops: rotation executor, pool monitor,
// quota monitor and idle watcher. Reconcile should run before Start so the
// loops begin from consistent state.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.runMu.Unlock()

	c.logger.Info("lifecycle controller starting",
		slog.Duration("pool_check_interval", c.cfg.PoolCheckInterval),
		slog.Duration("quota_check_interval", c.cfg.QuotaCheckInterval),
		slog.Duration("idle_check_interval", c.cfg.IdleCheckInterval),
		slog.Bool("rotation_enabled", c.cfg.RotationEnabled))

	// Initial plan before the monitors begin
	c.replan(ctx)

	c.wg.Add(3)
	go c.runPoolMonitor(ctx)
	go c.runQuotaMonitor(ctx)
	go c.runIdleWatcher(ctx)
	if c.cfg.RotationEnabled {
		c.wg.Add(1)
		go c.runRotation(ctx)
	}
	return nil
}

// Stop shuts the loops down and waits for them to drain.
func (c *Controller) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.runMu.Unlock()

	c.logger.Info("lifecycle controller stopping")
	close(c.stopCh)
	c.wg.Wait()

	c.runMu.Lock()
	c.running = false
	c.runMu.Unlock()
	c.logger.Info("lifecycle controller stopped")
}

// IsRunning reports whether the controller loops are active.
func (c *Controller) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Schedule returns the schedule currently being executed.
func (c *Controller) Schedule() *models.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedule
}

// replan rebuilds the schedule from the auto-managed inventory and nudges
// the rotation executor to restart its timers.
func (c *Controller) replan(ctx context.Context) {
	workers, err := c.workers.ListAutoManaged(ctx)
	if err != nil {
		c.logger.Error("replan failed to list workers", slog.String("error", err.Error()))
		return
	}

	schedule := c.planner.Plan(workers)

	now := c.now().UTC()
	c.mu.Lock()
	c.schedule = schedule
	c.scheduleAnchor = now
	c.rotationCursor = now
	c.lastPoolCount = len(workers)
	c.mu.Unlock()

	select {
	case c.replanCh <- struct{}{}:
	default:
	}
}

// runPoolMonitor watches the auto-managed inventory size and replans when
// it changes.
func (c *Controller) runPoolMonitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PoolCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			workers, err := c.workers.ListAutoManaged(ctx)
			if err != nil {
				c.logger.Error("pool monitor list failed", slog.String("error", err.Error()))
				continue
			}
			c.mu.Lock()
			changed := len(workers) != c.lastPoolCount
			last := c.lastPoolCount
			c.mu.Unlock()
			if changed {
				c.logger.Info("worker pool changed, replanning",
					slog.Int("previous", last),
					slog.Int("current", len(workers)))
				c.replan(ctx)
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runQuotaMonitor enforces the safe caps: it stops over-cap family-K
// workers, runs the session watchdog for family C, reaps stale sessions
// and starts a replacement through the alternation gate.
func (c *Controller) runQuotaMonitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.QuotaCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.quotaCheck(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// quotaWarningPercent is the utilization (against the true provider maxima)
// at which a QUOTA_WARNING is published, below the 70% stop caps.
const quotaWarningPercent = 60.0

func (c *Controller) quotaCheck(ctx context.Context) {
	c.reapStaleSessions(ctx)
	c.watchScheduledStops(ctx)
	c.scrapeQuotas(ctx)
	c.warnApproachingQuota(ctx)

	toStop, err := c.ledger.GPUsToStop(ctx)
	if err != nil {
		c.logger.Error("quota monitor list failed", slog.String("error", err.Error()))
		return
	}
	if len(toStop) == 0 {
		return
	}

	for _, worker := range toStop {
		status, err := c.ledger.GetStatus(ctx, worker)
		reason := models.ShutdownSessionLimit
		if err != nil {
			// The worker must stop but the ledger cannot say why
			reason = models.ShutdownQuotaServiceError
		} else if status.WeeklyUsedSeconds >= quota.SafeWeeklyCapSeconds {
			reason = models.ShutdownWeeklyQuota
		}

		c.logger.Warn("worker over safe cap, stopping",
			slog.Int64("worker_id", worker.ID),
			slog.String("provider", string(worker.Provider)),
			slog.String("reason", string(reason)))
		metrics.RecordQuotaStop(string(reason))

		if err := c.StopGPU(ctx, worker.ID, reason); err != nil {
			c.logger.Error("quota stop failed",
				slog.Int64("worker_id", worker.ID),
				slog.String("error", err.Error()))
		}
		c.publish(ctx, events.Event{
			Name:     events.QuotaExhausted,
			WorkerID: worker.ID,
			Provider: worker.Provider,
			Reason:   string(reason),
		})

		// Humanized spacing between provider-visible actions
		c.sleep(ctx, jittered(2*time.Second))
	}

	c.startReplacement(ctx)
}

// scrapeQuotas asks each live worker's driver for the provider's own usage
// view. The snapshot is advisory: the local ledger stays authoritative, so
// the result is only logged and exported.
func (c *Controller) scrapeQuotas(ctx context.Context) {
	workers, err := c.workers.ListByStatus(ctx, models.WorkerHealthy, models.WorkerOnline)
	if err != nil {
		c.logger.Error("quota scrape list failed", slog.String("error", err.Error()))
		return
	}

	for _, worker := range workers {
		drv, ok := c.drivers[worker.Provider]
		if !ok {
			continue
		}
		req, err := c.buildScrapeRequest(worker)
		if err != nil {
			c.logger.Debug("quota scrape skipped, no credentials",
				slog.Int64("worker_id", worker.ID),
				slog.String("error", err.Error()))
			continue
		}
		snapshot, err := drv.ScrapeQuota(ctx, req)
		if err != nil {
			metrics.RecordDriverError(string(worker.Provider), "ScrapeQuota")
			c.logger.Debug("quota scrape failed",
				slog.Int64("worker_id", worker.ID),
				slog.String("provider", string(worker.Provider)),
				slog.String("error", err.Error()))
			continue
		}

		metrics.RecordScrapedQuota(string(worker.Provider), worker.AccountID,
			"session", float64(snapshot.SessionRemainingSeconds))
		if worker.Provider == models.ProviderKaggle {
			metrics.RecordScrapedQuota(string(worker.Provider), worker.AccountID,
				"weekly", float64(snapshot.WeeklyRemainingSeconds))
		}
		c.logger.Debug("provider quota snapshot",
			slog.Int64("worker_id", worker.ID),
			slog.String("provider", string(worker.Provider)),
			slog.String("account", worker.AccountID),
			slog.Int("session_remaining_seconds", snapshot.SessionRemainingSeconds),
			slog.Int("weekly_remaining_seconds", snapshot.WeeklyRemainingSeconds))
	}
}

// warnApproachingQuota publishes QUOTA_WARNING once per session for workers
// whose utilization crossed the warning threshold but not yet a stop cap.
// Family K is also measured against the weekly maximum.
func (c *Controller) warnApproachingQuota(ctx context.Context) {
	workers, err := c.workers.ListByStatus(ctx,
		models.WorkerStarting, models.WorkerHealthy, models.WorkerOnline)
	if err != nil {
		c.logger.Error("quota warning list failed", slog.String("error", err.Error()))
		return
	}

	live := make(map[int64]bool, len(workers))
	for _, worker := range workers {
		status, err := c.ledger.GetStatus(ctx, worker)
		if err != nil {
			continue
		}

		percent := status.UtilizationPercent
		if worker.Provider == models.ProviderKaggle {
			weekly := float64(status.WeeklyUsedSeconds) / float64(quota.WeeklyHardMaxSeconds) * 100
			if weekly > percent {
				percent = weekly
			}
		}
		if percent < quotaWarningPercent || status.ShouldStop {
			continue
		}
		live[worker.ID] = true

		c.mu.Lock()
		already := c.warned[worker.ID]
		c.warned[worker.ID] = true
		c.mu.Unlock()
		if already {
			continue
		}

		c.logger.Warn("worker approaching quota cap",
			slog.Int64("worker_id", worker.ID),
			slog.String("provider", string(worker.Provider)),
			slog.Float64("percent", percent))
		c.publish(ctx, events.Event{
			Name:     events.QuotaWarning,
			WorkerID: worker.ID,
			Provider: worker.Provider,
			Percent:  percent,
		})
	}

	// A worker that dropped below the threshold warns again next time
	c.mu.Lock()
	for id := range c.warned {
		if !live[id] {
			delete(c.warned, id)
		}
	}
	c.mu.Unlock()
}

// watchScheduledStops terminates sessions that reached their scheduled
// stop. This is the watchdog path for family C, which the quota monitor
// never stops on demand.
func (c *Controller) watchScheduledStops(ctx context.Context) {
	workers, err := c.workers.ListByStatus(ctx,
		models.WorkerStarting, models.WorkerHealthy, models.WorkerOnline)
	if err != nil {
		c.logger.Error("watchdog list failed", slog.String("error", err.Error()))
		return
	}

	now := c.now().UTC()
	for _, worker := range workers {
		if !worker.SessionLive() || worker.ScheduledStopAt.IsZero() {
			continue
		}
		if now.Before(worker.ScheduledStopAt) {
			continue
		}
		c.logger.Info("session reached scheduled stop",
			slog.Int64("worker_id", worker.ID),
			slog.String("provider", string(worker.Provider)))
		if err := c.StopGPU(ctx, worker.ID, models.ShutdownSessionLimit); err != nil {
			c.logger.Error("watchdog stop failed",
				slog.Int64("worker_id", worker.ID),
				slog.String("error", err.Error()))
		}
	}
}

// startReplacement starts one worker from the family alternation expects,
// falling back to the other family with a logged override when the
// expected pool has no headroom.
func (c *Controller) startReplacement(ctx context.Context) {
	next, err := c.gate.NextProvider(ctx)
	if err != nil {
		c.logger.Error("failed to query next provider", slog.String("error", err.Error()))
		return
	}

	if c.tryStartFromPool(ctx, next, false) {
		return
	}

	fallback := next.Opposite()
	if candidate := c.findStartable(ctx, fallback); candidate != nil {
		reason := "expected pool exhausted"
		if err := c.gate.OverrideFallback(ctx, fallback, reason); err != nil {
			c.logger.Error("override record failed", slog.String("error", err.Error()))
		}
		if _, err := c.startGPU(ctx, candidate.ID, true); err != nil {
			c.logger.Error("fallback start failed",
				slog.Int64("worker_id", candidate.ID),
				slog.String("error", err.Error()))
		}
		return
	}

	c.logger.Warn("dual exhaustion: no startable worker in either family",
		slog.String("expected_provider", string(next)))
}

func (c *Controller) tryStartFromPool(ctx context.Context, provider models.Provider, override bool) bool {
	candidate := c.findStartable(ctx, provider)
	if candidate == nil {
		return false
	}
	if _, err := c.startGPU(ctx, candidate.ID, override); err != nil {
		c.logger.Error("replacement start failed",
			slog.Int64("worker_id", candidate.ID),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// findStartable returns the first worker of the family whose quota permits
// a start, in id order.
func (c *Controller) findStartable(ctx context.Context, provider models.Provider) *models.Worker {
	workers, err := c.workers.ListAll(ctx)
	if err != nil {
		c.logger.Error("failed to list workers", slog.String("error", err.Error()))
		return nil
	}
	for _, worker := range workers {
		if worker.Provider != provider || worker.SessionLive() {
			continue
		}
		ok, _, err := c.ledger.CanStart(ctx, worker)
		if err != nil || !ok {
			continue
		}
		return worker
	}
	return nil
}

// runIdleWatcher stops family-K workers that have not served anything for
// the idle threshold. Family C runs its fixed schedule regardless of use.
func (c *Controller) runIdleWatcher(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.idleCheck(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) idleCheck(ctx context.Context) {
	workers, err := c.workers.ListByStatus(ctx, models.WorkerHealthy, models.WorkerOnline)
	if err != nil {
		c.logger.Error("idle watcher list failed", slog.String("error", err.Error()))
		return
	}

	now := c.now().UTC()
	for _, worker := range workers {
		if worker.Provider != models.ProviderKaggle {
			continue
		}
		if worker.LastUsedAt.IsZero() || now.Sub(worker.LastUsedAt) <= c.cfg.IdleThreshold {
			continue
		}

		c.logger.Info("worker idle past threshold, stopping",
			slog.Int64("worker_id", worker.ID),
			slog.Duration("idle", now.Sub(worker.LastUsedAt)),
			slog.Duration("threshold", c.cfg.IdleThreshold))
		metrics.RecordIdleShutdown()

		// On failure lastUsedAt is left untouched so the next cycle retries
		if err := c.StopGPU(ctx, worker.ID, models.ShutdownIdleTimeout); err != nil {
			c.logger.Error("idle stop failed",
				slog.Int64("worker_id", worker.ID),
				slog.String("error", err.Error()))
		}
	}
}

// runRotation executes the current schedule. Group offsets are measured
// from the anchor stamped when the plan was built, so an offset-zero group
// starts immediately; the cursor advances past each fired event so every
// start and stop gets its turn. A replan resets both.
func (c *Controller) runRotation(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		schedule := c.schedule
		anchor := c.scheduleAnchor
		cursor := c.rotationCursor
		c.mu.Unlock()

		if schedule == nil || len(schedule.Groups) == 0 {
			select {
			case <-c.replanCh:
				continue
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		eventTime, due := nextRotationEvents(schedule, anchor, cursor)
		timer := time.NewTimer(eventTime.Sub(c.now().UTC()))

		select {
		case <-timer.C:
			for _, event := range due {
				if event.isStart {
					c.startGroup(ctx, event.group)
				} else {
					c.stopGroup(ctx, event.group)
				}
			}
			c.mu.Lock()
			c.rotationCursor = eventTime.Add(time.Nanosecond)
			c.mu.Unlock()
		case <-c.replanCh:
			timer.Stop()
		case <-c.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

type rotationEvent struct {
	group   models.Group
	isStart bool
}

// nextRotationEvents finds the earliest occurrence at or after the cursor,
// with group offsets measured from the anchor and occurrences repeating
// every cycle. Events sharing that instant are returned together, starts
// before stops.
func nextRotationEvents(schedule *models.Schedule, anchor, cursor time.Time) (time.Time, []rotationEvent) {
	occurrence := func(t time.Time) time.Time {
		for t.Before(cursor) {
			t = t.Add(rotationCycle)
		}
		return t
	}

	type candidate struct {
		at    time.Time
		event rotationEvent
	}
	candidates := make([]candidate, 0, 2*len(schedule.Groups))
	var best time.Time
	for _, g := range schedule.Groups {
		start := anchor.Add(time.Duration(g.StartOffsetHours * float64(time.Hour)))
		stop := start.Add(time.Duration(g.DurationHours * float64(time.Hour)))
		candidates = append(candidates,
			candidate{occurrence(start), rotationEvent{group: g, isStart: true}},
			candidate{occurrence(stop), rotationEvent{group: g, isStart: false}})
	}
	for _, cand := range candidates {
		if best.IsZero() || cand.at.Before(best) {
			best = cand.at
		}
	}

	var due []rotationEvent
	for _, cand := range candidates {
		if cand.at.Equal(best) && cand.event.isStart {
			due = append(due, cand.event)
		}
	}
	for _, cand := range candidates {
		if cand.at.Equal(best) && !cand.event.isStart {
			due = append(due, cand.event)
		}
	}
	return best, due
}

// startGroup starts the group's workers sequentially with a progressive
// humanized delay so the starts never look synchronized. One worker's
// failure does not block the rest.
func (c *Controller) startGroup(ctx context.Context, group models.Group) {
	c.logger.Info("starting rotation group",
		slog.String("group_id", group.GroupID),
		slog.Int("workers", len(group.WorkerIDs)))

	for i, workerID := range group.WorkerIDs {
		if i > 0 {
			delay := c.cfg.StaggerBaseDelay + time.Duration(i)*time.Second
			c.sleep(ctx, jittered(delay))
		}
		if _, err := c.startGPU(ctx, workerID, true); err != nil {
			var failure *models.Failure
			if errors.As(err, &failure) && failure.IsDenial() {
				c.logger.Info("rotation start denied",
					slog.Int64("worker_id", workerID),
					slog.String("reason", failure.Reason))
			} else {
				c.logger.Error("rotation start failed",
					slog.Int64("worker_id", workerID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// stopGroup stops every live worker in the group.
func (c *Controller) stopGroup(ctx context.Context, group models.Group) {
	c.logger.Info("stopping rotation group",
		slog.String("group_id", group.GroupID),
		slog.Int("workers", len(group.WorkerIDs)))

	for _, workerID := range group.WorkerIDs {
		worker, err := c.workers.Get(ctx, workerID)
		if err != nil || !worker.SessionLive() {
			continue
		}
		if err := c.StopGPU(ctx, workerID, models.ShutdownSessionLimit); err != nil {
			c.logger.Error("rotation stop failed",
				slog.Int64("worker_id", workerID),
				slog.String("error", err.Error()))
		}
		c.sleep(ctx, jittered(2*time.Second))
	}
}
