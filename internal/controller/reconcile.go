package controller

import (
	"context"
	"log/slog"

	"github.com/notebook-fleet/notebook-fleet/internal/logging"
	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// Reconcile brings durable state back in line after a process restart:
// dead startups are terminated, expired sessions closed out, and surviving
// live sessions adopted. Adopted sessions have no driver handle in this
// process; the idle watcher or the session watchdog will stop them.
func (c *Controller) Reconcile(ctx context.Context) error {
	now := c.now().UTC()

	stale, err := c.sessions.TerminateStaleStarting(ctx,
		now.Add(-staleStartingCutoff), models.ShutdownStartupTimeout)
	if err != nil {
		return err
	}
	if stale > 0 {
		metrics.RecordReaped(string(models.ShutdownStartupTimeout), stale)
	}

	expired, err := c.sessions.TerminateExpired(ctx, now, models.ShutdownQuotaExpired)
	if err != nil {
		return err
	}
	if expired > 0 {
		metrics.RecordReaped(string(models.ShutdownQuotaExpired), expired)
	}

	// Close ledger state for workers whose session rows were just reaped
	if err := c.alignWorkersWithSessions(ctx); err != nil {
		return err
	}
	c.terminateOrphanSessions(ctx)

	adopted, err := c.sessions.ListLive(ctx)
	if err != nil {
		return err
	}
	for _, session := range adopted {
		c.logger.Info("adopted live session from previous process",
			slog.Int64("session_id", session.ID),
			slog.Int64("worker_id", session.WorkerID),
			slog.String("status", string(session.Status)),
			slog.Time("expires_at", session.ExpiresAt))
	}

	logging.Audit(ctx, "startup_reconciliation",
		"stale_starting", stale,
		"expired", expired,
		"adopted", int64(len(adopted)))
	return nil
}

// alignWorkersWithSessions closes the ledger for any worker that claims a
// live session the session registry no longer has.
func (c *Controller) alignWorkersWithSessions(ctx context.Context) error {
	workers, err := c.workers.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, worker := range workers {
		if !worker.SessionLive() {
			continue
		}
		_, err := c.sessions.GetLiveByWorker(ctx, worker.ID)
		if err == nil {
			continue
		}
		c.logger.Warn("worker has no live session row, closing ledger",
			slog.Int64("worker_id", worker.ID),
			slog.String("provider", string(worker.Provider)))
		if err := c.ledger.StopSession(ctx, worker); err != nil {
			c.logger.Error("failed to close orphaned ledger session",
				slog.Int64("worker_id", worker.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// terminateOrphanSessions closes live session rows whose worker no longer
// carries a session. The ledger side closed without the row, so the session
// ended provider-side without a clean shutdown.
func (c *Controller) terminateOrphanSessions(ctx context.Context) {
	live, err := c.sessions.ListLive(ctx)
	if err != nil {
		c.logger.Error("orphan session list failed", slog.String("error", err.Error()))
		return
	}

	now := c.now().UTC()
	for _, session := range live {
		worker, err := c.workers.Get(ctx, session.WorkerID)
		if err == nil && worker.SessionLive() {
			continue
		}

		c.logger.Warn("live session row has no worker session, terminating",
			slog.Int64("session_id", session.ID),
			slog.Int64("worker_id", session.WorkerID))
		runtime := int(now.Sub(session.StartedAt).Seconds())
		if runtime < 0 {
			runtime = 0
		}
		if err := c.sessions.Terminate(ctx, session.ID, models.ShutdownProviderError, now, runtime); err != nil {
			c.logger.Error("failed to terminate orphaned session",
				slog.Int64("session_id", session.ID),
				slog.String("error", err.Error()))
			continue
		}
		metrics.RecordReaped(string(models.ShutdownProviderError), 1)
	}
}

// reapStaleSessions runs the same two sweeps as startup reconciliation on
// the quota monitor cadence, so a dead startup never lingers past the
// cutoff plus one cycle.
func (c *Controller) reapStaleSessions(ctx context.Context) {
	now := c.now().UTC()

	stale, err := c.sessions.TerminateStaleStarting(ctx,
		now.Add(-staleStartingCutoff), models.ShutdownStartupTimeout)
	if err != nil {
		c.logger.Error("stale-starting reap failed", slog.String("error", err.Error()))
	} else if stale > 0 {
		metrics.RecordReaped(string(models.ShutdownStartupTimeout), stale)
		c.logger.Warn("reaped sessions stuck in starting", slog.Int64("count", stale))
	}

	expired, err := c.sessions.TerminateExpired(ctx, now, models.ShutdownQuotaExpired)
	if err != nil {
		c.logger.Error("expired-session reap failed", slog.String("error", err.Error()))
	} else if expired > 0 {
		metrics.RecordReaped(string(models.ShutdownQuotaExpired), expired)
		c.logger.Warn("reaped expired sessions", slog.Int64("count", expired))
	}

	if stale > 0 || expired > 0 {
		if err := c.alignWorkersWithSessions(ctx); err != nil {
			c.logger.Error("worker alignment failed", slog.String("error", err.Error()))
		}
	}
	c.terminateOrphanSessions(ctx)
}
