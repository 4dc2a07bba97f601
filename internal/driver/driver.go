// Package driver defines the contract the per-family notebook automation
// clients satisfy. Drivers launch and stop remote notebook sessions and
// optionally scrape the provider's own quota view; they never retry on
// their own and never touch durable state. The lifecycle controller owns
// retries and guarantees StartSession is not called twice for a worker
// with a live session.
package driver

import (
	"context"
	"time"

	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// DefaultStartTimeout bounds the wait for the remote worker to publish a
// tunnel URL after launch.
const DefaultStartTimeout = 180 * time.Second

// Driver is the provider automation contract. Implementations must be safe
// for concurrent use across different workers.
type Driver interface {
	// Name returns the provider family this driver serves
	Name() models.Provider

	// StartSession launches the remote notebook, runs the worker bootstrap
	// and waits up to the driver's start timeout for a tunnel URL.
	StartSession(ctx context.Context, req StartRequest) (*StartResult, error)

	// StopSession gracefully stops the remote notebook and releases the
	// driver's local resources. The worker stays startable afterwards.
	StopSession(ctx context.Context, workerID int64) error

	// ScrapeQuota fetches the provider's own usage view for reconciliation.
	// Advisory only; the quota ledger remains authoritative.
	ScrapeQuota(ctx context.Context, req ScrapeRequest) (*QuotaSnapshot, error)
}

// StartRequest carries everything a driver needs to launch one session.
// Exactly one credentials field is set, matching the worker's family.
type StartRequest struct {
	WorkerID    int64
	AccountID   string
	Correlation string // session correlation id, forwarded for log stitching

	Kaggle *vault.KaggleCredentials
	Colab  *vault.ColabCredentials
}

// StartResult is the successful outcome of StartSession.
type StartResult struct {
	TunnelURL string
	StartedAt time.Time
}

// ScrapeRequest identifies the account to scrape.
type ScrapeRequest struct {
	AccountID string

	Kaggle *vault.KaggleCredentials
	Colab  *vault.ColabCredentials
}

// QuotaSnapshot is the provider's own view of remaining quota.
type QuotaSnapshot struct {
	Provider                models.Provider
	AccountID               string
	SessionRemainingSeconds int
	WeeklyRemainingSeconds  int // family K only
	ScrapedAt               time.Time
}
