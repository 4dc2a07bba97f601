package models

import (
	"fmt"
	"time"
)

// Provider identifies a free-tier notebook family.
type Provider string

const (
	ProviderColab  Provider = "colab"  // family C: email/password accounts, cooldown between sessions
	ProviderKaggle Provider = "kaggle" // family K: username/key accounts, weekly quota
)

// Valid reports whether p is a known provider family.
func (p Provider) Valid() bool {
	return p == ProviderColab || p == ProviderKaggle
}

// Opposite returns the other provider family.
func (p Provider) Opposite() Provider {
	if p == ProviderColab {
		return ProviderKaggle
	}
	return ProviderColab
}

// WorkerStatus represents the current state of a notebook worker.
type WorkerStatus string

const (
	WorkerOffline   WorkerStatus = "offline"   // No live session
	WorkerPending   WorkerStatus = "pending"   // Start requested, not yet dispatched
	WorkerStarting  WorkerStatus = "starting"  // Driver launching the remote notebook
	WorkerHealthy   WorkerStatus = "healthy"   // Session live, tunnel published
	WorkerOnline    WorkerStatus = "online"    // Session live and actively serving
	WorkerUnhealthy WorkerStatus = "unhealthy" // Invariant violation, excluded from scheduling
)

// Capabilities describes what a worker can serve.
type Capabilities struct {
	ModelFamily    string `json:"model_family,omitempty"`
	HasAccelerator bool   `json:"has_accelerator"`
}

// Worker represents one externally-hosted notebook identity under our control.
// Quota counters are embedded; the quota ledger is their only writer.
type Worker struct {
	ID        int64        `json:"id"`
	Provider  Provider     `json:"provider"`
	AccountID string       `json:"account_id"`
	TunnelURL string       `json:"tunnel_url,omitempty"`
	Status    WorkerStatus `json:"status"`

	Capabilities Capabilities `json:"capabilities"`
	AutoManaged  bool         `json:"auto_managed"`

	// Session counters
	SessionStartedAt          time.Time `json:"session_started_at,omitempty"`
	SessionDurationSeconds    int       `json:"session_duration_seconds"`
	MaxSessionDurationSeconds int       `json:"max_session_duration_seconds"`
	ScheduledStopAt           time.Time `json:"scheduled_stop_at,omitempty"`

	// Weekly counters (family K only; zero values for family C)
	WeeklyUsageSeconds int       `json:"weekly_usage_seconds"`
	MaxWeeklySeconds   int       `json:"max_weekly_seconds,omitempty"`
	WeekStartedAt      time.Time `json:"week_started_at,omitempty"`

	// Cooldown (family C only)
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	// Opaque per-provider metadata (advisory scrape results etc.)
	ProviderLimits map[string]string `json:"provider_limits,omitempty"`

	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key returns the unique (provider, account) identity string.
func (w *Worker) Key() string {
	return fmt.Sprintf("%s/%s", w.Provider, w.AccountID)
}

// SessionLive reports whether the worker currently has a live session.
// Invariant: SessionStartedAt is set iff status is starting, healthy or online.
func (w *Worker) SessionLive() bool {
	return !w.SessionStartedAt.IsZero()
}

// Hot reports whether the worker can serve traffic right now.
func (w *Worker) Hot() bool {
	return (w.Status == WorkerHealthy || w.Status == WorkerOnline) &&
		w.TunnelURL != "" && !IsPlaceholderTunnel(w.TunnelURL)
}

// InCooldown reports whether a family-C cooldown is in effect at now.
func (w *Worker) InCooldown(now time.Time) bool {
	return !w.CooldownUntil.IsZero() && now.Before(w.CooldownUntil)
}

// PlaceholderTunnel builds the tunnel URL placeholder used for workers that
// have never published a real endpoint.
func PlaceholderTunnel(provider Provider, accountID string) string {
	return fmt.Sprintf("pending://%s/%s", provider, accountID)
}

// IsPlaceholderTunnel reports whether url is a discovery placeholder rather
// than a reachable endpoint.
func IsPlaceholderTunnel(url string) bool {
	return len(url) >= 10 && url[:10] == "pending://"
}
