package models

import "time"

// SessionStatus represents the current state of a notebook session.
type SessionStatus string

const (
	SessionStarting   SessionStatus = "starting"   // Driver launching, tunnel not yet confirmed
	SessionActive     SessionStatus = "active"     // Tunnel published, serving
	SessionIdle       SessionStatus = "idle"       // Live but without recent activity
	SessionTerminated SessionStatus = "terminated" // Terminal, absorbing
)

// ShutdownReason is the closed vocabulary recorded when a session terminates.
type ShutdownReason string

const (
	ShutdownManualStop        ShutdownReason = "manual_stop"
	ShutdownSessionLimit      ShutdownReason = "session_limit"
	ShutdownWeeklyQuota       ShutdownReason = "weekly_quota"
	ShutdownQuotaExpired      ShutdownReason = "quota_expired"
	ShutdownStartupTimeout    ShutdownReason = "startup_timeout"
	ShutdownIdleTimeout       ShutdownReason = "idle_timeout"
	ShutdownStartupError      ShutdownReason = "startup_error"
	ShutdownQuotaServiceError ShutdownReason = "quota_service_error"
	ShutdownProviderError     ShutdownReason = "provider_error"
)

// Session represents a single continuous run of a worker, bounded by the
// safe session cap. At most one non-terminated session may exist per worker;
// the storage layer enforces that with a partial unique index.
type Session struct {
	ID        int64         `json:"id"`
	WorkerID  int64         `json:"worker_id"`
	SessionID string        `json:"session_id"` // opaque correlation string
	Provider  Provider      `json:"provider"`
	Status    SessionStatus `json:"status"`

	TunnelURL string `json:"tunnel_url,omitempty"`

	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	// ExpiresAt is immutable once set.
	ExpiresAt    time.Time `json:"expires_at"`
	TerminatedAt time.Time `json:"terminated_at,omitempty"`

	DurationSeconds int            `json:"duration_seconds"`
	ShutdownReason  ShutdownReason `json:"shutdown_reason,omitempty"`
}

// LiveStatuses are the session states covered by the partial uniqueness
// constraint: a worker may hold at most one session in these states.
var LiveStatuses = []SessionStatus{SessionStarting, SessionActive, SessionIdle}

// IsLive reports whether the session counts against the per-worker
// uniqueness constraint.
func (s *Session) IsLive() bool {
	return s.Status == SessionStarting || s.Status == SessionActive || s.Status == SessionIdle
}

// IsTerminal reports whether the session reached its absorbing state.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionTerminated
}
