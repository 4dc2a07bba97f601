package models

// QuotaStatus is the ledger's view of a single worker at one instant.
// Weekly fields are populated for family K only; cooldown fields for
// family C only.
type QuotaStatus struct {
	WorkerID int64    `json:"worker_id"`
	Provider Provider `json:"provider"`

	SessionRuntimeSeconds   int `json:"session_runtime_seconds"`
	RemainingSessionSeconds int `json:"remaining_session_seconds"`

	WeeklyUsedSeconds      int `json:"weekly_used_seconds,omitempty"`
	WeeklyRemainingSeconds int `json:"weekly_remaining_seconds,omitempty"`

	UtilizationPercent float64 `json:"utilization_percent"`

	InCooldown               bool `json:"in_cooldown,omitempty"`
	CooldownRemainingSeconds int  `json:"cooldown_remaining_seconds,omitempty"`

	CanStart   bool   `json:"can_start"`
	ShouldStop bool   `json:"should_stop"`
	Reason     string `json:"reason,omitempty"`
}

// JobAdmission is the result of a pre-flight CanAcceptJob check.
type JobAdmission struct {
	Accepted        bool    `json:"accepted"`
	Reason          string  `json:"reason,omitempty"`
	PercentAfterJob float64 `json:"percent_after_job"`
}
