package models

import "fmt"

// FailureKind classifies a user-visible failure.
type FailureKind string

const (
	FailureConfiguration     FailureKind = "configuration"      // missing credential, malformed secret index
	FailureTransient         FailureKind = "transient"          // driver timeout, network hiccup
	FailureQuotaDenied       FailureKind = "quota_denied"       // ledger refusal
	FailureAlternationDenied FailureKind = "alternation_denied" // gate refusal without override
	FailureConflict          FailureKind = "conflict"           // live session already exists
	FailureInvariant         FailureKind = "invariant"          // a check that must have held failed
)

// Failure is the structured outcome surfaced to callers. Quota and
// alternation denials are normal outcomes, not exceptional ones; they still
// implement error so call sites can propagate them uniformly.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Reason   string      `json:"reason"`
	WorkerID int64       `json:"worker_id,omitempty"`
	Provider Provider    `json:"provider,omitempty"`
}

func (f *Failure) Error() string {
	if f.WorkerID != 0 {
		return fmt.Sprintf("%s: %s (worker %d)", f.Kind, f.Reason, f.WorkerID)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// NewFailure builds a Failure for the given worker.
func NewFailure(kind FailureKind, workerID int64, provider Provider, format string, args ...any) *Failure {
	return &Failure{
		Kind:     kind,
		Reason:   fmt.Sprintf(format, args...),
		WorkerID: workerID,
		Provider: provider,
	}
}

// IsDenial reports whether the failure is a normal policy refusal rather
// than an operational error.
func (f *Failure) IsDenial() bool {
	return f.Kind == FailureQuotaDenied || f.Kind == FailureAlternationDenied
}
