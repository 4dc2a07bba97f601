package kaggle

// pushRequest uploads and starts the worker kernel for an account.
type pushRequest struct {
	Slug            string `json:"slug"`
	EnableGPU       bool   `json:"enable_gpu"`
	EnableInternet  bool   `json:"enable_internet"`
	CorrelationNote string `json:"correlation_note,omitempty"`
}

// pushResponse acknowledges a kernel push.
type pushResponse struct {
	Ref   string `json:"ref"`
	Error string `json:"error,omitempty"`
}

// kernelStatus is the provider's view of a running kernel. The tunnel URL
// is relayed by the worker bootstrap through the kernel log output.
type kernelStatus struct {
	Status    string `json:"status"` // "queued" | "running" | "complete" | "error"
	TunnelURL string `json:"tunnel_url,omitempty"`
	Failure   string `json:"failureMessage,omitempty"`
}

const (
	statusQueued   = "queued"
	statusRunning  = "running"
	statusComplete = "complete"
	statusError    = "error"
)

// quotaResponse carries the account's remaining accelerator quota.
type quotaResponse struct {
	SessionRemainingSeconds int `json:"session_remaining_seconds"`
	WeeklyRemainingSeconds  int `json:"weekly_remaining_seconds"`
}
