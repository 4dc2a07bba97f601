package colab

// launchRequest starts a browser-automation launch on the bridge.
type launchRequest struct {
	WorkerID    int64  `json:"worker_id"`
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Correlation string `json:"correlation,omitempty"`
}

// sessionState is the bridge's view of one launch.
type sessionState struct {
	WorkerID  int64  `json:"worker_id"`
	State     string `json:"state"` // "launching" | "ready" | "failed"
	TunnelURL string `json:"tunnel_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	stateLaunching = "launching"
	stateReady     = "ready"
	stateFailed    = "failed"
)

// quotaRequest asks the bridge to scrape the account's usage page.
type quotaRequest struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// quotaResponse carries the scraped usage view.
type quotaResponse struct {
	SessionRemainingSeconds int `json:"session_remaining_seconds"`
}
