// Package colab implements the family-C driver against the browser
// automation bridge, a sidecar service that owns the actual notebook UI
// automation. The bridge keys launches by worker id, so this client holds
// no per-session state of its own.
package colab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/notebook-fleet/notebook-fleet/internal/driver"
	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 3 * time.Second
)

// Client implements the driver.Driver interface for family C
type Client struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	startTimeout time.Duration
	pollInterval time.Duration
}

// ClientOption configures the bridge client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithStartTimeout bounds the tunnel wait
func WithStartTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.startTimeout = d
	}
}

// WithPollInterval sets the tunnel poll cadence (for testing)
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithRateLimit sets the request rate limit
func WithRateLimit(limiter *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// NewClient creates a new bridge client
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
		startTimeout: driver.DefaultStartTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider family this driver serves
func (c *Client) Name() models.Provider {
	return models.ProviderColab
}

// StartSession asks the bridge to launch the notebook, then polls until the
// remote worker publishes a tunnel URL or the start timeout elapses.
func (c *Client) StartSession(ctx context.Context, req driver.StartRequest) (*driver.StartResult, error) {
	if req.Colab == nil {
		return nil, fmt.Errorf("%w: missing colab credentials", driver.ErrInvalidResponse)
	}
	started := time.Now()

	launch := launchRequest{
		WorkerID:    req.WorkerID,
		AccountID:   req.AccountID,
		Email:       req.Colab.Email,
		Password:    req.Colab.Password,
		Correlation: req.Correlation,
	}
	if err := c.post(ctx, "/v1/sessions", launch, nil, "StartSession"); err != nil {
		metrics.RecordDriverError(string(models.ProviderColab), "start")
		return nil, err
	}

	tunnelURL, err := c.waitForTunnel(ctx, req.WorkerID)
	if err != nil {
		metrics.RecordDriverError(string(models.ProviderColab), "start")
		return nil, err
	}

	metrics.RecordDriverStart(string(models.ProviderColab), time.Since(started))
	return &driver.StartResult{TunnelURL: tunnelURL, StartedAt: started}, nil
}

// waitForTunnel polls the bridge until the launch reports ready.
func (c *Client) waitForTunnel(ctx context.Context, workerID int64) (string, error) {
	deadline := time.NewTimer(c.startTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		state, err := c.getSession(ctx, workerID)
		if err != nil {
			return "", err
		}
		switch state.State {
		case stateReady:
			if state.TunnelURL == "" {
				return "", fmt.Errorf("%w: ready launch without tunnel url", driver.ErrInvalidResponse)
			}
			return state.TunnelURL, nil
		case stateFailed:
			return "", driver.NewDriverError("colab", "StartSession", 0, state.Error, driver.ErrDriverError)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", driver.ErrTunnelTimeout
		case <-ticker.C:
		}
	}
}

// StopSession instructs the bridge to close the notebook. A launch the
// bridge no longer knows about counts as stopped.
func (c *Client) StopSession(ctx context.Context, workerID int64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqURL := fmt.Sprintf("%s/v1/sessions/%d", c.baseURL, workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordDriverError(string(models.ProviderColab), "stop")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	metrics.RecordDriverError(string(models.ProviderColab), "stop")
	return c.handleError(resp, "StopSession")
}

// ScrapeQuota has the bridge read the account's usage page.
func (c *Client) ScrapeQuota(ctx context.Context, req driver.ScrapeRequest) (*driver.QuotaSnapshot, error) {
	if req.Colab == nil {
		return nil, fmt.Errorf("%w: missing colab credentials", driver.ErrInvalidResponse)
	}

	var out quotaResponse
	scrape := quotaRequest{AccountID: req.AccountID, Email: req.Colab.Email, Password: req.Colab.Password}
	if err := c.post(ctx, "/v1/quota", scrape, &out, "ScrapeQuota"); err != nil {
		metrics.RecordDriverError(string(models.ProviderColab), "scrape")
		return nil, err
	}

	return &driver.QuotaSnapshot{
		Provider:                models.ProviderColab,
		AccountID:               req.AccountID,
		SessionRemainingSeconds: out.SessionRemainingSeconds,
		ScrapedAt:               time.Now().UTC(),
	}, nil
}

func (c *Client) getSession(ctx context.Context, workerID int64) (*sessionState, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/v1/sessions/%d", c.baseURL, workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, driver.ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleError(resp, "StartSession")
	}

	var state sessionState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &state, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.handleError(resp, operation)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// handleError converts HTTP errors to driver errors
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	message := string(body)

	var baseErr error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		baseErr = driver.ErrRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		baseErr = driver.ErrAuth
	case http.StatusNotFound:
		baseErr = driver.ErrSessionNotFound
	default:
		baseErr = driver.ErrDriverError
	}

	return driver.NewDriverError("colab", operation, resp.StatusCode, message, baseErr)
}
