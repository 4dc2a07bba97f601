// Package kaggle implements the family-K driver against the provider's
// kernel API. Requests authenticate with the account's username/key via
// basic auth. The client tracks which kernel it launched for each worker
// so StopSession can address the right one.
package kaggle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/notebook-fleet/notebook-fleet/internal/driver"
	"github.com/notebook-fleet/notebook-fleet/internal/metrics"
	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 3 * time.Second

	// workerKernelSlug is the kernel every account runs; the notebook body
	// is the worker bootstrap.
	workerKernelSlug = "notebook-fleet-worker"
)

// launchHandle remembers how to address a kernel we started.
type launchHandle struct {
	creds vault.KaggleCredentials
	ref   string
}

// Client implements the driver.Driver interface for family K
type Client struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	startTimeout time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	handles map[int64]launchHandle
}

// ClientOption configures the kernel API client
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

// NewClient creates a new kernel API client
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
		startTimeout: driver.DefaultStartTimeout,
		pollInterval: defaultPollInterval,
		handles:      make(map[int64]launchHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider family this driver serves
func (c *Client) Name() models.Provider {
	return models.ProviderKaggle
}

// StartSession pushes the worker kernel with the accelerator enabled, then
// polls the kernel status until the bootstrap publishes a tunnel URL or the
// start timeout elapses.
func (c *Client) StartSession(ctx context.Context, req driver.StartRequest) (*driver.StartResult, error) {
	if req.Kaggle == nil {
		return nil, fmt.Errorf("%w: missing kaggle credentials", driver.ErrInvalidResponse)
	}
	started := time.Now()
	creds := *req.Kaggle

	push := pushRequest{
		Slug:            workerKernelSlug,
		EnableGPU:       true,
		EnableInternet:  true,
		CorrelationNote: req.Correlation,
	}
	var pushed pushResponse
	if err := c.do(ctx, http.MethodPost, c.kernelPath(creds.Username, "push"), creds, push, &pushed, "StartSession"); err != nil {
		metrics.RecordDriverError(string(models.ProviderKaggle), "start")
		return nil, err
	}
	if pushed.Error != "" {
		metrics.RecordDriverError(string(models.ProviderKaggle), "start")
		return nil, driver.NewDriverError("kaggle", "StartSession", 0, pushed.Error, driver.ErrDriverError)
	}

	tunnelURL, err := c.waitForTunnel(ctx, creds)
	if err != nil {
		metrics.RecordDriverError(string(models.ProviderKaggle), "start")
		return nil, err
	}

	c.mu.Lock()
	c.handles[req.WorkerID] = launchHandle{creds: creds, ref: pushed.Ref}
	c.mu.Unlock()

	metrics.RecordDriverStart(string(models.ProviderKaggle), time.Since(started))
	return &driver.StartResult{TunnelURL: tunnelURL, StartedAt: started}, nil
}

func (c *Client) waitForTunnel(ctx context.Context, creds vault.KaggleCredentials) (string, error) {
	deadline := time.NewTimer(c.startTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var status kernelStatus
		err := c.do(ctx, http.MethodGet, c.kernelPath(creds.Username, "status"), creds, nil, &status, "StartSession")
		if err != nil {
			return "", err
		}
		switch status.Status {
		case statusRunning:
			if status.TunnelURL != "" {
				return status.TunnelURL, nil
			}
			// Kernel is up but the bootstrap has not published yet
		case statusError, statusComplete:
			return "", driver.NewDriverError("kaggle", "StartSession", 0, status.Failure, driver.ErrDriverError)
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

// StopSession cancels the kernel we launched for this worker. Without a
// handle (process restarted since the launch) there is nothing to address
// and the call is a no-op success; the kernel times out server-side.
func (c *Client) StopSession(ctx context.Context, workerID int64) error {
	c.mu.Lock()
	handle, ok := c.handles[workerID]
	delete(c.handles, workerID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	err := c.do(ctx, http.MethodPost, c.kernelPath(handle.creds.Username, "cancel"), handle.creds, nil, nil, "StopSession")
	if err != nil {
		// A kernel the provider no longer knows about counts as stopped
		if errors.Is(err, driver.ErrSessionNotFound) {
			return nil
		}
		metrics.RecordDriverError(string(models.ProviderKaggle), "stop")
		return err
	}
	return nil
}

// ScrapeQuota reads the account's remaining accelerator quota.
func (c *Client) ScrapeQuota(ctx context.Context, req driver.ScrapeRequest) (*driver.QuotaSnapshot, error) {
	if req.Kaggle == nil {
		return nil, fmt.Errorf("%w: missing kaggle credentials", driver.ErrInvalidResponse)
	}

	var out quotaResponse
	path := fmt.Sprintf("/accounts/%s/quota", req.Kaggle.Username)
	if err := c.do(ctx, http.MethodGet, path, *req.Kaggle, nil, &out, "ScrapeQuota"); err != nil {
		metrics.RecordDriverError(string(models.ProviderKaggle), "scrape")
		return nil, err
	}

	return &driver.QuotaSnapshot{
		Provider:                models.ProviderKaggle,
		AccountID:               req.AccountID,
		SessionRemainingSeconds: out.SessionRemainingSeconds,
		WeeklyRemainingSeconds:  out.WeeklyRemainingSeconds,
		ScrapedAt:               time.Now().UTC(),
	}, nil
}

func (c *Client) kernelPath(username, action string) string {
	return fmt.Sprintf("/kernels/%s/%s/%s", username, workerKernelSlug, action)
}

func (c *Client) do(ctx context.Context, method, path string, creds vault.KaggleCredentials, in, out any, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(creds.Username, creds.Key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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
	data, _ := io.ReadAll(resp.Body)
	message := string(data)

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

	return driver.NewDriverError("kaggle", operation, resp.StatusCode, message, baseErr)
}
