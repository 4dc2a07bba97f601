package kaggle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/notebook-fleet/notebook-fleet/internal/driver"
	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

func testClient(baseURL string) *Client {
	return NewClient(baseURL,
		WithRateLimit(rate.NewLimiter(rate.Inf, 0)),
		WithPollInterval(5*time.Millisecond),
		WithStartTimeout(250*time.Millisecond))
}

func startReq() driver.StartRequest {
	return driver.StartRequest{
		WorkerID:  3,
		AccountID: "kaggle-1",
		Kaggle:    &vault.KaggleCredentials{Username: "alice", Key: "secret"},
	}
}

func TestStartSession_PushThenPoll(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, key, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "secret", key)

		switch r.URL.Path {
		case "/kernels/alice/notebook-fleet-worker/push":
			var req pushRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.EnableGPU)
			json.NewEncoder(w).Encode(pushResponse{Ref: "alice/notebook-fleet-worker"})
		case "/kernels/alice/notebook-fleet-worker/status":
			status := kernelStatus{Status: statusQueued}
			if polls.Add(1) >= 2 {
				status = kernelStatus{Status: statusRunning, TunnelURL: "https://tunnel.example.com/k3"}
			}
			json.NewEncoder(w).Encode(status)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	result, err := testClient(server.URL).StartSession(context.Background(), startReq())
	require.NoError(t, err)
	assert.Equal(t, "https://tunnel.example.com/k3", result.TunnelURL)
}

func TestStartSession_RunningWithoutTunnelKeepsPolling(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/kernels/alice/notebook-fleet-worker/push":
			json.NewEncoder(w).Encode(pushResponse{Ref: "r"})
		case "/kernels/alice/notebook-fleet-worker/status":
			status := kernelStatus{Status: statusRunning}
			if polls.Add(1) >= 3 {
				status.TunnelURL = "https://tunnel.example.com/late"
			}
			json.NewEncoder(w).Encode(status)
		}
	}))
	defer server.Close()

	result, err := testClient(server.URL).StartSession(context.Background(), startReq())
	require.NoError(t, err)
	assert.Equal(t, "https://tunnel.example.com/late", result.TunnelURL)
}

func TestStartSession_KernelError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/kernels/alice/notebook-fleet-worker/push":
			json.NewEncoder(w).Encode(pushResponse{Ref: "r"})
		case "/kernels/alice/notebook-fleet-worker/status":
			json.NewEncoder(w).Encode(kernelStatus{Status: statusError, Failure: "no accelerator available"})
		}
	}))
	defer server.Close()

	_, err := testClient(server.URL).StartSession(context.Background(), startReq())
	require.Error(t, err)
	var de *driver.DriverError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Message, "no accelerator")
}

func TestStartSession_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(server.URL).StartSession(context.Background(), startReq())
	assert.True(t, driver.IsAuthError(err))
}

func TestStopSession_UsesLaunchHandle(t *testing.T) {
	var cancels atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/kernels/alice/notebook-fleet-worker/push":
			json.NewEncoder(w).Encode(pushResponse{Ref: "r"})
		case "/kernels/alice/notebook-fleet-worker/status":
			json.NewEncoder(w).Encode(kernelStatus{Status: statusRunning, TunnelURL: "https://t"})
		case "/kernels/alice/notebook-fleet-worker/cancel":
			cancels.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.StartSession(context.Background(), startReq())
	require.NoError(t, err)

	require.NoError(t, client.StopSession(context.Background(), 3))
	assert.Equal(t, int32(1), cancels.Load())

	// Handle is consumed; a second stop is a no-op
	require.NoError(t, client.StopSession(context.Background(), 3))
	assert.Equal(t, int32(1), cancels.Load())
}

func TestStopSession_WithoutHandleIsNoop(t *testing.T) {
	client := testClient("http://unused")
	assert.NoError(t, client.StopSession(context.Background(), 99))
}

func TestScrapeQuota(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/alice/quota", r.URL.Path)
		json.NewEncoder(w).Encode(quotaResponse{
			SessionRemainingSeconds: 4000,
			WeeklyRemainingSeconds:  50000,
		})
	}))
	defer server.Close()

	snap, err := testClient(server.URL).ScrapeQuota(context.Background(), driver.ScrapeRequest{
		AccountID: "kaggle-1",
		Kaggle:    &vault.KaggleCredentials{Username: "alice", Key: "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderKaggle, snap.Provider)
	assert.Equal(t, 4000, snap.SessionRemainingSeconds)
	assert.Equal(t, 50000, snap.WeeklyRemainingSeconds)
}

func TestName(t *testing.T) {
	assert.Equal(t, models.ProviderKaggle, testClient("http://unused").Name())
}
