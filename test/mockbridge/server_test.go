package mockbridge

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/notebook-fleet/notebook-fleet/internal/driver"
	"github.com/notebook-fleet/notebook-fleet/internal/driver/colab"
	"github.com/notebook-fleet/notebook-fleet/internal/driver/kaggle"
	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// The mock is only useful if the real driver clients can talk to it, so the
// tests exercise it through them.

func newBridge(t *testing.T) (*Server, string) {
	t.Helper()
	server := NewServer(NewState())
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, ts.URL
}

func fastOptions() []colab.ClientOption {
	return []colab.ClientOption{
		colab.WithPollInterval(5 * time.Millisecond),
		colab.WithStartTimeout(250 * time.Millisecond),
		colab.WithRateLimit(rate.NewLimiter(rate.Inf, 0)),
	}
}

func TestColabLaunchLifecycle(t *testing.T) {
	bridge, url := newBridge(t)
	client := colab.NewClient(url, fastOptions()...)

	result, err := client.StartSession(context.Background(), driver.StartRequest{
		WorkerID:  7,
		AccountID: "colab-1",
		Colab:     &vault.ColabCredentials{Email: "a@x.com", Password: "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://mockbridge.local/tunnel/worker-7", result.TunnelURL)
	assert.Equal(t, 1, bridge.State().LaunchCount())

	require.NoError(t, client.StopSession(context.Background(), 7))
	assert.Equal(t, 0, bridge.State().LaunchCount())

	// Stopping again is tolerated; the bridge answers 404
	require.NoError(t, client.StopSession(context.Background(), 7))
}

func TestColabLaunchFailureInjection(t *testing.T) {
	bridge, url := newBridge(t)
	bridge.State().SetFailLaunch(true, "account locked out")

	client := colab.NewClient(url, fastOptions()...)

	_, err := client.StartSession(context.Background(), driver.StartRequest{
		WorkerID:  7,
		AccountID: "colab-1",
		Colab:     &vault.ColabCredentials{Email: "a@x.com", Password: "p"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account locked out")
}

func TestKaggleKernelLifecycle(t *testing.T) {
	bridge, url := newBridge(t)
	client := kaggle.NewClient(url,
		kaggle.WithPollInterval(5*time.Millisecond),
		kaggle.WithStartTimeout(250*time.Millisecond),
		kaggle.WithRateLimit(rate.NewLimiter(rate.Inf, 0)))

	result, err := client.StartSession(context.Background(), driver.StartRequest{
		WorkerID:  3,
		AccountID: "kaggle-1",
		Kaggle:    &vault.KaggleCredentials{Username: "u1", Key: "k1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://mockbridge.local/tunnel/u1", result.TunnelURL)
	assert.Equal(t, 1, bridge.State().KernelCount())

	require.NoError(t, client.StopSession(context.Background(), 3))
	assert.Equal(t, 0, bridge.State().KernelCount())
}

func TestKaggleQuotaScrape(t *testing.T) {
	bridge, url := newBridge(t)
	bridge.State().SetQuota(10000, 50000)

	client := kaggle.NewClient(url,
		kaggle.WithRateLimit(rate.NewLimiter(rate.Inf, 0)))

	snapshot, err := client.ScrapeQuota(context.Background(), driver.ScrapeRequest{
		AccountID: "kaggle-1",
		Kaggle:    &vault.KaggleCredentials{Username: "u1", Key: "k1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderKaggle, snapshot.Provider)
	assert.Equal(t, 10000, snapshot.SessionRemainingSeconds)
	assert.Equal(t, 50000, snapshot.WeeklyRemainingSeconds)
}

func TestSlowLaunchNeedsMultiplePolls(t *testing.T) {
	bridge, url := newBridge(t)
	bridge.State().SetPollsUntilReady(3)

	client := colab.NewClient(url, fastOptions()...)

	result, err := client.StartSession(context.Background(), driver.StartRequest{
		WorkerID:  9,
		AccountID: "colab-2",
		Colab:     &vault.ColabCredentials{Email: "b@x.com", Password: "p"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TunnelURL)
}
