package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_LevelParsing(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "warn", Format: "json", Output: &buf})

	logger.Info("should be dropped")
	logger.Warn("should appear")

	assert.NotContains(t, buf.String(), "should be dropped")
	assert.Contains(t, buf.String(), "should appear")
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "info", Format: "text", Output: &buf})

	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestContextHandler_AddsContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithWorkerID(WithSessionID(context.Background(), "sess-abc"), 42)
	logger.InfoContext(ctx, "with context")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, float64(42), record["worker_id"])
	assert.Equal(t, "sess-abc", record["session_id"])
}

func TestAudit_AlwaysTagged(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "info", Format: "json", Output: &buf})

	Audit(WithWorkerID(context.Background(), 7), "worker_started", "provider", "kaggle")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, true, record["audit"])
	assert.Equal(t, "worker_started", record["operation"])
	assert.Equal(t, float64(7), record["worker_id"])
	assert.Equal(t, "kaggle", record["provider"])
}
