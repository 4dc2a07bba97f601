package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/notebook-fleet.db", cfg.Database.Path)
	assert.Equal(t, time.Minute, cfg.Controller.QuotaCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.Controller.IdleCheckInterval)
	assert.Equal(t, 10*time.Minute, cfg.Controller.IdleThreshold)
	assert.Equal(t, 180*time.Second, cfg.Drivers.Colab.StartTimeout)
	assert.True(t, cfg.Controller.RotationEnabled)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/override.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	cfg.Drivers.Colab.Enabled = false
	cfg.Drivers.Kaggle.Enabled = false
	assert.Error(t, cfg.Validate())

	cfg.Drivers.Kaggle.Enabled = true
	cfg.Drivers.Kaggle.BaseURL = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_IdleThreshold(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Controller.IdleThreshold = 0
	assert.Error(t, cfg.Validate())
}
