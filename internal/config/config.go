package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Drivers    DriversConfig    `mapstructure:"drivers"`
	Controller ControllerConfig `mapstructure:"controller"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DriversConfig holds configuration for the notebook automation drivers
type DriversConfig struct {
	Colab  ColabConfig  `mapstructure:"colab"`
	Kaggle KaggleConfig `mapstructure:"kaggle"`
}

// ColabConfig holds family-C driver configuration. The driver talks to a
// local automation bridge that operates the notebook UI.
type ColabConfig struct {
	BridgeURL    string        `mapstructure:"bridge_url"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	Enabled      bool          `mapstructure:"enabled"`
}

// KaggleConfig holds family-K driver configuration
type KaggleConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	Enabled      bool          `mapstructure:"enabled"`
}

// ControllerConfig holds lifecycle controller configuration
type ControllerConfig struct {
	PoolCheckInterval  time.Duration `mapstructure:"pool_check_interval"`
	QuotaCheckInterval time.Duration `mapstructure:"quota_check_interval"`
	IdleCheckInterval  time.Duration `mapstructure:"idle_check_interval"`
	IdleThreshold      time.Duration `mapstructure:"idle_threshold"`
	StaggerBaseDelay   time.Duration `mapstructure:"stagger_base_delay"`
	RotationEnabled    bool          `mapstructure:"rotation_enabled"`
}

// DiscoveryConfig holds auto-discovery configuration
type DiscoveryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Enabled  bool          `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/notebook-fleet.db")

	// Driver defaults
	v.SetDefault("drivers.colab.enabled", true)
	v.SetDefault("drivers.colab.bridge_url", "http://localhost:9222")
	v.SetDefault("drivers.colab.start_timeout", 180*time.Second)
	v.SetDefault("drivers.kaggle.enabled", true)
	v.SetDefault("drivers.kaggle.base_url", "https://www.kaggle.com/api/v1")
	v.SetDefault("drivers.kaggle.start_timeout", 180*time.Second)

	// Controller defaults
	v.SetDefault("controller.pool_check_interval", time.Minute)
	v.SetDefault("controller.quota_check_interval", time.Minute)
	v.SetDefault("controller.idle_check_interval", 5*time.Minute)
	v.SetDefault("controller.idle_threshold", 10*time.Minute)
	v.SetDefault("controller.stagger_base_delay", 3*time.Second)
	v.SetDefault("controller.rotation_enabled", true)

	// Discovery defaults
	v.SetDefault("discovery.interval", 5*time.Minute)
	v.SetDefault("discovery.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("database.path", "DATABASE_PATH")

	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	bindEnv("drivers.colab.bridge_url", "COLAB_BRIDGE_URL")
	bindEnv("drivers.kaggle.base_url", "KAGGLE_API_URL")

	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Drivers.Colab.Enabled && !c.Drivers.Kaggle.Enabled {
		return fmt.Errorf("at least one driver must be enabled")
	}

	if c.Drivers.Colab.Enabled && c.Drivers.Colab.BridgeURL == "" {
		return fmt.Errorf("COLAB_BRIDGE_URL is required when the colab driver is enabled")
	}

	if c.Drivers.Kaggle.Enabled && c.Drivers.Kaggle.BaseURL == "" {
		return fmt.Errorf("KAGGLE_API_URL is required when the kaggle driver is enabled")
	}

	if c.Controller.IdleThreshold <= 0 {
		return fmt.Errorf("controller.idle_threshold must be positive")
	}

	return nil
}
