package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notebook-fleet/notebook-fleet/internal/activator"
	"github.com/notebook-fleet/notebook-fleet/internal/alternation"
	"github.com/notebook-fleet/notebook-fleet/internal/api"
	"github.com/notebook-fleet/notebook-fleet/internal/config"
	"github.com/notebook-fleet/notebook-fleet/internal/controller"
	"github.com/notebook-fleet/notebook-fleet/internal/discovery"
	"github.com/notebook-fleet/notebook-fleet/internal/driver"
	"github.com/notebook-fleet/notebook-fleet/internal/driver/colab"
	"github.com/notebook-fleet/notebook-fleet/internal/driver/kaggle"
	"github.com/notebook-fleet/notebook-fleet/internal/events"
	"github.com/notebook-fleet/notebook-fleet/internal/logging"
	"github.com/notebook-fleet/notebook-fleet/internal/planner"
	"github.com/notebook-fleet/notebook-fleet/internal/quota"
	"github.com/notebook-fleet/notebook-fleet/internal/storage"
	"github.com/notebook-fleet/notebook-fleet/internal/vault"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting notebook fleet server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workerStore := storage.NewWorkerStore(db)
	sessionStore := storage.NewSessionStore(db)
	alternationStore := storage.NewAlternationStore(db)

	bus := events.NewBus(logger)

	ledger := quota.New(workerStore, quota.WithLogger(logger))
	gate := alternation.New(alternationStore, alternation.WithLogger(logger))
	if err := gate.Init(ctx); err != nil {
		logger.Error("failed to initialize alternation state", slog.String("error", err.Error()))
		os.Exit(1)
	}

	secrets := vault.New(vault.EnvSurface())

	drivers := make(map[models.Provider]driver.Driver)
	if cfg.Drivers.Colab.Enabled {
		drivers[models.ProviderColab] = colab.NewClient(cfg.Drivers.Colab.BridgeURL,
			colab.WithStartTimeout(cfg.Drivers.Colab.StartTimeout))
		logger.Info("initialized colab driver",
			slog.String("bridge_url", cfg.Drivers.Colab.BridgeURL))
	}
	if cfg.Drivers.Kaggle.Enabled {
		drivers[models.ProviderKaggle] = kaggle.NewClient(cfg.Drivers.Kaggle.BaseURL,
			kaggle.WithStartTimeout(cfg.Drivers.Kaggle.StartTimeout))
		logger.Info("initialized kaggle driver",
			slog.String("base_url", cfg.Drivers.Kaggle.BaseURL))
	}

	scanner := discovery.New(vault.EnvSurface(), workerStore,
		discovery.WithLogger(logger),
		discovery.WithBus(bus))

	ctrl := controller.New(workerStore, sessionStore, ledger, gate,
		planner.New(planner.WithLogger(logger)), secrets, drivers,
		cfg.Controller,
		controller.WithLogger(logger),
		controller.WithBus(bus))

	act := activator.New(workerStore, sessionStore, ctrl,
		activator.WithRanker(ledger),
		activator.WithLogger(logger))

	server := api.New(workerStore, sessionStore, ledger, gate, ctrl, act,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port))

	// Discover workers from the credential surface before reconciling
	if cfg.Discovery.Enabled {
		result, err := scanner.Sync(ctx)
		if err != nil {
			logger.Error("initial discovery failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("initial discovery complete",
			slog.Int("added", result.Added),
			slog.Int("removed", result.Removed))
	}

	// Bring durable state in line with reality before the loops start
	if err := ctrl.Reconcile(ctx); err != nil {
		logger.Error("startup reconciliation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("failed to start controller", slog.String("error", err.Error()))
		os.Exit(1)
	}

	discoveryStop := make(chan struct{})
	if cfg.Discovery.Enabled {
		go runDiscoveryLoop(ctx, scanner, cfg.Discovery.Interval, discoveryStop, logger)
	}

	server.SetReady(true)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")
		server.SetReady(false)

		close(discoveryStop)
		ctrl.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := server.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// runDiscoveryLoop re-syncs the worker inventory with the credential surface
// so tuples added or removed at runtime are picked up without a restart.
func runDiscoveryLoop(ctx context.Context, scanner *discovery.Scanner,
	interval time.Duration, stopCh <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			result, err := scanner.Sync(ctx)
			if err != nil {
				logger.Error("discovery sync failed", slog.String("error", err.Error()))
				continue
			}
			if result.Added > 0 || result.Removed > 0 {
				logger.Info("discovery sync applied changes",
					slog.Int("added", result.Added),
					slog.Int("removed", result.Removed))
			}
		}
	}
}
