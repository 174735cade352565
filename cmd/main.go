package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"thermoboost/internal/api"
	"thermoboost/internal/boost"
	"thermoboost/internal/config"
	"thermoboost/internal/ha"
	"thermoboost/internal/heatdemand"
	"thermoboost/internal/retry"
	"thermoboost/internal/scheduler"
	"thermoboost/internal/state"
	"thermoboost/internal/timerstore"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables are required")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}

	loader := config.NewLoader(configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := loader.Get()

	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	states := state.NewManager(client, state.DeviceVariables(cfg.Devices), logger)
	if err := states.SyncFromHA(); err != nil {
		logger.Fatal("Failed to sync state from Home Assistant", zap.Error(err))
	}

	store, err := timerstore.Open(cfg.Settings.StorePath, logger)
	if err != nil {
		logger.Fatal("Failed to open timer store", zap.Error(err))
	}
	defer store.Close()

	executor := retry.NewExecutor(client, retry.Policy{
		MaxAttempts: cfg.Settings.Retry.MaxAttempts,
		Delay:       cfg.Settings.Retry.Delay(),
	}, logger)
	logger.Info("Retry policy",
		zap.Int("max_attempts", executor.Policy().MaxAttempts),
		zap.Duration("delay", executor.Policy().Delay))
	schedules := scheduler.NewManager(client, executor, logger)
	calc := boost.NewBoundsCalculator(client, cfg.Settings.ImperialUnits, logger)

	manager := boost.NewManager(client, states, store, schedules, executor, calc,
		cfg.Settings, cfg.Devices, logger)

	recovery := boost.NewRecoveryCoordinator(store, manager, logger)
	if err := recovery.Startup(context.Background()); err != nil {
		logger.Fatal("Startup recovery failed", zap.Error(err))
	}

	if err := manager.Start(); err != nil {
		logger.Fatal("Failed to start boost manager", zap.Error(err))
	}
	defer manager.Stop()

	aggregator := heatdemand.NewAggregator(client, states, cfg.Devices, logger)
	if err := aggregator.Start(); err != nil {
		logger.Fatal("Failed to start call-for-heat aggregator", zap.Error(err))
	}
	defer aggregator.Stop()

	server := api.NewServer(manager, aggregator, states, cfg.Settings.APIPort, logger)
	server.Start()
	defer server.Stop()

	logger.Info("Thermostat boost engine running",
		zap.Int("devices", len(cfg.Devices)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
}
