package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"iquasoftener/internal/api"
	"iquasoftener/internal/clock"
	"iquasoftener/internal/config"
	"iquasoftener/internal/entity"
	"iquasoftener/internal/flow"
	"iquasoftener/internal/ha"
	"iquasoftener/internal/history"
	"iquasoftener/internal/integration"
	"iquasoftener/internal/iqua"
	"iquasoftener/internal/metrics"
	"iquasoftener/pkg/platform"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	settings, err := config.LoadSettings(logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting iQua softener bridge",
		zap.String("url", settings.HAURL),
		zap.Bool("read_only", settings.ReadOnly),
		zap.String("entries_file", settings.EntriesFile),
		zap.Bool("history", settings.HistoryEnabled()))

	// Create HA client
	client := ha.NewClient(settings.HAURL, settings.HAToken, logger)

	// Connect to Home Assistant
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	store := config.NewStore(settings.EntriesFile, logger)
	if err := store.Load(); err != nil {
		logger.Fatal("Failed to load config entries", zap.Error(err))
	}

	factory := iqua.NewFactory(settings.IquaAPIURL, logger)
	m := metrics.New(prometheus.DefaultRegisterer)

	// Sensors register themselves; metrics and history are wired here
	logger.Info("Registering platforms", zap.String("sensor", entity.PlatformName))
	if err := platform.Register(metrics.PlatformInfo(m)); err != nil {
		logger.Fatal("Failed to register metrics platform", zap.Error(err))
	}

	closeHistory := func() {}
	if settings.HistoryEnabled() {
		var recorder *history.Recorder
		recorder, closeHistory = history.NewInfluxRecorder(
			settings.InfluxURL, settings.InfluxToken, settings.InfluxOrg, settings.InfluxBucket, logger)
		if err := platform.Register(history.PlatformInfo(recorder)); err != nil {
			logger.Fatal("Failed to register history platform", zap.Error(err))
		}
	}
	defer closeHistory()

	manager := integration.NewManager(integration.Options{
		Store:    store,
		Factory:  factory,
		HAClient: client,
		Clock:    clock.NewRealClock(),
		Logger:   logger,
		ReadOnly: settings.ReadOnly,
		Metrics:  m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Start(ctx)
	logger.Info("Entries set up",
		zap.Int("entries", len(store.Entries())),
		zap.Int("running", len(manager.Instances())))

	server := api.NewServer(manager, flow.New(store, factory, logger), store, prometheus.DefaultGatherer, nil, logger, settings.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	if settings.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	manager.Shutdown()
}
