package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/mmsession/internal/api"
	"github.com/goodtune/mmsession/internal/config"
	"github.com/goodtune/mmsession/internal/installation"
	"github.com/goodtune/mmsession/internal/lifecycle"
	"github.com/goodtune/mmsession/internal/metrics"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/goodtune/mmsession/internal/systemd"
	"github.com/goodtune/mmsession/internal/usersession"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownFlushTimeout = 5 * time.Second

var runStartActive bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the session tracking daemon",
	Long: `Start tracking sessions. The daemon treats SIGUSR1 as the host application
entering the foreground, SIGUSR2 as it resigning, and SIGHUP as a request
for an immediate tracking pass with reporting.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&runStartActive, "start-active", true, "Treat the application as foreground and active at startup")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting mmsessiond")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	storeCtx := storage.NewContext(store.Sessions(), logger)
	defer storeCtx.Close()

	clock := clockwork.NewRealClock()
	timeout := config.Duration(cfg.Sessions.Timeout, usersession.DefaultSessionTimeout)

	uploader, err := buildUploader(cfg.Reporting, clock, logger)
	if err != nil {
		return err
	}

	if cfg.Installation.PushRegistrationID == "" {
		logger.Warn().Msg("No push registration id configured, sessions will not be tracked")
	}

	tracker := lifecycle.NewTracker()
	service, err := usersession.NewService(usersession.Options{
		Installation: installation.Static(cfg.Installation.PushRegistrationID),
		AppState:     tracker,
		Store:        storeCtx,
		Uploader:     uploader,
		Clock:        clock,
		Config: usersession.Config{
			SessionTimeout: timeout,
			SaveInterval:   config.Duration(cfg.Sessions.SaveInterval, usersession.DefaultSaveInterval),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session service: %w", err)
	}
	defer service.Close()

	service.Attach(tracker)
	service.Start(nil)
	if runStartActive {
		tracker.Publish(lifecycle.EnterForeground)
		tracker.Publish(lifecycle.BecomeActive)
	}

	pruner := usersession.NewPruner(
		storeCtx,
		clock,
		config.Duration(cfg.Sessions.ReportedRetention, 7*24*time.Hour),
		config.Duration(cfg.Sessions.PruneInterval, time.Hour),
		logger,
	)
	pruner.Start()
	defer pruner.Stop()

	// Start metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	metricsServer.Handle("/api/", api.NewRouter(
		api.NewSessionsHandler(storeCtx, clock, timeout, logger),
		api.NewServiceHandler(service, logger),
		logger,
	))

	// Use systemd socket-activated listener if available
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer func() {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}()

	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)
	logger.Info().Msgf("API: http://%s/api/status", metricsAddr)

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()
	go systemd.RunWatchdog(watchdogCtx, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGUSR1:
			logger.Info().Msg("SIGUSR1 received, application entering foreground")
			tracker.Publish(lifecycle.EnterForeground)
			tracker.Publish(lifecycle.BecomeActive)
			continue

		case syscall.SIGUSR2:
			logger.Info().Msg("SIGUSR2 received, application resigning active")
			tracker.Publish(lifecycle.ResignActive)
			continue

		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, running session tracking")
			service.PerformSessionTracking(true, nil)
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}

		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	flushed := make(chan struct{})
	service.PerformSessionTracking(false, func() { close(flushed) })
	select {
	case <-flushed:
	case <-time.After(shutdownFlushTimeout):
		logger.Warn().Msg("Timed out persisting the final session update")
	}

	tracker.Publish(lifecycle.Terminate)

	logger.Info().Msg("mmsessiond stopped")

	return nil
}
