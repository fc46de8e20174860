package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goodtune/mmsession/internal/config"
	"github.com/goodtune/mmsession/internal/report"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/goodtune/mmsession/internal/storage/bolt"
	"github.com/goodtune/mmsession/internal/storage/redis"
	"github.com/goodtune/mmsession/internal/storage/sqlite"
	"github.com/goodtune/mmsession/internal/usersession"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func buildUploader(cfg config.ReportingConfig, clock clockwork.Clock, logger zerolog.Logger) (usersession.Uploader, error) {
	var uploader report.Uploader
	switch cfg.Uploader {
	case "file":
		u, err := report.NewFileUploader(cfg.FilePath, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file uploader: %w", err)
		}
		uploader = u
	default:
		uploader = report.NewLogUploader(clock, logger)
	}

	if !cfg.Breaker.Enabled {
		return uploader, nil
	}
	return report.NewBreaker(uploader, report.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: config.Duration(cfg.Breaker.OpenTimeout, time.Minute),
	}, logger), nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
