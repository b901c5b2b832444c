package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stocksage/logshipper/internal/config"
	"github.com/stocksage/logshipper/internal/follow"
	"github.com/stocksage/logshipper/internal/logging"
	"github.com/stocksage/logshipper/internal/logging/blob"
	"github.com/stocksage/logshipper/internal/logging/shipper"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:     "shipper",
		Short:   "logshipper - ship application logs to object storage",
		Long:    `logshipper buffers application log records in memory and durably persists them in batches to an S3-compatible object storage container.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		RunE:    runShipper,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("bucket", "b", "", "Destination bucket")
	rootCmd.PersistentFlags().StringP("key-prefix", "", "logs", "Destination key prefix")
	rootCmd.PersistentFlags().StringP("region", "", "us-east-1", "Storage region")
	rootCmd.PersistentFlags().StringP("endpoint", "", "", "Custom S3-compatible endpoint")
	rootCmd.PersistentFlags().StringP("format", "", "text", "Batch serialization format (text, json)")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Diagnostic log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("follow-dir", "", "", "Directory of local log files to follow")

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runShipper(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"bucket":  cfg.Storage.Bucket,
	}).Info("Starting logshipper")

	ship, err := buildShipper(cfg)
	if err != nil {
		return err
	}
	ship.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var follower *follow.Follower
	if cfg.Follow.Enable {
		follower = follow.New(ctx, follow.Config{
			Dir:          cfg.Follow.Dir,
			ScanInterval: cfg.Follow.ScanInterval,
			Workers:      cfg.Follow.Workers,
			QueueSize:    cfg.Follow.QueueSize,
			IdleTimeout:  cfg.Follow.IdleTimeout,
		}, ship)
		follower.Start()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enable {
		metricsServer = startMetricsServer(cfg.Metrics, ship)
	}

	ship.Info("Log shipper session started", map[string]string{"version": version})

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan

	logrus.Info("Received shutdown signal")
	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Metrics server shutdown failed")
		}
		shutdownCancel()
	}

	if follower != nil {
		follower.Stop()
	}

	ship.Info("Log shipper session ended", nil)
	ship.Stop()

	logrus.Info("logshipper stopped")
	return nil
}

func buildShipper(cfg *config.Config) (*shipper.Shipper, error) {
	format, err := blob.NewFormatter(cfg.Storage.Format)
	if err != nil {
		return nil, err
	}

	policy, err := logging.ParseOverflowPolicy(cfg.Buffer.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	minLevel, err := logging.ParseLevel(cfg.MinLevel)
	if err != nil {
		return nil, err
	}

	store := blob.NewS3Store(cfg.Storage.Endpoint, cfg.Storage.Region, cfg.Storage.AccessKey, cfg.Storage.SecretKey)

	target := blob.Target{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Instance:  uuid.NewString(),
	}

	sink := blob.NewSink(store, target, format, cfg.Storage.Compress)
	fallback := shipper.NewFileFallback(cfg.Fallback.Path)

	return shipper.New(shipper.Config{
		BufferCapacity:    cfg.Buffer.Capacity,
		OverflowPolicy:    policy,
		EnqueueTimeout:    cfg.Buffer.EnqueueTimeout,
		FlushInterval:     cfg.Flush.Interval,
		FlushThreshold:    cfg.Flush.Threshold,
		RetryMaxAttempts:  cfg.Flush.RetryMaxAttempts,
		BackoffBase:       cfg.Flush.BackoffBase,
		BackoffMultiplier: cfg.Flush.BackoffMultiplier,
		BackoffCap:        cfg.Flush.BackoffCap,
		BackoffJitter:     cfg.Flush.BackoffJitter,
		ShutdownTimeout:   cfg.Flush.ShutdownTimeout,
		MinLevel:          minLevel,
		MirrorConsole:     cfg.MirrorConsole,
	}, sink, fallback), nil
}

func metricsHandler(ship *shipper.Shipper, path string) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(ship.Collector())

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func startMetricsServer(cfg config.MetricsConfig, ship *shipper.Shipper) *http.Server {
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           metricsHandler(ship, cfg.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logrus.WithField("listen", cfg.Listen).Info("Metrics server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Metrics server failed")
		}
	}()

	return server
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
