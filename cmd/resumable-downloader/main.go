package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vertextoedge/resumable-downloader/internal/adapter/filesystem"
	"github.com/vertextoedge/resumable-downloader/internal/adapter/httpfetch"
	"github.com/vertextoedge/resumable-downloader/internal/adapter/sqlite"
	"github.com/vertextoedge/resumable-downloader/internal/config"
	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/domain/event"
	"github.com/vertextoedge/resumable-downloader/internal/logger"
	"github.com/vertextoedge/resumable-downloader/internal/service/maintenance"
	"github.com/vertextoedge/resumable-downloader/internal/service/server"
	"github.com/vertextoedge/resumable-downloader/internal/service/session"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults and RDL_* environment when empty)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config config.yaml] [URL DEST]...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	pairs := flag.Args()
	if len(pairs)%2 != 0 {
		flag.Usage()
		return 2
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	zapLogger := logger.GetZapLogger()
	zapLogger.Info("starting resumable-downloader",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	// Open database
	store, err := sqlite.OpenWithConfig(cfg.Database.Path, &sqlite.Config{
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
		CacheSizeMB:   cfg.Database.CacheSizeMB,
	})
	if err != nil {
		zapLogger.Error("failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
		return 1
	}
	defer store.Close()

	fsManager := filesystem.NewManager(cfg.Download.SyncWrites)

	fetcher := httpfetch.NewClient(httpfetch.Options{
		ChunkSize:             cfg.Download.GetChunkSize(),
		ResponseHeaderTimeout: cfg.Fetch.GetResponseHeaderTimeout(),
		IdleTimeout:           cfg.Fetch.GetIdleTimeout(),
		MaxIdleConnsPerHost:   cfg.Fetch.MaxIdleConnsPerHost,
		UserAgent:             cfg.Fetch.UserAgent,
		SkipTLSVerify:         cfg.Fetch.SkipTLSVerify,
	})

	// Events are logged and counted off the transfer path
	dispatcher := event.NewAsyncDispatcher(1024)
	defer dispatcher.Close()
	metrics := event.NewMetricsHandler()
	dispatcher.Subscribe(event.NewLoggingHandler(logger.Named("events")))
	dispatcher.Subscribe(metrics)

	registry := session.NewRegistry(&session.Config{
		MaxRetries:            cfg.Download.MaxRetries,
		RetryBackoff:          cfg.Download.GetRetryBackoff(),
		RetryMaxBackoff:       cfg.Download.GetRetryMaxBackoff(),
		DeletePartialOnCancel: cfg.Download.DeletePartialOnCancel,
		ResumeInterrupted:     cfg.Download.ResumeInterrupted,
		CheckFreeSpace:        cfg.Download.CheckFreeSpace,
		ProgressInterval:      cfg.Download.GetProgressLogInterval(),
	}, store, fetcher, fsManager, dispatcher, logger.Named("session"))

	recovered, err := registry.Recover()
	if err != nil {
		zapLogger.Error("failed to recover sessions", zap.Error(err))
		return 1
	}
	if recovered > 0 {
		logger.Log.Infof("recovered %d sessions from previous run", recovered)
	}

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create maintenance service
	maintenanceService := maintenance.New(&maintenance.Config{
		ReapInterval:      cfg.Maintenance.GetReapInterval(),
		CleanupInterval:   cfg.Maintenance.GetCleanupInterval(),
		TerminalRetention: cfg.Maintenance.GetTerminalRetention(),
	}, registry, store, logger.Named("maintenance"))

	go func() {
		if err := maintenanceService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("maintenance service stopped with error", zap.Error(err))
		}
	}()

	// Start debug HTTP server
	var httpServer *server.Server
	if cfg.Server.Enabled {
		httpServer = server.New(&server.Config{
			BindAddr:      cfg.Server.BindAddr,
			DebugUsername: cfg.Server.DebugUsername,
			DebugPassword: cfg.Server.DebugPassword,
			ReadTimeout:   cfg.Server.GetReadTimeout(),
			WriteTimeout:  cfg.Server.GetWriteTimeout(),
			IdleTimeout:   cfg.Server.GetIdleTimeout(),
		}, store, registry, metrics, logger.Named("http"))

		go func() {
			if err := httpServer.Start(); err != nil {
				zapLogger.Error("HTTP server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	exitCode := 0
	if len(pairs) > 0 {
		exitCode = downloadAll(ctx, registry, pairs, zapLogger)
	} else {
		zapLogger.Info("application started successfully", zap.Bool("http", cfg.Server.Enabled))
		<-ctx.Done()
		zapLogger.Info("shutdown signal received, stopping services...")
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	maintenanceService.Stop()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("failed to stop sessions gracefully", zap.Error(err))
	}

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			zapLogger.Error("failed to stop HTTP server gracefully", zap.Error(err))
		}
	}

	zapLogger.Info("application stopped", zap.Int("exit_code", exitCode))
	return exitCode
}

// downloadAll starts a session per URL/destination pair and waits for all of
// them. Returns 1 unless every download completed.
func downloadAll(ctx context.Context, registry *session.Registry, pairs []string, log *zap.Logger) int {
	var ids []string
	exitCode := 0

	for i := 0; i < len(pairs); i += 2 {
		url, dest := pairs[i], pairs[i+1]
		res := <-registry.StartDownload(url, dest)
		if res.Err != nil {
			log.Error("failed to start download",
				zap.String("url", url),
				zap.String("destination", dest),
				zap.Error(res.Err))
			exitCode = 1
			continue
		}
		ids = append(ids, res.Value)
	}

	for _, id := range ids {
		s, err := registry.Wait(ctx, id)
		if err != nil {
			fields := []zap.Field{zap.String("session", id), zap.Error(err)}
			if s != nil {
				fields = append(fields, zap.Int64("confirmed_bytes", s.ConfirmedBytes))
			}
			log.Warn("download interrupted", fields...)
			exitCode = 1
			continue
		}

		if s.Status != domain.StatusCompleted {
			log.Error("download did not complete",
				zap.String("session", id),
				zap.String("status", string(s.Status)),
				zap.String("error", s.LastError))
			exitCode = 1
			continue
		}

		log.Info("download completed",
			zap.String("session", id),
			zap.String("destination", s.Destination),
			zap.Int64("bytes", s.ConfirmedBytes),
			zap.String("size", humanize.IBytes(uint64(s.ConfirmedBytes))))
	}

	return exitCode
}
