package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/jose987654/sonarr-plugin/internal/auth"
	"github.com/jose987654/sonarr-plugin/internal/cleanup"
	"github.com/jose987654/sonarr-plugin/internal/config"
	"github.com/jose987654/sonarr-plugin/internal/http/rest"
	"github.com/jose987654/sonarr-plugin/internal/logctx"
	"github.com/jose987654/sonarr-plugin/internal/notifier"
	"github.com/jose987654/sonarr-plugin/internal/orchestrator"
	"github.com/jose987654/sonarr-plugin/internal/seedr"
	"github.com/jose987654/sonarr-plugin/internal/sonarr"
	"github.com/jose987654/sonarr-plugin/internal/storage"
	"github.com/jose987654/sonarr-plugin/internal/storage/sqlite"
	"github.com/jose987654/sonarr-plugin/internal/telemetry"
	"github.com/jose987654/sonarr-plugin/internal/transfer"
	"github.com/jose987654/sonarr-plugin/internal/watcher"
)

const serviceName = "seedrsync"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	processedRepo := sqlite.NewInstrumentedProcessedRepository(database, tel)
	activityRepo := sqlite.NewInstrumentedActivityRepository(database, tel)

	// =========================================================================
	// Start Logging
	handler := logctx.NewTraceHandler(
		storage.NewActivityRecorder(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
			activityRepo,
		),
	)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx = logctx.WithLogger(ctx, logger)

	logger.InfoContext(ctx, "seedrsync starting...", "log_level", cfg.LogLevel)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down telemetry", "err", err)
		}
	}()

	if cfg.Telemetry.Enabled {
		if err := otelruntime.Start(); err != nil {
			logger.WarnContext(ctx, "failed to start runtime instrumentation", "err", err)
		}
	}

	// =========================================================================
	// Start Cloud Store Client
	tokenStore := auth.NewTokenStore(cfg.TokenPath, cfg.TokenRefreshMargin)
	cloud := seedr.NewClient(cfg.SeedrBaseURL, cfg.SeedrClientID, tokenStore, cfg.DevicePollInterval)
	library := sonarr.NewClient(cfg.SonarrHost, cfg.SonarrAPIKey)
	tracker := transfer.NewTracker(cfg.DuplicateTitleCaseInsensitive)

	// =========================================================================
	// Start Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		DownloadDir:       cfg.DownloadDir,
		MaxParallel:       cfg.MaxParallel,
		FetchRetryLimit:   cfg.FetchRetryLimit,
		ReconcileInterval: cfg.ReconcileInterval,
		DevicePollTimeout: cfg.DevicePollTimeout,
	}, cloud, library, tracker, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), tel)

	// =========================================================================
	// Start Watcher
	watcherCfg, err := config.LoadWatcherConfig(cfg.WatcherConfigPath, config.WatcherConfig{
		TorrentDir:  cfg.WatchDir,
		DownloadDir: cfg.DownloadDir,
		AutoStart:   true,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to load watcher config, using defaults", "err", err)
	}

	folder := watcher.NewWatcher(watcherCfg.TorrentDir, processedRepo, orch, cfg.ScanInterval, tel)
	if watcherCfg.AutoStart {
		folder.Start(watcherCfg.TorrentDir)
	}

	go folder.Run(logctx.WithComponent(ctx, "watcher"))
	go orch.Run(logctx.WithComponent(ctx, "orchestrator"))

	setupCleanup(ctx, tracker, cfg)

	// =========================================================================
	// Start API Service
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, folder, activityRepo, tel, cfg)

	go func() {
		logger.InfoContext(ctx, "initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.InfoContext(ctx, "syncing transfers...",
		"watch_dir", watcherCfg.TorrentDir,
		"download_dir", cfg.DownloadDir,
		"scan_interval", cfg.ScanInterval.String(),
		"reconcile_interval", cfg.ReconcileInterval.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

// setupServer prepares the handlers and middlewares of the dashboard API.
func setupServer(
	ctx context.Context,
	orch *orchestrator.Orchestrator,
	folder *watcher.Watcher,
	activityRepo storage.ActivityRepository,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewHandler(orch, folder, activityRepo, cfg.WatcherConfigPath, cfg.DownloadDir)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, serviceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, tracker *transfer.Tracker, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.KeepImportedFor <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down")

				return
			case <-ticker.C:
				if err := cleanup.DeleteExpiredContent(ctx, tracker, cfg.DownloadDir, cfg.KeepImportedFor); err != nil {
					logger.Error("failed to delete expired content", "err", err)
				}
			}
		}
	}()
}
