package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bmravec/gdman/internal/cleanup"
	"github.com/bmravec/gdman/internal/config"
	"github.com/bmravec/gdman/internal/downloader"
	"github.com/bmravec/gdman/internal/eventloop"
	"github.com/bmravec/gdman/internal/http/rest"
	"github.com/bmravec/gdman/internal/logctx"
	"github.com/bmravec/gdman/internal/notifier"
	"github.com/bmravec/gdman/internal/storage/sqlite"
	"github.com/bmravec/gdman/internal/telemetry"
	"github.com/bmravec/gdman/internal/transfer"
	"github.com/bmravec/gdman/internal/transfer/hosting"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("gdman starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		DiskPath:       cfg.DownloadDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTransferRepository(database, tel)

	// =========================================================================
	// Start Event Loop
	loop := eventloop.New()

	loopCtx, stopLoop := context.WithCancel(logctx.WithLogger(context.Background(), logger))
	defer stopLoop()

	go loop.Run(loopCtx)

	client, err := transfer.NewHTTPClient()
	if err != nil {
		return err
	}

	env := &transfer.Env{
		Client:        client,
		Loop:          loop,
		Logger:        logger,
		ScratchDir:    cfg.ScratchDir,
		DescriptorDir: cfg.DescriptorDir,
		UserAgent:     cfg.UserAgent,
		Tick:          cfg.ProgressTick,
		StallTimeout:  cfg.StallTimeout,
		MaxRate:       cfg.MaxRate,
	}

	// =========================================================================
	// Start Registry
	registry := downloader.NewRegistry(env, downloader.Options{
		HostingHosts: cfg.HostingHosts,
		VideoHosts:   cfg.VideoHosts,
		VideoInfoURL: cfg.VideoInfoURL,
		DownloadDir:  cfg.DownloadDir,
		StartPending: cfg.StartPending,
		Repository:   repo,
		Telemetry:    tel,
	})

	loaded, err := registry.LoadPending(ctx)
	if err != nil {
		logger.Error("failed to load pending transfers", "dir", cfg.DescriptorDir, "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	setupNotificationForRegistry(ctx, g, registry, cfg)

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(gctx, cfg.ScratchDir, hosting.ScratchPatterns, cfg.CleanupInterval, cfg.KeepScratchFor)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, registry, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"descriptor_dir", cfg.DescriptorDir,
		"pending", loaded,
	)

	// =========================================================================
	// Shutdown
	<-gctx.Done()
	logger.Info("start shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			logger.Error("could not stop server gracefully", "err", err)
		}
	}

	if err := registry.ExportAll(shutdownCtx); err != nil {
		logger.Error("failed to export transfers", "err", err)
	}

	registry.Close()
	loop.Close()

	select {
	case <-loop.Done():
	case <-shutdownCtx.Done():
		logger.Warn("event loop did not drain before the shutdown deadline")
	}

	return g.Wait()
}

func setupNotificationForRegistry(ctx context.Context, g *errgroup.Group, registry *downloader.Registry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	forward := func(events <-chan downloader.Event) func() error {
		return func() error {
			for event := range events {
				msg := notifier.TransferMessage(event.Transfer, event.Change)
				if msg == "" {
					continue
				}

				if err := notif.Notify(context.WithoutCancel(ctx), msg); err != nil {
					logger.Error("failed to send notification", "transfer_id", event.ID, "err", err)
				}
			}

			return nil
		}
	}

	g.Go(forward(registry.OnTransferFinished))
	g.Go(forward(registry.OnTransferFailed))
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, registry *downloader.Registry, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewDownloadHandler(registry, cfg.API.Username, cfg.API.Password)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(handler, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
