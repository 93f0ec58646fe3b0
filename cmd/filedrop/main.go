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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/filedrop/internal/blob"
	"github.com/italolelis/filedrop/internal/code"
	"github.com/italolelis/filedrop/internal/config"
	"github.com/italolelis/filedrop/internal/http/rest"
	"github.com/italolelis/filedrop/internal/logctx"
	"github.com/italolelis/filedrop/internal/notifier"
	"github.com/italolelis/filedrop/internal/reaper"
	"github.com/italolelis/filedrop/internal/registry"
	"github.com/italolelis/filedrop/internal/telemetry"
	"github.com/italolelis/filedrop/internal/transfer"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	// A .env file is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	instanceID := telemetry.InstanceID()

	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(jsonHandler)).With("instance_id", instanceID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("filedrop starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg, instanceID); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, instanceID string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     instanceID,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Storage
	local, err := blob.NewLocalStore(cfg.StorageDir, cfg.MaxUploadBytes())
	if err != nil {
		return fmt.Errorf("failed to setup blob store: %w", err)
	}

	// Nothing survives a restart: the registry is in memory, so any bytes on disk are unreachable.
	purged, err := local.Purge(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge leftover blobs: %w", err)
	}

	if purged > 0 {
		logger.Warn("removed blobs left over from a previous run", "count", purged)
	}

	store := blob.NewInstrumentedStore(local, tel)

	// =========================================================================
	// Start Registry and Transfer Service
	codes, err := code.NewGenerator(cfg.CodeLength)
	if err != nil {
		return fmt.Errorf("failed to setup code generator: %w", err)
	}

	reg := registry.New(codes, store, registry.WithTelemetry(tel))

	svc := transfer.NewService(reg, store,
		transfer.WithTTL(cfg.TransferTTL),
		transfer.WithMaxBytes(cfg.MaxUploadBytes()),
		transfer.WithTelemetry(tel),
	)

	// =========================================================================
	// Start Reaper
	rp := reaper.New(reg, cfg.TransferTTL, cfg.ReapInterval, buildReaperOptions(cfg, tel)...)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, svc, codes, reg, tel)

	logger.Info("ready to relay files",
		"storage_dir", cfg.StorageDir,
		"ttl", cfg.TransferTTL.String(),
		"reap_interval", cfg.ReapInterval.String(),
		"max_upload_size", cfg.MaxUploadSize,
		"code_length", cfg.CodeLength,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rp.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

func buildReaperOptions(cfg *config.Config, tel *telemetry.Telemetry) []reaper.Option {
	opts := []reaper.Option{reaper.WithTelemetry(tel)}

	if cfg.DiscordWebhookURL != "" {
		opts = append(opts, reaper.WithNotifier(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)))
	}

	return opts
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	svc *transfer.Service,
	codes *code.Generator,
	reg *registry.Registry,
	tel *telemetry.Telemetry,
) *http.Server {
	tHandler := rest.NewTransferHandler(svc, codes, reg)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", tHandler.Routes())

	// otelhttp sits outermost so the span exists before any request is logged.
	handler := otelhttp.NewHandler(r, cfg.Telemetry.ServiceName)

	// In-flight downloads keep their context on shutdown; Shutdown bounds them instead.
	baseCtx := context.WithoutCancel(ctx)

	return &http.Server{
		Addr:              cfg.Web.BindAddress,
		ReadHeaderTimeout: cfg.Web.ReadHeaderTimeout,
		ReadTimeout:       cfg.Web.ReadTimeout,
		WriteTimeout:      cfg.Web.WriteTimeout,
		IdleTimeout:       cfg.Web.IdleTimeout,
		Handler:           handler,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
}
