package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zdm/zdm/internal/cleanup"
	"github.com/zdm/zdm/internal/config"
	"github.com/zdm/zdm/internal/downloader"
	"github.com/zdm/zdm/internal/http/rest"
	"github.com/zdm/zdm/internal/logctx"
	"github.com/zdm/zdm/internal/notifier"
	"github.com/zdm/zdm/internal/storage"
	"github.com/zdm/zdm/internal/storage/sqlite"
	"github.com/zdm/zdm/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCmd(cfg)
	if err := rootCmd.ExecuteContext(logctx.WithLogger(ctx, logger)); err != nil {
		slog.Error("fatal error", "err", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		output       string
		extraMirrors []string
	)

	cmd := &cobra.Command{
		Use:   "zdm [flags] URL [URL...]",
		Short: "Piece-based resumable downloader",
		Long: `zdm downloads one file from one or more mirror URLs serving
identical content. When the mirrors support ranged retrieval the file is
fetched as verified pieces that survive interruption; otherwise it falls
back to a plain sequential download.`,
		Version:      version,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, append(args, extraMirrors...), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file path (required)")
	cmd.Flags().StringSliceVar(&extraMirrors, "mirrors", nil, "Additional mirror URLs, lowest priority")
	cmd.Flags().Int64Var(&cfg.PieceSize, "piece", cfg.PieceSize, "Piece size in bytes")
	cmd.Flags().IntVar(&cfg.MaxParallel, "conc", cfg.MaxParallel, "Maximum concurrent piece downloads")
	cmd.Flags().DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Per-request timeout")
	cmd.Flags().BoolVar(&cfg.Web.Enabled, "serve", cfg.Web.Enabled, "Expose the status API while downloading")

	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, mirrors []string, dest string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Transfer Engine
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	var opener storage.ManifestOpener = sqlite.NewOpener()
	if cfg.Telemetry.Enabled {
		opener = sqlite.NewInstrumentedOpener(tel)
	}

	engine := downloader.New(client, opener, downloader.Config{
		PieceSize:   cfg.PieceSize,
		MaxParallel: cfg.MaxParallel,
		Timeout:     cfg.RequestTimeout,
		UserAgent:   cfg.UserAgent,
		Telemetry:   tel,
	})

	// =========================================================================
	// Start API Service
	var server *http.Server

	serverErrors := make(chan error, 1)

	if cfg.Web.Enabled {
		server = setupServer(ctx, engine, tel, cfg)

		go func() {
			logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
			serverErrors <- server.ListenAndServe()
		}()
	}

	// =========================================================================
	// Sweep Stale Manifests
	if dir := filepath.Dir(dest); dir != "" {
		if err := cleanup.SweepManifests(ctx, dir, cfg.ManifestRetention); err != nil {
			logger.Warn("manifest sweep failed", "dir", dir, "err", err)
		}
	}

	// =========================================================================
	// Download
	logger.Info("starting download",
		"mirrors", len(mirrors),
		"destination", dest,
		"piece_size", cfg.PieceSize,
		"max_parallel", cfg.MaxParallel,
	)

	result, dlErr := engine.Download(ctx, mirrors, dest)

	// The webhook still fires when the run was interrupted.
	notify(context.WithoutCancel(ctx), cfg, dest, dlErr)

	// =========================================================================
	// Stop API Service
	if server != nil {
		select {
		case err := <-serverErrors:
			logger.Error("server error", "err", err)
		default:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}
	}

	if dlErr != nil {
		return dlErr
	}

	logger.Info("transfer complete",
		"path", result.Path,
		"size", result.Size,
		"pieces", result.Pieces,
		"resumed", result.Resumed,
		"sequential", result.Sequential,
	)

	return nil
}

// setupServer prepares the status API server.
func setupServer(ctx context.Context, engine *downloader.Downloader, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", rest.NewStatusHandler(engine, tel).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func notify(ctx context.Context, cfg *config.Config, dest string, dlErr error) {
	if cfg.WebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	notif := &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}

	content := "✅ Download finished: " + dest
	if dlErr != nil {
		content = "❌ Download failed: " + dest + " (" + dlErr.Error() + ")"
	}

	if err := notif.Notify(ctx, content); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}
