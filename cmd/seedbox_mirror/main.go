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
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/italolelis/seedbox_mirror/internal/archive"
	"github.com/italolelis/seedbox_mirror/internal/cleanup"
	"github.com/italolelis/seedbox_mirror/internal/config"
	"github.com/italolelis/seedbox_mirror/internal/drive"
	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/engine/aria2"
	"github.com/italolelis/seedbox_mirror/internal/engine/putio"
	"github.com/italolelis/seedbox_mirror/internal/http/rest"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/mirror"
	"github.com/italolelis/seedbox_mirror/internal/notifier"
	"github.com/italolelis/seedbox_mirror/internal/registry"
	"github.com/italolelis/seedbox_mirror/internal/status"
	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/storage/bolt"
	"github.com/italolelis/seedbox_mirror/internal/storage/sqlite"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("seedbox mirror starting...", "log_level", cfg.LogLevel, "engine", cfg.Engine, "version", version)

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
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
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

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	sessions, err := bolt.NewSessionStore(cfg.SessionDBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	if pruned, err := sessions.Prune(ctx); err != nil {
		logger.Warn("failed to prune upload sessions", "err", err)
	} else if pruned > 0 {
		logger.Info("pruned expired upload sessions", "count", pruned)
	}

	// =========================================================================
	// Start Download Engine
	eng, err := buildEngine(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build download engine: %w", err)
	}

	// =========================================================================
	// Start Drive
	httpClient := drive.NewHTTPClient(ctx, drive.Credentials{
		ClientID:     cfg.Drive.ClientID,
		ClientSecret: cfg.Drive.ClientSecret,
		RefreshToken: cfg.Drive.RefreshToken,
		AccessToken:  cfg.Drive.AccessToken,
	})

	uploader, err := drive.NewClient(ctx, httpClient, drive.Config{
		ParentID:          cfg.Drive.ParentID,
		ShareEmails:       cfg.Drive.ShareEmails,
		ChunkSize:         cfg.Drive.ChunkSize,
		SmallChunkTimeout: cfg.Drive.SmallChunkTimeout,
		LargeChunkTimeout: cfg.Drive.LargeChunkTimeout,
	}, sessions, tel)
	if err != nil {
		return fmt.Errorf("failed to build drive client: %w", err)
	}

	// =========================================================================
	// Start Mirror
	if err := os.MkdirAll(cfg.DownloadRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create download root: %w", err)
	}

	reg := registry.New()
	defer reg.Close()

	discord := buildDiscord(cfg)
	coordinator := status.NewCoordinator(reg, eng, buildMessenger(discord), tel, cfg.StatusInterval)

	m := mirror.New(
		mirror.Config{
			Root:               cfg.DownloadRoot,
			FilteredDomains:    cfg.FilteredDomains,
			MaxParallelUploads: cfg.MaxParallel,
			EngineName:         cfg.Engine,
		},
		reg,
		eng,
		uploader,
		archive.NewPolicy(cfg.DownloadRoot, tel),
		coordinator,
		history,
		tel,
	)

	server := setupServer(ctx, cfg, m, reg, coordinator, history, tel)

	sweeper := &cleanup.Sweeper{
		Root:         cfg.DownloadRoot,
		KeepDuration: cfg.KeepOrphansFor,
		Interval:     cfg.CleanupInterval,
		InUse:        jobDirInUse(reg),
	}

	logger.Info("waiting for jobs...",
		"download_root", cfg.DownloadRoot,
		"drive_parent_id", uploader.ParentID(),
		"max_parallel_uploads", cfg.MaxParallel,
		"status_interval", cfg.StatusInterval.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		defer m.Close()

		return m.Run(gctx)
	})

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		notifyCompletions(gctx, m.OnJobFinished, buildNotifier(cfg, discord))

		return nil
	})

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	// =========================================================================
	// Start API Service
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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
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

// This is an abstract factory for the download engine.
func buildEngine(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (engine.Engine, error) {
	switch cfg.Engine {
	case "aria2":
		c := aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.WebsocketURL, cfg.Aria2.Secret, cfg.Aria2.Timeout, cfg.EngineInboxSize)

		return engine.NewInstrumented(c, cfg.Engine, tel), nil
	case "putio":
		e := putio.New(cfg.Putio.Token, cfg.Putio.FolderID, cfg.Putio.PollInterval, cfg.EngineInboxSize)
		if err := e.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		return engine.NewInstrumented(e, cfg.Engine, tel), nil
	}

	return nil, fmt.Errorf("invalid engine: %s", cfg.Engine)
}

// buildDiscord returns nil when no webhook is configured.
func buildDiscord(cfg *config.Config) *notifier.Discord {
	if cfg.DiscordWebhookURL == "" && len(cfg.DiscordWebhooks) == 0 {
		return nil
	}

	return notifier.NewDiscord(cfg.DiscordWebhookURL, cfg.DiscordWebhooks, &http.Client{Timeout: cfg.MessengerTimeout})
}

func buildMessenger(discord *notifier.Discord) status.Messenger {
	if discord != nil {
		return discord
	}

	return &notifier.LogMessenger{}
}

func buildNotifier(cfg *config.Config, discord *notifier.Discord) notifier.Multi {
	var notifiers notifier.Multi

	if cfg.Notify.URL != "" {
		notifiers = append(notifiers, notifier.NewExternal(cfg.Notify.URL, &http.Client{Timeout: cfg.Notify.Timeout}))
	}

	if discord != nil {
		notifiers = append(notifiers, discord)
	}

	return notifiers
}

func notifyCompletions(ctx context.Context, outcomes <-chan mirror.Outcome, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for out := range outcomes {
		logger.Info("job finished", "job_id", out.Job.ID, "name", out.Name, "outcome", string(out.Result))

		if out.Result == storage.OutcomeCancelled {
			continue
		}

		c := notifier.Completion{
			Successful:  out.Result == storage.OutcomeUploaded,
			Name:        out.Name,
			DriveURL:    out.Link,
			Size:        status.FormatSize(out.Size),
			OriginGroup: out.Job.ChannelID,
		}

		if err := notif.NotifyCompletion(context.WithoutCancel(ctx), c); err != nil {
			logger.Error("failed to send notification", "job_id", out.Job.ID, "err", err)
		}
	}
}

func jobDirInUse(reg *registry.Registry) func(string) bool {
	return func(path string) bool {
		path = filepath.Clean(path)
		inUse := false

		reg.ForEachJob(func(job registry.Job) {
			if filepath.Clean(job.DestinationDir) == path {
				inUse = true
			}
		})

		return inUse
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	jobs rest.JobService,
	reg *registry.Registry,
	renderer rest.StatusRenderer,
	history storage.HistoryReadRepository,
	tel *telemetry.Telemetry,
) *http.Server {
	jobsHandler := rest.NewJobsHandler(cfg.API.Username, cfg.API.Password, jobs, reg, renderer, history, validator.New())

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", jobsHandler.Routes())

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
