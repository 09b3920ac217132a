package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftsky/left-tools-service-sub000/internal/config"
	"github.com/leftsky/left-tools-service-sub000/internal/database"
	"github.com/leftsky/left-tools-service-sub000/internal/database/migrations"
	"github.com/leftsky/left-tools-service-sub000/internal/fetch"
	internalhttp "github.com/leftsky/left-tools-service-sub000/internal/http"
	"github.com/leftsky/left-tools-service-sub000/internal/http/handlers"
	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/observability"
	"github.com/leftsky/left-tools-service-sub000/internal/poller"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/scheduler"
	"github.com/leftsky/left-tools-service-sub000/internal/service"
	"github.com/leftsky/left-tools-service-sub000/internal/startup"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
	"github.com/leftsky/left-tools-service-sub000/internal/version"
	"github.com/leftsky/left-tools-service-sub000/internal/watch"
	"github.com/leftsky/left-tools-service-sub000/internal/worker"
	"github.com/leftsky/left-tools-service-sub000/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the convertd server",
	Long: `Start the convertd HTTP server, worker pool and schedulers.

The server provides:
- REST API for submitting, listing and cancelling conversion tasks
- Converted file downloads under /files/
- CloudConvert webhook receiver
- Health check, Prometheus metrics and OpenAPI documentation`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides server.port)")
	serveCmd.Flags().String("data-dir", "", "data directory for blobs and scratch space (overrides storage.base_dir)")
	serveCmd.Flags().Bool("watch", false, "enable the inbox watch folder")
}

// applyServeFlags copies explicitly set serve flags onto cfg.
func applyServeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("data-dir") {
		dir, _ := flags.GetString("data-dir")
		cfg.Storage.BaseDir = dir
		cfg.Storage.TempDir = filepath.Join(dir, "tmp")
	}
	if flags.Changed("watch") {
		cfg.Watch.Enabled, _ = flags.GetBool("watch")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger.Info("starting convertd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("address", cfg.Server.Address()),
		slog.String("remote_environment", cfg.Remote.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database, observability.WithComponent(logger, "database"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("error", err))
		}
	}()

	migrator := migrations.NewMigrator(db.DB, observability.WithComponent(logger, "migrations"))
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	repo := repository.NewTaskRepository(db.DB)

	blobURL := cfg.Storage.PublicURL
	if blobURL == "" {
		blobURL = cfg.Server.BaseURL()
	}
	blobs, err := storage.NewLocalBlobStore(filepath.Join(cfg.Storage.BaseDir, "blobs"), blobURL)
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}
	scratch, err := storage.NewScratchSpace(cfg.Storage.TempDir)
	if err != nil {
		return fmt.Errorf("creating scratch space: %w", err)
	}

	if _, err := startup.CleanupOrphanedTempDirs(logger, scratch, cfg.Storage.TempMaxAge); err != nil {
		logger.Warn("failed to clean up scratch space", slog.Any("error", err))
	}
	if _, err := startup.RecoverInterruptedTasks(ctx, logger, repo); err != nil {
		return fmt.Errorf("recovering interrupted tasks: %w", err)
	}

	engines := buildEngines(cfg, logger)

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Name = "input"
	httpCfg.Timeout = cfg.Remote.HTTPTimeout
	httpCfg.Logger = observability.WithComponent(logger, "fetch")
	httpCfg.MaxResponseSize = cfg.Worker.MaxInputSize.Int64()
	httpCfg.OnAttempt = metrics.ObserveHTTPAttempt
	fetcher := fetch.New(httpclient.New(httpCfg), blobs, cfg.Worker.MaxInputSize.Int64())

	finalizer := worker.NewFinalizer(repo, blobs, scratch).
		WithLogger(observability.WithComponent(logger, "finalizer"))
	if engines.provider != nil {
		finalizer.WithProvider(engines.provider)
	}

	processor := worker.NewProcessor(repo, engines.selector, fetcher, scratch, finalizer).
		WithLogger(observability.WithComponent(logger, "processor")).
		WithTaskTimeout(cfg.Worker.TaskTimeout)

	pool := worker.NewPool(repo, processor, worker.PoolConfig{
		Concurrency: cfg.Worker.Concurrency,
		QueueSize:   cfg.Worker.QueueSize,
		RetryDelay:  cfg.Worker.RetryDelay,
	}).WithLogger(observability.WithComponent(logger, "pool"))

	taskService := service.NewTaskService(repo, engines.selector).
		WithLogger(observability.WithComponent(logger, "service")).
		WithEnqueuer(pool).
		WithInlineMaxSize(cfg.Worker.InlineMaxSize.Int64()).
		WithMaxAttempts(cfg.Worker.MaxAttempts)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	defer pool.Stop()

	// Pick up tasks recovered above or left Waiting by a previous run.
	if _, err := pool.Sweep(ctx); err != nil {
		logger.Warn("initial sweep failed", slog.Any("error", err))
	}

	sched := scheduler.New().WithLogger(observability.WithComponent(logger, "scheduler"))
	if err := registerJobs(sched, cfg, logger, pool, scratch, repo, finalizer, engines); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Watch.Enabled {
		watcher, err := watch.New(cfg.Watch.InboxDir, cfg.Watch.Debounce, blobs, taskService)
		if err != nil {
			return fmt.Errorf("creating inbox watcher: %w", err)
		}
		watcher.WithLogger(observability.WithComponent(logger, "watch"))
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting inbox watcher: %w", err)
		}
		defer watcher.Stop()
	}

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Address:         cfg.Server.Address(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, observability.WithComponent(logger, "http"), version.Version)

	handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithEngines(engines.selector).
		Register(server.API())
	handlers.NewTaskHandler(taskService).
		WithInlineMaxSize(cfg.Worker.InlineMaxSize.Int64()).
		Register(server.API())
	if engines.cloudConvert != nil {
		handlers.NewWebhookHandler(engines.cloudConvert, repo, finalizer).
			WithLogger(observability.WithComponent(logger, "webhook")).
			Register(server.API())
	}
	server.MountFiles(blobs)
	if cfg.Metrics.Enabled {
		server.MountMetrics(cfg.Metrics.Path)
	}

	err = server.ListenAndServe(ctx)
	logger.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// registerJobs adds the periodic sweep, scratch cleanup and remote poll jobs.
func registerJobs(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	logger *slog.Logger,
	pool *worker.Pool,
	scratch *storage.ScratchSpace,
	repo repository.TaskRepository,
	finalizer *worker.Finalizer,
	engines engineSet,
) error {
	if err := sched.Add("sweep", cfg.Worker.SweepSchedule, func(ctx context.Context) error {
		_, err := pool.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}

	if err := sched.Add("cleanup", cfg.Worker.CleanupSchedule, func(context.Context) error {
		_, err := scratch.CleanupOrphans(cfg.Storage.TempMaxAge, logger)
		return err
	}); err != nil {
		return err
	}

	if engines.provider == nil {
		return nil
	}
	p := poller.New(repo, finalizer, poller.Config{
		BatchSize:  cfg.Remote.PollBatchSize,
		JobTimeout: cfg.Remote.JobTimeout,
	}).WithLogger(observability.WithComponent(logger, "poller"))
	return sched.Add("remote-poll", cfg.Remote.PollSchedule, func(ctx context.Context) error {
		_, err := p.Poll(ctx)
		return err
	})
}
