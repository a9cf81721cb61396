package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/config"
	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/sched"
	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/telemetry"
)

func newWorkerCommand() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduling worker pool",
		Long: `Start the scheduler: open the store, import credentials, expose
metrics, and run worker goroutines until interrupted.

Each worker repeatedly admits ready intentions to jobs and executes
claimed jobs through the configured external commands.`,
		Example: `  # Run with defaults
  poolsched worker -c poolsched.yaml

  # Override the worker count
  poolsched worker -c poolsched.yaml --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Scheduler.Workers = workers
			}

			return runWorkers(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of worker goroutines (overrides config)")

	return cmd
}

func runWorkers(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.DefaultConfig()
	}

	metrics, err := telemetry.NewMetrics(tel.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return err
	}

	tracer, err := telemetry.NewTracer(tel.Tracing, tel.ServiceName, tel.ServiceVersion, tel.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	// Seed credentials and keep them fresh while running.
	if cfg.Credentials.File != "" {
		creds, err := config.LoadCredentials(cfg.Credentials.File)
		if err != nil {
			return err
		}
		if err := importCredentials(ctx, store, creds); err != nil {
			return err
		}
		log.WithField("users", len(creds.Users)).Info("Credentials imported")

		if cfg.Credentials.Watch {
			watcher := config.NewCredentialWatcher(log, cfg.Credentials.File)
			if err := watcher.Watch(ctx, func(creds *config.CredentialFile) error {
				return importCredentials(ctx, store, creds)
			}); err != nil {
				return err
			}
			defer func() { _ = watcher.Stop() }()
		}
	}

	engine, err := sched.New(sched.Options{
		Store:     store,
		Logger:    log,
		Metrics:   metrics,
		Raw:       &sched.CommandRawRunner{Command: cfg.Scheduler.RawCommand},
		Enrich:    &sched.CommandEnrichRunner{Command: cfg.Scheduler.EnrichCommand},
		JobLogDir: cfg.Scheduler.JobLogsDir,
	})
	if err != nil {
		return err
	}

	log.WithField("workers", cfg.Scheduler.Workers).
		WithField("database", cfg.Database.Path).
		Info("Scheduler started")

	var wg sync.WaitGroup
	for i := 0; i < cfg.Scheduler.Workers; i++ {
		worker := sched.NewWorker(sched.WorkerOptions{
			ID:           fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
			Engine:       engine,
			Logger:       log,
			Tracer:       tracer,
			PollInterval: cfg.Scheduler.PollInterval,
			MaxUsers:     cfg.Scheduler.MaxUsers,
			SelectLimit:  cfg.Scheduler.SelectLimit,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Worker stopped with error")
			}
		}()
	}

	wg.Wait()
	log.Info("Scheduler stopped")
	return nil
}
