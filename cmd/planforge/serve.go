package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/planforge/planforge/internal/attempts"
	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/generate"
	"github.com/planforge/planforge/internal/metrics"
	"github.com/planforge/planforge/internal/providers"
	"github.com/planforge/planforge/internal/queue"
	"github.com/planforge/planforge/internal/store"
	"github.com/planforge/planforge/internal/svcctx"
	"github.com/planforge/planforge/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the planforge worker service",
	Long: `Start the planforge worker service.

This connects to Postgres, applies the schema, and runs the job
dispatch pool, the retention sweeper, and the metrics server until
shutdown (Ctrl+C or SIGTERM). In-flight generation attempts are
drained before exit.

Examples:
  planforge serve                      # Run with config defaults
  planforge serve --provider mock      # Run without an API key
  PLANFORGE_WORKER_CONCURRENCY=8 planforge serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		mgr.WatchConfig()
		cfg := mgr.Get()

		if serveProvider != "" {
			cfg.Provider.Type = serveProvider
		}

		pool, err := store.Connect(ctx, store.Config{
			DSN:            cfg.ResolvedDSN(),
			MaxConns:       cfg.Database.MaxConns,
			ConnectTimeout: time.Duration(cfg.Database.ConnectTimeoutSeconds) * time.Second,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}

		jobStore := queue.NewPostgresStore(pool, logger)
		attemptStore := attempts.NewPostgresStore(pool, cfg.Generate.AttemptCap)

		generator, err := buildGenerator(cfg)
		if err != nil {
			return err
		}
		logger.Info("generation provider configured", "provider", generator.Name(), "model", cfg.Provider.Model)

		collectors := metrics.New()

		orchestrator, err := generate.New(generate.Config{
			Store:       attemptStore,
			Generator:   generator,
			BaseTimeout: time.Duration(cfg.Generate.BaseTimeoutSeconds) * time.Second,
			Extension:   time.Duration(cfg.Generate.ExtensionSeconds) * time.Second,
			Logger:      logger,
		})
		if err != nil {
			return err
		}

		registry := worker.NewRegistry()
		registry.SetLogger(logger)
		worker.RegisterPlanHandlers(registry, worker.NewPlanHandler(orchestrator, logger))

		workerPool, err := worker.New(worker.Config{
			Store:        jobStore,
			Registry:     registry,
			PollInterval: time.Duration(cfg.Worker.PollIntervalMillis) * time.Millisecond,
			Concurrency:  cfg.Worker.Concurrency,
			Logger:       logger,
			Metrics:      collectors,
		})
		if err != nil {
			return err
		}

		sweeper := queue.NewSweeper(queue.SweeperConfig{
			Store:     jobStore,
			Retention: time.Duration(cfg.Queue.RetentionDays) * 24 * time.Hour,
			Interval:  time.Duration(cfg.Queue.SweepIntervalMinutes) * time.Minute,
			Logger:    logger,
		})

		g, gctx := errgroup.WithContext(ctx)
		gctx = svcctx.WithServices(gctx, &svcctx.Services{
			Jobs:         jobStore,
			Attempts:     attemptStore,
			Generator:    generator,
			Orchestrator: orchestrator,
			ConfigMgr:    mgr,
			Metrics:      collectors,
			Logger:       logger,
		})

		if err := workerPool.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			workerPool.Stop()
			return nil
		})

		g.Go(func() error {
			err := sweeper.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})

		if cfg.Metrics.Enabled {
			metricsServer, err := metrics.NewServer(metrics.ServerConfig{
				Addr:          cfg.Metrics.Addr,
				Metrics:       collectors,
				Store:         jobStore,
				StatsInterval: time.Duration(cfg.Metrics.StatsIntervalSeconds) * time.Second,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			g.Go(func() error {
				return metricsServer.Start(gctx)
			})
		}

		logger.Info("planforge serving",
			"concurrency", cfg.Worker.Concurrency,
			"attempt_cap", cfg.Generate.AttemptCap,
			"metrics", cfg.Metrics.Enabled)

		err = g.Wait()
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil
		}
		return err
	},
}

var serveProvider string

func init() {
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "generation provider override: openai or mock")

	rootCmd.AddCommand(serveCmd)
}

// buildGenerator constructs the configured generation backend.
func buildGenerator(cfg *config.Config) (providers.Generator, error) {
	switch cfg.Provider.Type {
	case providers.MockName:
		return providers.NewMockGenerator(), nil
	case providers.OpenAIName, "":
		apiKey := cfg.ResolvedAPIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("provider api key is empty (set OPENAI_API_KEY or provider.api_key)")
		}
		return providers.NewOpenAIGenerator(providers.OpenAIConfig{
			APIKey:     apiKey,
			Model:      cfg.Provider.Model,
			BaseURL:    cfg.Provider.BaseURL,
			MaxRetries: cfg.Provider.MaxRetries,
			Timeout:    time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}
