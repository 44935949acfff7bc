package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/acquire"
	"github.com/fandrade/parlatrack/internal/audit"
	"github.com/fandrade/parlatrack/internal/discovery"
	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/internal/lease"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/internal/queue/streams"
	srv "github.com/fandrade/parlatrack/internal/server"
	"github.com/fandrade/parlatrack/internal/store"
	"github.com/fandrade/parlatrack/internal/structuring"
	"github.com/fandrade/parlatrack/internal/transcribe"
	"github.com/fandrade/parlatrack/internal/worker"
	openai_provider "github.com/fandrade/parlatrack/provider/openai"
)

func main() {
	root := &cobra.Command{Use: "parlatrack"}
	root.AddCommand(serveCMD(), workerCMD(), discoverCMD(), auditCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server with the discovery scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return cmd
}

func workerCMD() *cobra.Command {
	var cfgPath string
	var name string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a pipeline worker consuming session.advance events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}

			transcriber, err := transcribe.New(cfg.Transcriber)
			if err != nil {
				return err
			}
			// The keyword index is owned by the serve process, which mirrors
			// completed chunks into it; workers never open the bleve file.
			indexer := pipeline.NewIndexer(deps.store, deps.vec, deps.llm,
				cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap, cfg.Pipeline.EmbedBatch)
			coordinator := pipeline.NewCoordinator(deps.store,
				acquire.New(cfg.Acquisition), transcriber, structuring.New(deps.llm),
				indexer, deps.vec, nil,
				cfg.Pipeline.MaxAttempts, cfg.Pipeline.BackoffBase, cfg.Pipeline.BackoffMax, cfg.Pipeline.StageTimeout)

			if err := streams.EnsureGroup(ctx, deps.rdb, streams.StreamSessionAdvance, "pipeline"); err != nil {
				return err
			}
			if name == "" {
				host, _ := os.Hostname()
				name = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			consumer := streams.NewConsumer(deps.rdb, "pipeline", name)
			locker := lease.New(deps.rdb, cfg.Pipeline.LeaseTTL)

			log.Printf("[worker] %s consuming %s", name, streams.StreamSessionAdvance)
			err = worker.New(consumer, coordinator, worker.NewRedisLeaser(locker)).Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	cmd.Flags().StringVar(&name, "name", "", "consumer name (default hostname-pid)")
	return cmd
}

func discoverCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Poll all sources once and queue what they publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			deps, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}

			indexer := pipeline.NewIndexer(deps.store, deps.vec, deps.llm,
				cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap, cfg.Pipeline.EmbedBatch)
			coordinator := pipeline.NewCoordinator(deps.store, nil, nil, nil, indexer, deps.vec, nil,
				cfg.Pipeline.MaxAttempts, cfg.Pipeline.BackoffBase, cfg.Pipeline.BackoffMax, cfg.Pipeline.StageTimeout)

			sources := make([]discovery.Source, 0, len(cfg.Discovery.Sources))
			for _, src := range cfg.Discovery.Sources {
				sources = append(sources, discovery.NewFeedSource(src, cfg.Acquisition.Timeout))
			}
			runner := discovery.NewRunner(sources, deps.store, coordinator, streams.NewPublisher(deps.rdb), cfg.Discovery)
			queued, err := runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("queued %d sessions\n", queued)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return cmd
}

func auditCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Cross-check document store and vector index for completed sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			deps, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}

			report, err := audit.New(deps.store, deps.vec, streams.NewPublisher(deps.rdb)).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("checked %d sessions, %d divergent, %d requeued\n",
				report.Checked, len(report.Divergent), len(report.Requeued))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return cmd
}

func migrateCMD() *cobra.Command {
	var cfgPath, dir, direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

// deps bundles the shared infrastructure handles the subcommands wire up.
type deps struct {
	store *store.Store
	rdb   *redis.Client
	llm   *openai_provider.Client
	vec   *index.PGVector
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	llm, err := openai_provider.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.CompletionModel,
		cfg.LLM.EmbeddingModel, cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout)
	if err != nil {
		return nil, err
	}

	return &deps{store: st, rdb: rdb, llm: llm, vec: index.NewPGVector(st.DB)}, nil
}
